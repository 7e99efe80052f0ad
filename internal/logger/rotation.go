package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	backupTimeFormat = "2006-01-02T15-04-05.000"
	compressSuffix   = ".gz"
	megabyte         = 1024 * 1024
)

// currentTime is replaced in tests.
var currentTime = time.Now

// RotationConfig configures a RotatingWriter.
type RotationConfig struct {
	Filename   string
	MaxSizeMB  int  // rotate once the file would exceed this, 0 disables rotation
	MaxAge     int  // days to keep backups, 0 keeps them forever
	MaxBackups int  // backups to keep, 0 keeps all
	Compress   bool // gzip backups
}

// RotatingWriter appends to a log file and moves it aside as
// taskpilot-<timestamp>.log once it grows past the size limit. Compression
// and pruning of old backups run on a single background goroutine. It is
// safe for concurrent use.
type RotatingWriter struct {
	cfg     RotationConfig
	maxSize int64

	mu   sync.Mutex
	file *os.File
	size int64

	millCh   chan struct{}
	millDone chan struct{}
	closed   bool
}

// NewRotatingWriter opens cfg.Filename for appending, creating its directory.
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("log file name is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		cfg:      cfg,
		maxSize:  int64(cfg.MaxSizeMB) * megabyte,
		millCh:   make(chan struct{}, 1),
		millDone: make(chan struct{}),
	}
	if err := w.openExisting(); err != nil {
		return nil, err
	}

	go w.millLoop()
	w.requestMill()
	return w, nil
}

func (w *RotatingWriter) openExisting() error {
	file, err := os.OpenFile(w.cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push a non-empty file past
// the size limit. A single write larger than the limit is still written.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}
	if w.maxSize > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Rotate moves the current file aside immediately.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	return w.rotate()
}

// Close closes the file and waits for pending backup maintenance.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.file.Close()
	close(w.millCh)
	w.mu.Unlock()

	<-w.millDone
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.cfg.Filename, w.backupName(currentTime())); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	if err := w.openExisting(); err != nil {
		return err
	}
	w.requestMill()
	return nil
}

// backupName inserts the timestamp between the base name and extension:
// taskpilot.log becomes taskpilot-2026-01-02T15-04-05.000.log.
func (w *RotatingWriter) backupName(t time.Time) string {
	dir := filepath.Dir(w.cfg.Filename)
	base := filepath.Base(w.cfg.Filename)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, t.UTC().Format(backupTimeFormat), ext))
}

func (w *RotatingWriter) requestMill() {
	select {
	case w.millCh <- struct{}{}:
	default:
	}
}

func (w *RotatingWriter) millLoop() {
	defer close(w.millDone)
	for range w.millCh {
		_ = w.mill()
	}
}

type backup struct {
	path      string
	timestamp time.Time
}

// backups lists rotated files newest first. The time comes from the name,
// not the file's mtime.
func (w *RotatingWriter) backups() ([]backup, error) {
	dir := filepath.Dir(w.cfg.Filename)
	base := filepath.Base(w.cfg.Filename)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []backup
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), compressSuffix)
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		ts, err := time.Parse(backupTimeFormat, strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext))
		if err != nil {
			continue
		}
		out = append(out, backup{path: filepath.Join(dir, e.Name()), timestamp: ts})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].timestamp.After(out[j].timestamp) })
	return out, nil
}

// mill removes backups past MaxBackups or MaxAge and compresses the rest.
func (w *RotatingWriter) mill() error {
	files, err := w.backups()
	if err != nil {
		return err
	}

	var cutoff time.Time
	if w.cfg.MaxAge > 0 {
		cutoff = currentTime().Add(-time.Duration(w.cfg.MaxAge) * 24 * time.Hour)
	}

	var firstErr error
	for i, b := range files {
		expired := (w.cfg.MaxBackups > 0 && i >= w.cfg.MaxBackups) ||
			(!cutoff.IsZero() && b.timestamp.Before(cutoff))
		switch {
		case expired:
			err = os.Remove(b.path)
		case w.cfg.Compress && !strings.HasSuffix(b.path, compressSuffix):
			err = compressFile(b.path)
		default:
			err = nil
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// compressFile gzips src to src.gz and removes src once the copy is complete.
func compressFile(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dst := src + compressSuffix
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
