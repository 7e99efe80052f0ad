package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/taskpilot/internal/observability"
	"github.com/harun/taskpilot/internal/tracing"
)

// FileStore keeps one JSON document per session in a directory.
type FileStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".taskpilot", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("File session store initialized")

	return &FileStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (fs *FileStore) path(id string) string {
	return filepath.Join(fs.dir, id+".json")
}

func (fs *FileStore) writeLock(id string) *sync.Mutex {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()

	if lock, ok := fs.writeLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	fs.writeLocks[id] = lock
	return lock
}

// Save writes s atomically, replacing any previous document for its id.
func (fs *FileStore) Save(ctx context.Context, s *ExecutionSession) error {
	if s == nil {
		return fmt.Errorf("session is nil")
	}
	if err := validateID(s.ID); err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.save",
		attribute.String("session_id", s.ID),
		attribute.String("driver", "file"),
	)
	defer span.End()
	start := time.Now()

	lock := fs.writeLock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	touch(s)
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := writeAtomic(fs.dir, fs.path(s.ID), data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return err
	}

	observability.RecordSessionSave(time.Since(start))
	if tracing.GetSessionID(ctx) == "" {
		ctx = tracing.WithSessionID(ctx, s.ID)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Int("steps", len(s.StepExecutions)).
		Msg("Session saved")
	return nil
}

func writeAtomic(dir, path string, data []byte) error {
	tmpFile, err := os.CreateTemp(dir, "session-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Load reads a session by id.
func (fs *FileStore) Load(ctx context.Context, id string) (*ExecutionSession, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	start := time.Now()

	data, err := os.ReadFile(fs.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var s ExecutionSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}

	observability.RecordSessionLoad(time.Since(start))
	return &s, nil
}

// List returns summaries of all sessions, newest first. Unreadable files are
// skipped.
func (fs *FileStore) List(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	summaries := []Summary{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		s, err := fs.Load(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Skipping unreadable session")
			continue
		}
		summaries = append(summaries, s.Summarize())
	}

	sortSummaries(summaries)
	return summaries, nil
}

// Close is a no-op for the file store.
func (fs *FileStore) Close() error {
	return nil
}

func sortSummaries(summaries []Summary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].ID > summaries[j].ID
		}
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
}
