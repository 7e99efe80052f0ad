package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/taskpilot/internal/observability"
	"github.com/harun/taskpilot/internal/tracing"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS execution_sessions (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT '',
		steps INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		document TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON execution_sessions(created_at);
`

// SQLiteStore keeps sessions as JSON documents in a SQLite table, one row
// per id.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite session store initialized")
	return &SQLiteStore{db: db}, nil
}

// Save upserts s by id.
func (st *SQLiteStore) Save(ctx context.Context, s *ExecutionSession) error {
	if s == nil {
		return fmt.Errorf("session is nil")
	}
	if err := validateID(s.ID); err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.save",
		attribute.String("session_id", s.ID),
		attribute.String("driver", "sqlite"),
	)
	defer span.End()
	start := time.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	touch(s)
	doc, err := json.Marshal(s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = st.db.ExecContext(ctx, `
		INSERT INTO execution_sessions (id, task, outcome, steps, created_at, updated_at, document)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task = excluded.task,
			outcome = excluded.outcome,
			steps = excluded.steps,
			updated_at = excluded.updated_at,
			document = excluded.document`,
		s.ID, s.Task, string(s.Outcome), len(s.StepExecutions),
		s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano(), string(doc),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return fmt.Errorf("failed to save session: %w", err)
	}

	observability.RecordSessionSave(time.Since(start))
	return nil
}

// Load reads a session by id.
func (st *SQLiteStore) Load(ctx context.Context, id string) (*ExecutionSession, error) {
	start := time.Now()

	var doc string
	err := st.db.QueryRowContext(ctx, `SELECT document FROM execution_sessions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var s ExecutionSession
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}

	observability.RecordSessionLoad(time.Since(start))
	return &s, nil
}

// List returns summaries newest first.
func (st *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT id, task, outcome, steps, created_at, updated_at
		FROM execution_sessions
		ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var (
			sum              Summary
			outcome          string
			created, updated int64
		)
		if err := rows.Scan(&sum.ID, &sum.Task, &outcome, &sum.Steps, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.Outcome = Outcome(outcome)
		sum.CreatedAt = time.Unix(0, created).UTC()
		sum.UpdatedAt = time.Unix(0, updated).UTC()
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Close closes the database.
func (st *SQLiteStore) Close() error {
	return st.db.Close()
}
