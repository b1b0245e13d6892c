package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"

	"github.com/neutrino-sh/neutrino-go/internal/orchestrator/resilience"
)

// LogEntry is one row of the persisted request/task log.
type LogEntry struct {
	ID           string
	FunctionName string
	Method       string
	Path         string
	Status       string
	CreatedAt    string
	CompletedAt  string
	DurationMS   float64
	StatusCode   int
	RequestBody  string
	ResponseBody string
	Error        string
}

// DBLogger is a non-blocking request logger: Log enqueues an entry and
// returns immediately; a single background goroutine serializes writes to
// SQLite so the proxy path never blocks on disk I/O.
type DBLogger struct {
	entries chan LogEntry
}

// NewDBLogger opens (creating if absent) the database at dbPath, applies
// its schema, and starts the background writer. The returned logger is
// ready to accept Log calls immediately; schema/open failures are fatal
// since a request log nobody can write to isn't worth running degraded.
func NewDBLogger(ctx context.Context, dbPath string) (*DBLogger, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("gateway: create db directory: %w", err)
		}
	}

	if err := initDatabase(dbPath); err != nil {
		return nil, fmt.Errorf("gateway: init database: %w", err)
	}

	l := &DBLogger{entries: make(chan LogEntry, 256)}
	go l.writerLoop(ctx, dbPath)
	return l, nil
}

// Log enqueues entry for background persistence. If the writer has fallen
// behind enough to fill the channel, the entry is dropped with a warning
// rather than blocking the caller's request path.
func (l *DBLogger) Log(entry LogEntry) {
	select {
	case l.entries <- entry:
	default:
		log.Warn().Str("task_id", entry.ID).Msg("log queue full, dropping entry")
	}
}

func (l *DBLogger) writerLoop(ctx context.Context, dbPath string) {
	log.Info().Msg("database writer task started")
	retryCfg := resilience.DefaultRetryConfig()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("database writer task stopped")
			return
		case entry := <-l.entries:
			attempts := 0
			err := resilience.RetryNotify(ctx, retryCfg, func() error {
				attempts++
				return writeLogEntry(dbPath, entry)
			}, func(writeErr error, wait time.Duration) {
				log.Warn().Err(writeErr).Str("task_id", entry.ID).Dur("wait", wait).Msg("log write failed, retrying")
			})
			if err != nil {
				log.Error().Err(err).Str("task_id", entry.ID).Int("attempts", attempts).Msg("giving up on log entry")
			}
		}
	}
}

func initDatabase(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			function_name TEXT,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP,
			duration_ms REAL,
			status_code INTEGER,
			request_body TEXT,
			response_body TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_created_at ON tasks(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_function_name ON tasks(function_name)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}

	log.Info().Str("path", dbPath).Msg("database initialized")
	return nil
}

func writeLogEntry(dbPath string, e LogEntry) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.Exec(`INSERT OR REPLACE INTO tasks (
		id, function_name, method, path, status, created_at, completed_at,
		duration_ms, status_code, request_body, response_body, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullIfEmpty(e.FunctionName), e.Method, e.Path, e.Status,
		nullIfEmpty(e.CreatedAt), nullIfEmpty(e.CompletedAt), e.DurationMS,
		e.StatusCode, nullIfEmpty(e.RequestBody), nullIfEmpty(e.ResponseBody), nullIfEmpty(e.Error))
	return err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
