package gateway

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func TestNewDBLoggerCreatesSchemaAndParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "tasks.db")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := NewDBLogger(ctx, dbPath)
	require.NoError(t, err)
	require.NotNil(t, logger)

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='tasks'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "tasks", name)
}

func TestDBLoggerPersistsEntry(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := NewDBLogger(ctx, dbPath)
	require.NoError(t, err)

	logger.Log(LogEntry{
		ID: "task-1", FunctionName: "predict", Method: "POST", Path: "/predict",
		Status: "completed", CreatedAt: time.Now().UTC().Format(time.RFC3339), StatusCode: 200,
	})

	require.Eventually(t, func() bool {
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			return false
		}
		defer db.Close()
		var status string
		err = db.QueryRow(`SELECT status FROM tasks WHERE id = ?`, "task-1").Scan(&status)
		return err == nil && status == "completed"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDBLoggerDropsEntriesWhenQueueFull(t *testing.T) {
	l := &DBLogger{entries: make(chan LogEntry, 1)}
	l.Log(LogEntry{ID: "a"})
	// Second call must not block even though nothing drains the channel.
	done := make(chan struct{})
	go func() {
		l.Log(LogEntry{ID: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked on a full queue instead of dropping")
	}
}

func TestNullIfEmpty(t *testing.T) {
	assert.Nil(t, nullIfEmpty(""))
	assert.Equal(t, "x", nullIfEmpty("x"))
}
