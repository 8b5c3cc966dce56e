package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentineldesk/mailguard/internal/mail"
)

//go:embed schema.sql
var schemaSQL string

// ChangeNotifier receives a signal after every successful classification
// write. The signal travels through the storage layer's notification channel
// and comes back into the ingestion handler, so any writer can trigger a
// client broadcast, not just this process.
type ChangeNotifier interface {
	ClassificationChanged(ctx context.Context, userID, messageID string, category mail.Category) error
}

// Store holds per-user mail sessions and classified messages.
type Store struct {
	db       *sql.DB
	cap      int
	notifier ChangeNotifier
	logger   *slog.Logger
}

// Open opens or creates the database and applies the schema. cap bounds the
// classification list per user; notifier may be nil.
func Open(dbPath string, cap int, notifier ChangeNotifier, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if cap <= 0 {
		cap = 100
	}

	return &Store{db: db, cap: cap, notifier: notifier, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
