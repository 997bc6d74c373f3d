// Package sqlite backs the stores with a single SQLite file for standalone
// deployments. The claim/transition statements are the same shape as the
// Postgres ones so the correctness story does not depend on the backend.
package sqlite

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lanternworks/agentrelay/internal/store"
)

//go:embed schema.sql
var schema string

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY
	// churn under concurrent claims.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// NewStores creates all stores backed by one SQLite file (standalone mode).
func NewStores(cfg store.Config) (*store.Stores, error) {
	db, err := Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	ttl := cfg.DedupeTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &store.Stores{
		Identities: NewIdentityStore(db),
		Dedupe:     NewDedupeStore(db, ttl),
		Messages:   NewMessageStore(db),
	}, nil
}
