package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/nexbus/internal/runtime/logging"
)

// SQLiteDriver is the driver name of the SQLite store.
const SQLiteDriver = "sqlite"

// DefaultSQLiteFile is used when no file is configured.
const DefaultSQLiteFile = "nexbus_events.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS nexbus_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace TEXT NOT NULL,
	event_id TEXT NOT NULL,
	pattern TEXT NOT NULL,
	payload TEXT,
	metadata TEXT,
	priority INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nexbus_events_ns_pattern ON nexbus_events(namespace, pattern);
CREATE UNIQUE INDEX IF NOT EXISTS idx_nexbus_events_ns_id ON nexbus_events(namespace, event_id);
`

var sqliteDialect = dialect{name: "sqlite", schema: sqliteSchema}

func init() {
	Register(SQLiteDriver, func(ctx context.Context, cfg Config, log logging.ServiceLogger) (EventStore, error) {
		return OpenSQLite(cfg.GetSQLiteFile(), cfg.GetStoragePrefix(), log)
	})
}

// OpenSQLite opens path (":memory:" for a private in-memory database) and
// returns a store for namespace. Init must be called before use.
func OpenSQLite(path, namespace string, log logging.ServiceLogger) (*SQLStore, error) {
	if path == "" {
		path = DefaultSQLiteFile
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newSQLStore(db, sqliteDialect, namespace, log, true), nil
}

// NewSQLite wraps an existing SQLite handle. The caller keeps ownership of db.
func NewSQLite(db *sql.DB, namespace string, log logging.ServiceLogger) *SQLStore {
	return newSQLStore(db, sqliteDialect, namespace, log, false)
}
