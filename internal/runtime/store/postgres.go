package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/nexbus/internal/runtime/logging"
)

// PostgresDriver is the driver name of the PostgreSQL store.
const PostgresDriver = "postgres"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS nexbus_events (
	seq BIGSERIAL PRIMARY KEY,
	namespace TEXT NOT NULL,
	event_id TEXT NOT NULL,
	pattern TEXT NOT NULL,
	payload TEXT,
	metadata TEXT,
	priority INTEGER NOT NULL DEFAULT 1,
	created_at BIGINT NOT NULL,
	UNIQUE (namespace, event_id)
);

CREATE INDEX IF NOT EXISTS idx_nexbus_events_ns_pattern ON nexbus_events(namespace, pattern);
`

var postgresDialect = dialect{name: "postgres", schema: postgresSchema, numberedBinds: true}

func init() {
	Register(PostgresDriver, func(ctx context.Context, cfg Config, log logging.ServiceLogger) (EventStore, error) {
		return OpenPostgres(cfg.GetPostgresURL(), cfg.GetStoragePrefix(), log)
	})
}

// OpenPostgres opens a connection pool for url and returns a store for
// namespace. Init must be called before use.
func OpenPostgres(url, namespace string, log logging.ServiceLogger) (*SQLStore, error) {
	if url == "" {
		return nil, fmt.Errorf("postgres url is required")
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	return newSQLStore(db, postgresDialect, namespace, log, true), nil
}

// NewPostgres wraps an existing PostgreSQL handle. The caller keeps ownership
// of db.
func NewPostgres(db *sql.DB, namespace string, log logging.ServiceLogger) *SQLStore {
	return newSQLStore(db, postgresDialect, namespace, log, false)
}
