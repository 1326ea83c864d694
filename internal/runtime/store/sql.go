package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	errspkg "github.com/drblury/nexbus/internal/runtime/errors"
	"github.com/drblury/nexbus/internal/runtime/event"
	"github.com/drblury/nexbus/internal/runtime/jsoncodec"
	"github.com/drblury/nexbus/internal/runtime/logging"
	"github.com/drblury/nexbus/internal/runtime/pattern"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name          string
	schema        string
	numberedBinds bool
}

// SQLStore persists events in a shared nexbus_events table. Rows are
// partitioned by namespace so several buses can share one database.
type SQLStore struct {
	db        *sql.DB
	dialect   dialect
	namespace string
	logger    logging.ServiceLogger
	ownsDB    bool

	closedMu sync.RWMutex
	closed   bool
}

func newSQLStore(db *sql.DB, d dialect, namespace string, log logging.ServiceLogger, ownsDB bool) *SQLStore {
	return &SQLStore{
		db:        db,
		dialect:   d,
		namespace: namespace,
		logger:    logging.OrNop(log),
		ownsDB:    ownsDB,
	}
}

// Init creates the schema when it is missing.
func (s *SQLStore) Init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach %s database: %w", s.dialect.name, err)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("failed to initialize %s schema: %w", s.dialect.name, err)
	}
	return nil
}

func (s *SQLStore) Store(ctx context.Context, evt event.Event) error {
	if s.isClosed() {
		return errspkg.ErrStoreClosed
	}

	payload, err := jsoncodec.MarshalPayload(evt.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload of event %s: %w", evt.ID, err)
	}
	meta, err := jsoncodec.Marshal(evt.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata of event %s: %w", evt.ID, err)
	}

	_, err = s.db.ExecContext(ctx, s.bind(`
		INSERT INTO nexbus_events (namespace, event_id, pattern, payload, metadata, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), s.namespace, evt.ID, evt.Pattern, string(payload), string(meta), int(evt.Priority), evt.Timestamp.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", evt.ID, err)
	}
	return nil
}

func (s *SQLStore) AllEvents(ctx context.Context) ([]event.Event, error) {
	return s.History(ctx, "", 0)
}

func (s *SQLStore) History(ctx context.Context, p string, limit int) ([]event.Event, error) {
	if s.isClosed() {
		return nil, errspkg.ErrStoreClosed
	}

	query := `SELECT event_id, pattern, payload, metadata, priority, created_at FROM nexbus_events WHERE namespace = ?`
	args := []any{s.namespace}
	switch {
	case p == "":
	case pattern.IsWildcard(p):
		query += ` AND pattern LIKE ? ESCAPE '\'`
		args = append(args, likePrefix(p))
	default:
		query += ` AND pattern = ?`
		args = append(args, p)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return filterHistory(events, p, limit), nil
}

func (s *SQLStore) Clear(ctx context.Context) error {
	if s.isClosed() {
		return errspkg.ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM nexbus_events WHERE namespace = ?`), s.namespace); err != nil {
		return fmt.Errorf("failed to clear events: %w", err)
	}
	return nil
}

// Close marks the store closed and closes the database if the store opened it.
func (s *SQLStore) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	s.closedMu.Unlock()

	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

// bind rewrites ? placeholders to $n for drivers that need numbered binds.
func (s *SQLStore) bind(query string) string {
	if !s.dialect.numberedBinds {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		evt           event.Event
		payload, meta string
		priority      int
		createdAt     int64
	)
	if err := row.Scan(&evt.ID, &evt.Pattern, &payload, &meta, &priority, &createdAt); err != nil {
		return event.Event{}, fmt.Errorf("failed to scan event: %w", err)
	}
	decoded, err := jsoncodec.UnmarshalPayload([]byte(payload))
	if err != nil {
		return event.Event{}, fmt.Errorf("failed to decode payload of event %s: %w", evt.ID, err)
	}
	if err := jsoncodec.Unmarshal([]byte(meta), &evt.Metadata); err != nil {
		return event.Event{}, fmt.Errorf("failed to decode metadata of event %s: %w", evt.ID, err)
	}
	evt.Payload = decoded
	evt.Priority = event.Priority(priority)
	evt.Timestamp = time.Unix(0, createdAt).UTC()
	return evt, nil
}

// likePrefix turns "a.b.*" into a LIKE prefix; pattern segments never
// contain LIKE metacharacters other than "_", which is escaped.
func likePrefix(p string) string {
	prefix := strings.TrimSuffix(p, pattern.Wildcard)
	return strings.ReplaceAll(prefix, "_", `\_`) + "%"
}
