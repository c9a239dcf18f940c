// Package requestlog journals completed proxied calls to SQLite or Postgres.
// The journal is write-only from the gateway's point of view: nothing it
// stores is read back when serving traffic.
package requestlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Entry is one completed proxied call.
type Entry struct {
	RequestID string
	Route     string
	Method    string
	URI       string
	Status    int
	// ErrorType is empty for relayed upstream responses.
	ErrorType string
	Duration  time.Duration
	CreatedAt time.Time
}

// Writer persists request log entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// NoopWriter ignores all log writes.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// Query filters List results. Zero fields match everything.
type Query struct {
	Route     string
	ErrorType string
	Limit     int
	Offset    int
}

// ListResult is one page of entries, newest first, with the total number of
// matching rows.
type ListResult struct {
	Data  []Entry
	Total int
}

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

// Open returns a SQLWriter for driver ("sqlite" or "postgres").
func Open(driver, dsn string) (*SQLWriter, error) {
	switch driver {
	case DriverSQLite:
		return NewSQLiteWriter(dsn)
	case DriverPostgres:
		return NewPostgresWriter(dsn)
	default:
		return nil, fmt.Errorf("unknown request log driver: %q", driver)
	}
}

func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "edgegw-requests.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite request log writer: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	w := &SQLWriter{db: db, dialect: DriverSQLite}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres request log writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: DriverPostgres}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s request log writer: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS proxy_requests (
	id INTEGER PRIMARY KEY,
	request_id TEXT,
	route TEXT NOT NULL,
	method TEXT NOT NULL,
	uri TEXT NOT NULL,
	status INTEGER NOT NULL,
	error_type TEXT,
	duration_ms INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);`

	if w.dialect == DriverPostgres {
		ddl = `
CREATE TABLE IF NOT EXISTS proxy_requests (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT,
	route TEXT NOT NULL,
	method TEXT NOT NULL,
	uri TEXT NOT NULL,
	status INTEGER NOT NULL,
	error_type TEXT,
	duration_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize request log schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (w *SQLWriter) rebind(query string) string {
	if w.dialect != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	query := w.rebind(`INSERT INTO proxy_requests(request_id, route, method, uri, status, error_type, duration_ms, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := w.db.ExecContext(ctx, query,
		entry.RequestID,
		entry.Route,
		entry.Method,
		entry.URI,
		entry.Status,
		entry.ErrorType,
		entry.Duration.Milliseconds(),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("write request log: %w", err)
	}
	return nil
}

func (q Query) where() (string, []interface{}) {
	var conds []string
	var args []interface{}
	if q.Route != "" {
		conds = append(conds, "route = ?")
		args = append(args, q.Route)
	}
	if q.ErrorType != "" {
		conds = append(conds, "error_type = ?")
		args = append(args, q.ErrorType)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns the entries matching q, newest first.
func (w *SQLWriter) List(ctx context.Context, q Query) (ListResult, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	where, args := q.where()

	var res ListResult
	if err := w.db.QueryRowContext(ctx, w.rebind("SELECT COUNT(*) FROM proxy_requests"+where), args...).Scan(&res.Total); err != nil {
		return ListResult{}, fmt.Errorf("count request logs: %w", err)
	}

	rows, err := w.db.QueryContext(ctx,
		w.rebind(`SELECT request_id, route, method, uri, status, error_type, duration_ms, created_at
	FROM proxy_requests`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`),
		append(args, q.Limit, q.Offset)...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e         Entry
			requestID sql.NullString
			errType   sql.NullString
			ms        int64
		)
		if err := rows.Scan(&requestID, &e.Route, &e.Method, &e.URI, &e.Status, &errType, &ms, &e.CreatedAt); err != nil {
			return ListResult{}, fmt.Errorf("scan request log: %w", err)
		}
		e.RequestID = requestID.String
		e.ErrorType = errType.String
		e.Duration = time.Duration(ms) * time.Millisecond
		res.Data = append(res.Data, e)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("list request logs: %w", err)
	}
	return res, nil
}

// Delete removes entries created before the given time and returns how many
// were removed.
func (w *SQLWriter) Delete(ctx context.Context, before time.Time) (int64, error) {
	res, err := w.db.ExecContext(ctx, w.rebind("DELETE FROM proxy_requests WHERE created_at < ?"), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete request logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete request logs: %w", err)
	}
	return n, nil
}

func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}
