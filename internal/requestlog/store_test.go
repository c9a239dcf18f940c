package requestlog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestSQLiteWriter_WriteListDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.db")
	w, err := NewSQLiteWriter(path)
	if err != nil {
		t.Fatalf("new sqlite writer: %v", err)
	}
	t.Cleanup(func() {
		_ = w.Close()
	})

	now := time.Now().UTC()
	entries := []Entry{
		{
			RequestID: "req-1",
			Route:     "/service",
			Method:    "GET",
			URI:       "/service/a",
			Status:    200,
			Duration:  12 * time.Millisecond,
			CreatedAt: now.Add(-2 * time.Hour),
		},
		{
			RequestID: "req-2",
			Route:     "/terapia",
			Method:    "POST",
			URI:       "/terapia/b",
			Status:    201,
			Duration:  30 * time.Millisecond,
			CreatedAt: now.Add(-1 * time.Hour),
		},
		{
			RequestID: "req-3",
			Route:     "/service",
			Method:    "GET",
			URI:       "/service/c",
			Status:    503,
			ErrorType: "circuit_open",
			CreatedAt: now,
		},
	}

	for _, entry := range entries {
		if err := w.Write(context.Background(), entry); err != nil {
			t.Fatalf("write request log entry: %v", err)
		}
	}

	result, err := w.List(context.Background(), Query{Limit: 10})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if result.Total != 3 || len(result.Data) != 3 {
		t.Fatalf("expected 3 logs, total=%d len=%d", result.Total, len(result.Data))
	}
	if result.Data[0].RequestID != "req-3" {
		t.Fatalf("expected newest entry first, got %s", result.Data[0].RequestID)
	}
	if result.Data[2].Duration != 12*time.Millisecond {
		t.Fatalf("unexpected duration: %s", result.Data[2].Duration)
	}

	filtered, err := w.List(context.Background(), Query{Limit: 10, ErrorType: "circuit_open"})
	if err != nil {
		t.Fatalf("list filtered logs: %v", err)
	}
	if filtered.Total != 1 || len(filtered.Data) != 1 {
		t.Fatalf("expected 1 circuit_open log, total=%d len=%d", filtered.Total, len(filtered.Data))
	}
	if filtered.Data[0].Status != 503 {
		t.Fatalf("unexpected filtered status: %d", filtered.Data[0].Status)
	}

	byRoute, err := w.List(context.Background(), Query{Route: "/service", Limit: 1})
	if err != nil {
		t.Fatalf("list by route: %v", err)
	}
	if byRoute.Total != 2 || len(byRoute.Data) != 1 {
		t.Fatalf("expected page of 1 out of 2, total=%d len=%d", byRoute.Total, len(byRoute.Data))
	}

	deleted, err := w.Delete(context.Background(), now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("delete logs: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected deleted=2, got %d", deleted)
	}

	remaining, err := w.List(context.Background(), Query{})
	if err != nil {
		t.Fatalf("list remaining logs: %v", err)
	}
	if remaining.Total != 1 || remaining.Data[0].RequestID != "req-3" {
		t.Fatalf("unexpected remaining logs: %+v", remaining)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestPostgresWriterContract(t *testing.T) {
	dsn := os.Getenv("EDGEGW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set EDGEGW_TEST_POSTGRES_DSN to run Postgres requestlog integration tests")
	}

	w, err := Open(DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("new postgres writer: %v", err)
	}
	t.Cleanup(func() {
		_, _ = w.db.Exec("DELETE FROM proxy_requests")
		_ = w.Close()
	})

	_, _ = w.db.Exec("DELETE FROM proxy_requests")

	entry := Entry{RequestID: "pg-req", Route: "/service", Method: "GET", URI: "/service/x", Status: 200}
	if err := w.Write(context.Background(), entry); err != nil {
		t.Fatalf("write postgres log: %v", err)
	}

	result, err := w.List(context.Background(), Query{Limit: 10, Route: "/service"})
	if err != nil {
		t.Fatalf("list postgres logs: %v", err)
	}
	if result.Total != 1 || len(result.Data) != 1 {
		t.Fatalf("expected 1 postgres log, total=%d len=%d", result.Total, len(result.Data))
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLWriter{dialect: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("postgres rebind: %q", got)
	}
	lite := &SQLWriter{dialect: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind: %q", got)
	}
}

type memWriter struct {
	mu      sync.Mutex
	entries []Entry
	block   chan struct{}
	err     error
}

func (m *memWriter) Write(_ context.Context, e Entry) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return m.err
}

func (m *memWriter) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestAsync_FlushesOnClose(t *testing.T) {
	w := &memWriter{}
	a := NewAsync(w, 8, nil)
	for i := 0; i < 5; i++ {
		a.Record(Entry{Route: "/service"})
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if w.len() != 5 {
		t.Fatalf("expected 5 written entries, got %d", w.len())
	}

	a.Record(Entry{Route: "/late"})
	if a.Dropped() != 1 {
		t.Fatalf("expected record after close to be dropped, dropped=%d", a.Dropped())
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestAsync_DropsWhenFull(t *testing.T) {
	w := &memWriter{block: make(chan struct{})}
	a := NewAsync(w, 1, nil)

	// One entry may be held by the writer goroutine and one queued; the
	// rest have nowhere to go.
	for i := 0; i < 10; i++ {
		a.Record(Entry{Route: "/service"})
	}
	if a.Dropped() < 8 {
		t.Fatalf("expected at least 8 drops, got %d", a.Dropped())
	}
	close(w.block)
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := int64(w.len()) + a.Dropped(); got != 10 {
		t.Fatalf("written+dropped = %d, want 10", got)
	}
}

func TestAsync_WriteErrorsAreLogged(t *testing.T) {
	w := &memWriter{err: errors.New("disk full")}
	a := NewAsync(w, 4, nil)
	a.Record(Entry{Route: "/service"})
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if w.len() != 1 {
		t.Fatalf("expected the failed write to be attempted once, got %d", w.len())
	}
}
