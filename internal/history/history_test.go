package history

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/domain"

	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "history.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunMigrations_FreshAndIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < 2; i++ {
		if err := RunMigrations(db, testLogger()); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
	v, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if v != schemaVersion {
		t.Errorf("version = %d, want %d", v, schemaVersion)
	}
	for _, table := range []string{"sessions", "messages", "deliveries", "schema_version"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestGetSchemaVersion_EmptyDB(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if v, err := GetSchemaVersion(db); err != nil || v != 0 {
		t.Errorf("GetSchemaVersion = %d, %v", v, err)
	}
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.CreateSession(ctx, Session{ID: "s1", Site: "doubao", URL: "https://example.test"}); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.Local)
	for i, m := range []domain.Message{
		domain.NewMessage("hello", domain.SenderUser, at),
		domain.NewMessage("hi there", domain.SenderAgent, at.Add(time.Minute)),
	} {
		id, err := s.SaveMessage(ctx, "s1", m)
		if err != nil {
			t.Fatal(err)
		}
		if id != int64(i+1) {
			t.Errorf("id = %d", id)
		}
	}

	got, err := s.Messages(ctx, "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Text != "hello" || got[1].Sender != domain.SenderAgent {
		t.Fatalf("messages = %+v", got)
	}
	if got[0].DateBucket != "2026-03-04" {
		t.Errorf("DateBucket = %q", got[0].DateBucket)
	}

	sessions, err := s.Sessions(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Messages != 2 {
		t.Errorf("sessions = %+v", sessions)
	}

	if err := s.SaveDelivery(ctx, Delivery{InvocationID: "inv", SessionID: "s1", Outcome: "complete", Latency: time.Second}); err != nil {
		t.Fatal(err)
	}
}

func TestLog_AppendAndPersist(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.CreateSession(ctx, Session{ID: "s1"}); err != nil {
		t.Fatal(err)
	}
	fc := clock.Fake(time.Date(2026, 1, 2, 23, 59, 0, 0, time.Local))
	l := NewLog(LogConfig{SessionID: "s1", Store: s, Clock: fc, Logger: testLogger()})

	var seen []domain.Message
	l.OnAppend(func(m domain.Message) { seen = append(seen, m) })

	u := l.AppendMessage("hello", domain.SenderUser)
	fc.Advance(2 * time.Minute)
	a := l.AppendMessage("hi", domain.SenderAgent)
	l.Close()

	if u.DateBucket != "2026-01-02" || a.DateBucket != "2026-01-03" {
		t.Errorf("buckets = %s %s", u.DateBucket, a.DateBucket)
	}
	if l.Len() != 2 || len(seen) != 2 {
		t.Fatalf("len = %d seen = %d", l.Len(), len(seen))
	}
	stored, err := s.Messages(ctx, "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d messages", len(stored))
	}
}

type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (f *failingStore) SaveMessage(context.Context, string, domain.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, errors.New("disk full")
}

func TestLog_PersistenceFailureDoesNotLoseMessage(t *testing.T) {
	fs := &failingStore{}
	l := NewLog(LogConfig{Store: fs, Logger: testLogger()})
	m := l.AppendMessage("hello", domain.SenderUser)
	l.Close()
	l.Close()

	if m.ID != 1 || l.Len() != 1 {
		t.Errorf("message not recorded: %+v", m)
	}
	if fs.calls != 1 {
		t.Errorf("store calls = %d", fs.calls)
	}
	// Appending after Close keeps the in-memory record.
	l.AppendMessage("later", domain.SenderAgent)
	if l.Len() != 2 {
		t.Errorf("len = %d", l.Len())
	}
}

func TestGroupByDate(t *testing.T) {
	day := func(s string) domain.Message { return domain.Message{DateBucket: s} }
	groups := GroupByDate([]domain.Message{day("2026-01-01"), day("2026-01-01"), day("2026-01-02"), day("2026-01-01")})
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
	if len(groups[0].Messages) != 2 || groups[1].Bucket != "2026-01-02" {
		t.Errorf("groups = %+v", groups)
	}
	if GroupByDate(nil) != nil {
		t.Error("nil input should give nil")
	}
}
