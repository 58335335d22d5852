package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"chatrelay/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions and messages.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Session is one run of the relay against a site.
type Session struct {
	ID        string
	Site      string
	URL       string
	StartedAt time.Time
	Messages  int
}

// Delivery summarizes one pipeline invocation.
type Delivery struct {
	InvocationID string
	SessionID    string
	Outcome      string
	EchoAttempts int
	ReplyPolls   int
	Latency      time.Duration
}

func OpenSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, path: dbPath, logger: logger}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, site, url, started_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Site, sess.URL, sess.StartedAt,
	)
	return err
}

// SaveMessage stores msg and returns its row id.
func (s *SQLiteStore) SaveMessage(ctx context.Context, sessionID string, msg domain.Message) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, sender, text, date_bucket, created_at, chars)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, string(msg.Sender), msg.Text, msg.DateBucket, msg.Timestamp, utf8.RuneCountInString(msg.Text),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) SaveDelivery(ctx context.Context, d Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO deliveries (invocation_id, session_id, outcome, echo_attempts, reply_polls, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.InvocationID, d.SessionID, d.Outcome, d.EchoAttempts, d.ReplyPolls, d.Latency.Milliseconds(),
	)
	return err
}

// Messages returns the last limit messages, oldest first. An empty
// sessionID spans every session.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, sender, text, date_bucket, created_at FROM messages`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var sender string
		if err := rows.Scan(&m.ID, &sender, &m.Text, &m.DateBucket, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Sender = domain.Sender(sender)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Sessions lists the most recent sessions with their message counts.
func (s *SQLiteStore) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.site, s.url, s.started_at, COUNT(m.id)
		 FROM sessions s LEFT JOIN messages m ON m.session_id = s.id
		 GROUP BY s.id ORDER BY s.started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Site, &sess.URL, &sess.StartedAt, &sess.Messages); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
