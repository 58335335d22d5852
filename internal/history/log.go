// Package history keeps the ordered record of the conversation: an
// in-memory log the pipeline appends to, mirrored into SQLite by a
// background writer.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/domain"
)

// Store is where the log mirrors messages.
type Store interface {
	SaveMessage(ctx context.Context, sessionID string, msg domain.Message) (int64, error)
}

// LogConfig configures a Log.
type LogConfig struct {
	SessionID string
	Store     Store // nil keeps history in memory only
	Clock     clock.Clock
	Logger    *slog.Logger
	Buffer    int
}

// Log is the append-only conversation record. AppendMessage never blocks
// on the store and never fails: persistence errors are logged.
type Log struct {
	cfg    LogConfig
	logger *slog.Logger

	mu        sync.RWMutex
	messages  []domain.Message
	listeners []func(domain.Message)

	writes chan domain.Message
	wg     sync.WaitGroup
	closed bool
}

func NewLog(cfg LogConfig) *Log {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	l := &Log{cfg: cfg, logger: cfg.Logger}
	if cfg.Store != nil {
		l.writes = make(chan domain.Message, cfg.Buffer)
		l.wg.Add(1)
		go l.writer()
	}
	return l
}

// AppendMessage records text with the current time and returns the
// recorded message.
func (l *Log) AppendMessage(text string, sender domain.Sender) domain.Message {
	msg := domain.NewMessage(text, sender, l.cfg.Clock.Now())

	l.mu.Lock()
	msg.ID = int64(len(l.messages) + 1)
	l.messages = append(l.messages, msg)
	listeners := append([]func(domain.Message){}, l.listeners...)
	if l.writes != nil && !l.closed {
		select {
		case l.writes <- msg:
		default:
			l.logger.Warn("history writer backed up, message not persisted",
				"err", fmt.Errorf("%w: queue full", domain.ErrPersistence), "id", msg.ID)
		}
	}
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(msg)
	}
	return msg
}

// OnAppend registers fn to be called, on the appending goroutine, after
// every new message.
func (l *Log) OnAppend(fn func(domain.Message)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Messages returns a copy of the record.
func (l *Log) Messages() []domain.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.Message(nil), l.messages...)
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Close flushes pending writes and stops the writer.
func (l *Log) Close() {
	l.mu.Lock()
	if l.closed || l.writes == nil {
		l.closed = true
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.writes)
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Log) writer() {
	defer l.wg.Done()
	for msg := range l.writes {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := l.cfg.Store.SaveMessage(ctx, l.cfg.SessionID, msg)
		cancel()
		if err != nil {
			l.logger.Error("failed to persist message",
				"err", errors.Join(domain.ErrPersistence, err), "sender", msg.Sender, "id", msg.ID)
		}
	}
}

// DayGroup is the messages of one calendar day.
type DayGroup struct {
	Bucket   string
	Messages []domain.Message
}

// GroupByDate splits chronologically ordered messages at every change of
// DateBucket.
func GroupByDate(msgs []domain.Message) []DayGroup {
	var out []DayGroup
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Bucket == m.DateBucket {
			out[n-1].Messages = append(out[n-1].Messages, m)
			continue
		}
		out = append(out, DayGroup{Bucket: m.DateBucket, Messages: []domain.Message{m}})
	}
	return out
}
