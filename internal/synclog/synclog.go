// Package synclog records every remote sync operation as one JSON line in
// an append-only log and fans entries out to live subscribers.
package synclog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Action is the kind of remote operation an entry records.
type Action string

const (
	ActionUpsertFile   Action = "upsert_file"
	ActionUpsertFolder Action = "upsert_folder"
	ActionDelete       Action = "delete"
	ActionPrune        Action = "prune"
)

// Entry is one line of the sync log.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	AccountID    string    `json:"accountId"`
	Action       Action    `json:"action"`
	RelativePath string    `json:"relativePath"`
	RemoteKey    string    `json:"remoteKey"`
	Success      bool      `json:"success"`
	ContentHash  string    `json:"contentHash,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// ContentHash returns the hex SHA-256 of content.
func ContentHash(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// Log appends entries to a writer. Write failures are logged and never
// fail the sync operation being recorded.
type Log struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	now    func() time.Time
	logger *slog.Logger

	subs   map[int]chan Entry
	nextID int
}

// Open returns a log writing to path, rotated by size.
func Open(path string, maxMB int, logger *slog.Logger) *Log {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxMB,
		MaxBackups: 5,
		Compress:   true,
	}

	l := New(lj, logger)
	l.closer = lj

	return l
}

// New returns a log writing to w.
func New(w io.Writer, logger *slog.Logger) *Log {
	return &Log{
		w:      w,
		now:    time.Now,
		logger: logger,
		subs:   make(map[int]chan Entry),
	}
}

// Append stamps e if it has no timestamp, writes it, and delivers it to
// subscribers. Slow subscribers miss entries rather than block syncing.
func (l *Log) Append(e Entry) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}

	line, err := json.Marshal(e)
	if err == nil {
		line = append(line, '\n')
		_, err = l.w.Write(line)
	}

	if err != nil && l.logger != nil {
		l.logger.Warn("sync log write failed",
			slog.String("account", e.AccountID),
			slog.String("error", err.Error()),
		)
	}

	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving every subsequent entry and a
// function that unsubscribes and closes the channel.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++

	ch := make(chan Entry, buffer)
	l.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Close closes the underlying file, if any.
func (l *Log) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}

	return l.closer.Close()
}
