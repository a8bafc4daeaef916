package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"meshchat/internal/message"
)

// MessageDB is the durable message log. Rows are append-only; the unique
// key on (source, timestamp, content_hash) makes Append idempotent.
type MessageDB struct {
	db *sql.DB
}

func OpenMessageDB(path string) (*MessageDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("message db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &MessageDB{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	return s, nil
}

func (s *MessageDB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MessageDB) initSchema() error {
	schema := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			source TEXT NOT NULL,
			destination TEXT NOT NULL,
			content TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			stamp_valid INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			UNIQUE(source, ts, content_hash)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_source ON messages(source);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_destination ON messages(destination);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append records m and reports whether it was new. A message whose key is
// already present is left untouched and reported as not inserted.
func (s *MessageDB) Append(m message.Message) (bool, error) {
	stampValid := 0
	if m.StampValid {
		stampValid = 1
	}
	var inserted bool
	err := retry(func() error {
		res, err := s.db.Exec(`INSERT OR IGNORE INTO messages
			(id, source, destination, content, title, direction, stamp_valid, ts, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Source, m.Destination, m.Content, m.Title, string(m.Direction), stampValid,
			m.Timestamp.UnixNano(), m.ContentHash())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("append message: %w", err)
	}
	return inserted, nil
}

// All returns every stored message in insertion order.
func (s *MessageDB) All() ([]message.Message, error) {
	rows, err := s.db.Query(`SELECT id, source, destination, content, title, direction, stamp_valid, ts
		FROM messages ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []message.Message
	for rows.Next() {
		var (
			m          message.Message
			direction  string
			stampValid int
			ts         int64
		)
		if err := rows.Scan(&m.ID, &m.Source, &m.Destination, &m.Content, &m.Title, &direction, &stampValid, &ts); err != nil {
			return nil, err
		}
		m.Direction = message.Direction(direction)
		m.StampValid = stampValid != 0
		m.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func retry(fn func() error) error {
	var err error
	backoff := WriteBackoff
	for attempt := 0; attempt < max(WriteAttempts, 1); attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
