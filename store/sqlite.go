package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS marks (
	owner TEXT NOT NULL,
	message_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (owner, message_id, kind)
);
CREATE TABLE IF NOT EXISTS archive (
	owner TEXT NOT NULL,
	message_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	verified INTEGER NOT NULL,
	txid TEXT,
	PRIMARY KEY (owner, message_id)
);`

const (
	markDeleted = "deleted"
	markRead    = "read"
)

// SQLite is a Store backed by a pure Go SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and ensures the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSQLite",
		"path":     path,
	}).Debug("Inbox store opened")
	return &SQLite{db: db}, nil
}

func (s *SQLite) mark(ctx context.Context, owner, id, kind string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO marks (owner, message_id, kind) VALUES (?, ?, ?)`, owner, id, kind)
	if err != nil {
		return fmt.Errorf("mark %s: %w", kind, err)
	}
	return nil
}

func (s *SQLite) marked(ctx context.Context, owner, kind string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id FROM marks WHERE owner = ? AND kind = ?`, owner, kind)
	if err != nil {
		return nil, fmt.Errorf("query %s marks: %w", kind, err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (s *SQLite) MarkDeleted(ctx context.Context, owner, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO marks (owner, message_id, kind) VALUES (?, ?, ?)`, owner, id, markDeleted); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM archive WHERE owner = ? AND message_id = ?`, owner, id); err != nil {
		return fmt.Errorf("purge archive: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) DeletedIDs(ctx context.Context, owner string) (map[string]struct{}, error) {
	return s.marked(ctx, owner, markDeleted)
}

func (s *SQLite) MarkRead(ctx context.Context, owner, id string) error {
	return s.mark(ctx, owner, id, markRead)
}

func (s *SQLite) ReadIDs(ctx context.Context, owner string) (map[string]struct{}, error) {
	return s.marked(ctx, owner, markRead)
}

func (s *SQLite) Archive(ctx context.Context, owner string, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archive (owner, message_id, sender, content, timestamp, verified, txid)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM marks WHERE owner = ? AND message_id = ? AND kind = ?
		)
		ON CONFLICT (owner, message_id) DO UPDATE SET
			sender = excluded.sender,
			content = excluded.content,
			timestamp = excluded.timestamp,
			verified = excluded.verified,
			txid = excluded.txid`,
		owner, rec.ID, rec.Sender, rec.Content, rec.Timestamp, rec.Verified, rec.TxID,
		owner, rec.ID, markDeleted)
	if err != nil {
		return fmt.Errorf("archive message: %w", err)
	}
	return nil
}

func (s *SQLite) Archived(ctx context.Context, owner string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, sender, content, timestamp, verified, COALESCE(txid, '')
		FROM archive WHERE owner = ?
		ORDER BY timestamp DESC, message_id ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Sender, &rec.Content, &rec.Timestamp, &rec.Verified, &rec.TxID); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
