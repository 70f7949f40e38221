// Package journal keeps an append-only sqlite log of every file state
// transition. It is for operators; the JSON state files stay authoritative.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

const maxErrorLen = 500

type Entry struct {
	ID       int64
	At       time.Time
	Path     string
	Digest   string
	From     string
	To       string
	Attempt  int
	RemoteID string
	Error    string
}

type Journal struct {
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// one writer; sqlite serialises anyway
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Append(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	msg := truncate(e.Error, maxErrorLen)
	_, err := j.db.ExecContext(ctx, `
INSERT INTO transitions (at, path, digest, from_state, to_state, attempt, remote_id, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Path, e.Digest, e.From, e.To, e.Attempt, e.RemoteID, msg,
	)
	return err
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, at, path, digest, from_state, to_state, attempt, remote_id, error
FROM transitions
ORDER BY id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	return scan(rows)
}

// ForPath returns the transitions of one file, oldest first.
func (j *Journal) ForPath(ctx context.Context, path string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, at, path, digest, from_state, to_state, attempt, remote_id, error
FROM transitions
WHERE path = ?
ORDER BY id
`, path)
	if err != nil {
		return nil, err
	}
	return scan(rows)
}

func scan(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &at, &e.Path, &e.Digest, &e.From, &e.To, &e.Attempt, &e.RemoteID, &e.Error); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", e.ID, err)
		}
		e.At = t
		out = append(out, e)
	}
	return out, rows.Err()
}
