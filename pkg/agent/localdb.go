package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Journal statuses.
const (
	StatusApplied = "applied"
	StatusFailed  = "failed"
	StatusStale   = "stale"
)

// Entry is one received push.
type Entry struct {
	Kind     string    `json:"kind"`
	Revision uint64    `json:"revision"`
	SHA256   string    `json:"sha256"`
	Status   string    `json:"status"`
	Detail   string    `json:"detail,omitempty"`
	Time     time.Time `json:"time"`
}

// Journal keeps every received push in SQLite so the last applied revision
// survives restarts.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal mkdir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS applies(kind TEXT, revision INTEGER, sha256 TEXT, status TEXT, detail TEXT, ts INTEGER); CREATE INDEX IF NOT EXISTS idx_applies_kind ON applies(kind, status);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Record(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx, `INSERT INTO applies(kind, revision, sha256, status, detail, ts) VALUES(?,?,?,?,?,?)`,
		e.Kind, int64(e.Revision), e.SHA256, e.Status, e.Detail, e.Time.UnixNano())
	return err
}

// LastApplied returns the newest applied entry of kind.
func (j *Journal) LastApplied(ctx context.Context, kind string) (Entry, bool, error) {
	row := j.db.QueryRowContext(ctx, `SELECT kind, revision, sha256, status, detail, ts FROM applies WHERE kind=? AND status=? ORDER BY rowid DESC LIMIT 1`, kind, StatusApplied)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// List returns the latest entries, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `SELECT kind, revision, sha256, status, detail, ts FROM applies ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error { return j.db.Close() }

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e   Entry
		rev int64
		ts  int64
	)
	if err := s.Scan(&e.Kind, &rev, &e.SHA256, &e.Status, &e.Detail, &ts); err != nil {
		return Entry{}, err
	}
	e.Revision = uint64(rev)
	e.Time = time.Unix(0, ts)
	return e, nil
}
