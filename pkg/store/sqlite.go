package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"wirtbot/pkg/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots(revision INTEGER, version TEXT, data BLOB, ts INTEGER);
CREATE TABLE IF NOT EXISTS audit(actor TEXT, action TEXT, target TEXT, detail TEXT, revision INTEGER, ts INTEGER);
`

// SQLiteStore keeps snapshots and audit entries in a local SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	keep int
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite init schema: %w", err)
	}
	return &SQLiteStore{db: db, keep: DefaultHistory}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SaveSnapshot(snap Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshots(revision, version, data, ts) VALUES(?,?,?,?)`,
		int64(snap.Revision), snap.Version, snap.Data, snap.SavedAt.UnixNano()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE rowid NOT IN (SELECT rowid FROM snapshots ORDER BY rowid DESC LIMIT ?)`, s.keep); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadSnapshot() (Snapshot, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT revision, version, data, ts FROM snapshots ORDER BY rowid DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *SQLiteStore) ListSnapshots(limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = s.keep
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT revision, version, data, ts FROM (SELECT rowid, * FROM snapshots ORDER BY rowid DESC LIMIT ?) ORDER BY rowid ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r scanner) (Snapshot, error) {
	var (
		rev  int64
		snap Snapshot
		ts   int64
	)
	if err := r.Scan(&rev, &snap.Version, &snap.Data, &ts); err != nil {
		return Snapshot{}, err
	}
	snap.Revision = uint64(rev)
	snap.SavedAt = time.Unix(0, ts)
	return snap, nil
}

func (s *SQLiteStore) AppendAudit(e model.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit(actor, action, target, detail, revision, ts) VALUES(?,?,?,?,?,?)`,
		e.Actor, e.Action, e.Target, e.Detail, int64(e.Revision), e.Timestamp.UnixNano())
	return err
}

func (s *SQLiteStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q := `SELECT actor, action, target, detail, revision, ts FROM (SELECT rowid, * FROM audit ORDER BY rowid DESC LIMIT ?) ORDER BY rowid ASC`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		var (
			e   model.AuditEntry
			rev int64
			ts  int64
		)
		if err := rows.Scan(&e.Actor, &e.Action, &e.Target, &e.Detail, &rev, &ts); err != nil {
			return nil, err
		}
		e.Revision = uint64(rev)
		e.Timestamp = time.Unix(0, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}
