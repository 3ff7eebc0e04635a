//go:build sqlite

package xformdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func newSQLiteStore(path string) (Store, error) {
	return NewSQLiteStore(path), nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) AddImage(ctx context.Context, path, space string) (string, error) {
	db, err := s.getDB()
	if err != nil {
		return "", err
	}
	if space == "" {
		space = newID()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO images (path, space_id)
		VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET
			space_id = excluded.space_id
	`, path, space)
	if err != nil {
		return "", err
	}
	return space, nil
}

func (s *SQLiteStore) ImageSpace(ctx context.Context, path string) (string, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return "", false, err
	}

	var space string
	err = db.QueryRowContext(ctx, `SELECT space_id FROM images WHERE path = ?`, path).Scan(&space)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return space, true, nil
}

func (s *SQLiteStore) AddXform(ctx context.Context, rec XformRecord) (string, error) {
	db, err := s.getDB()
	if err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = newID()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO xforms (id, label, from_space, to_space, invertible, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			from_space = excluded.from_space,
			to_space = excluded.to_space,
			invertible = excluded.invertible,
			payload = excluded.payload
	`, rec.ID, rec.Label, rec.FromSpace, rec.ToSpace, rec.Invertible, rec.Payload)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *SQLiteStore) GetXform(ctx context.Context, id string) (XformRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return XformRecord{}, false, err
	}

	rec := XformRecord{ID: id}
	err = db.QueryRowContext(ctx, `
		SELECT label, from_space, to_space, invertible, payload FROM xforms WHERE id = ?
	`, id).Scan(&rec.Label, &rec.FromSpace, &rec.ToSpace, &rec.Invertible, &rec.Payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return XformRecord{}, false, nil
		}
		return XformRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) FindXforms(ctx context.Context, refPath, fltPath string) ([]Match, error) {
	from, ok, err := s.ImageSpace(ctx, refPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImage, refPath)
	}
	to, ok, err := s.ImageSpace(ctx, fltPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImage, fltPath)
	}

	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, label, from_space, to_space, invertible, payload FROM xforms
		WHERE (from_space = ? AND to_space = ?) OR (from_space = ? AND to_space = ?)
		ORDER BY seq
	`, from, to, to, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []XformRecord
	for rows.Next() {
		var rec XformRecord
		if err := rows.Scan(&rec.ID, &rec.Label, &rec.FromSpace, &rec.ToSpace, &rec.Invertible, &rec.Payload); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return matchXforms(records, from, to), nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS images (
			path TEXT PRIMARY KEY,
			space_id TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS xforms (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			label TEXT NOT NULL,
			from_space TEXT NOT NULL,
			to_space TEXT NOT NULL,
			invertible INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS xforms_spaces ON xforms (from_space, to_space);
	`)
	return err
}
