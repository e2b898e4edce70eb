package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/umputun/ganga/app/schema"
	"github.com/umputun/ganga/app/stream"
)

// SQLiteOpts defines optional parameters of the sqlite repository
type SQLiteOpts struct {
	Name        string        // registry name, used in errors
	BusyTimeout time.Duration // how long a statement waits for a lock held by another session
}

// SQLite repository keeps objects as rows of a single database file per registry
type SQLite struct {
	db       *sqlx.DB
	name     string
	streamer *stream.Streamer
}

type objectRow struct {
	ID        int    `db:"id"`
	Data      []byte `db:"data"`
	Idx       string `db:"idx"`
	UpdatedAt int64  `db:"updated_at"`
}

// NewSQLite opens or creates the database at dbPath
func NewSQLite(dbPath string, catalog *schema.Catalog, opts SQLiteOpts) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	queries := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
		`CREATE TABLE IF NOT EXISTS objects (
			id INTEGER PRIMARY KEY,
			data BLOB NOT NULL,
			idx TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS children (
			parent_id INTEGER NOT NULL,
			sub_id INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (parent_id, sub_id)
		)`,
		`CREATE TABLE IF NOT EXISTS counter (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO counter (name, value) VALUES ('ids', 0)`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to initialize database: %w (also failed to close db: %v)", err, closeErr)
			}
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}

	name := opts.Name
	if name == "" {
		name = dbPath
	}
	log.Printf("[DEBUG] sqlite repository %s in %s", name, dbPath)
	return &SQLite{db: db, name: name, streamer: stream.New(catalog)}, nil
}

// AllocateIDs reserves n sequential ids with a single atomic counter update
func (s *SQLite) AllocateIDs(n int) ([]int, error) {
	if n <= 0 {
		return nil, &RepositoryError{Registry: s.name, Op: "allocate", ID: -1, Err: fmt.Errorf("invalid count %d", n)}
	}
	var next int
	if err := s.db.Get(&next, "UPDATE counter SET value = value + ? WHERE name = 'ids' RETURNING value", n); err != nil {
		return nil, &RepositoryError{Registry: s.name, Op: "allocate", ID: -1, Err: err}
	}
	res := make([]int, 0, n)
	for i := next - n; i < next; i++ {
		res = append(res, i)
	}
	return res, nil
}

// IDs returns sorted ids of all stored objects
func (s *SQLite) IDs() ([]int, error) {
	res := []int{}
	if err := s.db.Select(&res, "SELECT id FROM objects ORDER BY id"); err != nil {
		return nil, &RepositoryError{Registry: s.name, Op: "list", ID: -1, Err: err}
	}
	return res, nil
}

// Write stores object with its index, replacing the previous row
func (s *SQLite) Write(id int, obj schema.Object) error {
	data, err := s.streamer.ToStream(obj)
	if err != nil {
		return &RepositoryError{Registry: s.name, Op: "write", ID: id, Err: err}
	}
	idx := "{}"
	if ix, ok := obj.(Indexer); ok {
		b, err := json.Marshal(ix.Index())
		if err != nil {
			return &RepositoryError{Registry: s.name, Op: "index", ID: id, Err: err}
		}
		idx = string(b)
	}
	row := objectRow{ID: id, Data: data, Idx: idx, UpdatedAt: time.Now().Unix()}
	_, err = s.db.NamedExec(`INSERT INTO objects (id, data, idx, updated_at) VALUES (:id, :data, :idx, :updated_at)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, idx = excluded.idx, updated_at = excluded.updated_at`, row)
	if err != nil {
		return &RepositoryError{Registry: s.name, Op: "write", ID: id, Err: err}
	}
	return nil
}

// Read loads object by id
func (s *SQLite) Read(id int) (schema.Object, error) {
	var data []byte
	if err := s.db.Get(&data, "SELECT data FROM objects WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ObjectNotInRegistryError{Registry: s.name, ID: id, Sub: -1}
		}
		return nil, &RepositoryError{Registry: s.name, Op: "read", ID: id, Err: err}
	}
	obj, err := s.streamer.FromStream(data)
	if err != nil {
		return nil, &RepositoryError{Registry: s.name, Op: "read", ID: id, Err: err}
	}
	return obj, nil
}

// WriteChild stores child object of id
func (s *SQLite) WriteChild(id, sub int, obj schema.Object) error {
	data, err := s.streamer.ToStream(obj)
	if err != nil {
		return &RepositoryError{Registry: s.name, Op: "write child", ID: id, Err: err}
	}
	_, err = s.db.Exec(`INSERT INTO children (parent_id, sub_id, data) VALUES (?, ?, ?)
		ON CONFLICT(parent_id, sub_id) DO UPDATE SET data = excluded.data`, id, sub, data)
	if err != nil {
		return &RepositoryError{Registry: s.name, Op: "write child", ID: id, Err: err}
	}
	return nil
}

// ReadChild loads child object of id
func (s *SQLite) ReadChild(id, sub int) (schema.Object, error) {
	var data []byte
	if err := s.db.Get(&data, "SELECT data FROM children WHERE parent_id = ? AND sub_id = ?", id, sub); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ObjectNotInRegistryError{Registry: s.name, ID: id, Sub: sub}
		}
		return nil, &RepositoryError{Registry: s.name, Op: "read child", ID: id, Err: err}
	}
	obj, err := s.streamer.FromStream(data)
	if err != nil {
		return nil, &RepositoryError{Registry: s.name, Op: "read child", ID: id, Err: err}
	}
	return obj, nil
}

// Delete removes object and its children in one transaction, missing id is not an error
func (s *SQLite) Delete(id int) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return &RepositoryError{Registry: s.name, Op: "delete", ID: id, Err: err}
	}
	if _, err := tx.Exec("DELETE FROM children WHERE parent_id = ?", id); err != nil {
		_ = tx.Rollback()
		return &RepositoryError{Registry: s.name, Op: "delete", ID: id, Err: err}
	}
	if _, err := tx.Exec("DELETE FROM objects WHERE id = ?", id); err != nil {
		_ = tx.Rollback()
		return &RepositoryError{Registry: s.name, Op: "delete", ID: id, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &RepositoryError{Registry: s.name, Op: "delete", ID: id, Err: err}
	}
	return nil
}

// Index returns stored summary of the object
func (s *SQLite) Index(id int) (map[string]string, error) {
	var idx string
	if err := s.db.Get(&idx, "SELECT idx FROM objects WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ObjectNotInRegistryError{Registry: s.name, ID: id, Sub: -1}
		}
		return nil, &RepositoryError{Registry: s.name, Op: "index", ID: id, Err: err}
	}
	res := map[string]string{}
	if err := json.Unmarshal([]byte(idx), &res); err != nil {
		return nil, &RepositoryError{Registry: s.name, Op: "index", ID: id, Err: err}
	}
	return res, nil
}

// Close closes the database
func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
