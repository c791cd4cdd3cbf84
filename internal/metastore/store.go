// Package metastore persists the metadata derived from catalog detail pages,
// one record per upstream item id. Records are insert-once: the first writer
// wins and later writes for the same id are discarded.
package metastore

import (
	"database/sql"

	"github.com/hazyhaar/flmw/dbopen"
)

// Schema is the metadata table. alt_subtitle and resolution stay NULL when
// nothing was detected.
const Schema = `
CREATE TABLE IF NOT EXISTS metadata (
	id           INTEGER PRIMARY KEY,
	alt_subtitle INTEGER,
	resolution   TEXT,
	created_at   INTEGER NOT NULL
);
`

// Store is the metadata database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the metadata SQLite database at path and applies
// the schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// New wraps an already opened database. The schema must be applied.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}
