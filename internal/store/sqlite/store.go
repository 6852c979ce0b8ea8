// Package sqlite provides a SQLite-backed implementation of store.Store.
package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/broker/internal/db"
)

// Repository is the SQLite-backed store.Store implementation. It follows
// a writer/reader split: a single serialized writer connection and a
// multi-connection read-only pool over the same WAL-mode database.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	ownsDB bool
}

// Open creates a Repository backed by a SQLite file at dbPath, creating the
// schema if it does not already exist.
func Open(dbPath string) (*Repository, error) {
	writerConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	readerConn, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writerConn.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}

	writer := sqlx.NewDb(writerConn, "sqlite3")
	reader := sqlx.NewDb(readerConn, "sqlite3")

	repo := &Repository{db: writer, ro: reader, ownsDB: true}
	if err := repo.initSchema(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return repo, nil
}

// NewWithDB wraps existing writer/reader connections (shared ownership,
// e.g. for tests using an in-memory database with a single connection).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: false}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return repo, nil
}

// Close closes the underlying connections if this Repository owns them.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	wErr := r.db.Close()
	rErr := r.ro.Close()
	if wErr != nil {
		return wErr
	}
	return rErr
}
