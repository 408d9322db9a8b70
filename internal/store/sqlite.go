package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"code.dogecoin.org/registry/internal/spec"
	sqlite3 "github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db  *sql.DB
	ctx context.Context
}

var _ spec.Store = &SQLiteStore{}

// WITHOUT ROWID: SQLite version 3.8.2 (2013-12-06) or later

const SQL_SCHEMA string = `
CREATE TABLE IF NOT EXISTS migration (
	version INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS snapshot (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	version TEXT NOT NULL,
	time INTEGER NOT NULL,
	data BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshot_version_i ON snapshot (version, id);
`

var MIGRATIONS = []struct {
	ver   int
	query string
}{}

// NewSQLiteStore returns a spec.Store implementation that uses SQLite
func NewSQLiteStore(fileName string, ctx context.Context) (spec.Store, error) {
	backend := "sqlite3"
	db, err := sql.Open(backend, fileName)
	store := &SQLiteStore{db: db, ctx: ctx}
	if err != nil {
		return store, dbErr(err, "opening database")
	}
	if backend == "sqlite3" {
		// limit concurrent access until we figure out a way to start transactions
		// with the BEGIN CONCURRENT statement in Go. Avoids "database locked" errors.
		db.SetMaxOpenConns(1)
	}
	err = store.initSchema()
	return store, err
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	return s.doTxn("init schema", func(tx *sql.Tx) error {
		// apply migrations
		verRow := tx.QueryRow("SELECT version FROM migration LIMIT 1")
		var version int
		err := verRow.Scan(&version)
		if err != nil {
			// first-time database init.
			// init schema (idempotent)
			_, err := tx.Exec(SQL_SCHEMA)
			if err != nil {
				return dbErr(err, "creating database schema")
			}
			// set up version table (idempotent)
			err = tx.QueryRow("SELECT version FROM migration LIMIT 1").Scan(&version)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					version = 1
					_, err = tx.Exec("INSERT INTO migration (version) VALUES (?)", version)
					if err != nil {
						return dbErr(err, "updating version")
					}
				} else {
					return dbErr(err, "querying version")
				}
			}
		}
		initVer := version
		for _, m := range MIGRATIONS {
			if version < m.ver {
				_, err = tx.Exec(m.query)
				if err != nil {
					return dbErr(err, fmt.Sprintf("applying migration %v", m.ver))
				}
				version = m.ver
			}
		}
		if version != initVer {
			_, err = tx.Exec("UPDATE migration SET version=?", version)
			if err != nil {
				return dbErr(err, "updating version")
			}
		}
		return nil
	})
}

func (s *SQLiteStore) WithCtx(ctx context.Context) spec.Store {
	return &SQLiteStore{
		db:  s.db,
		ctx: ctx,
	}
}

func IsConflict(err error) bool {
	if sqErr, isSq := err.(sqlite3.Error); isSq {
		if sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked {
			return true
		}
	}
	return false
}

func (s SQLiteStore) doTxn(name string, work func(tx *sql.Tx) error) error {
	limit := 120
	for {
		tx, err := s.db.Begin()
		if err != nil {
			if IsConflict(err) {
				s.Sleep(250 * time.Millisecond)
				limit--
				if limit != 0 {
					continue
				}
			}
			return dbErr(err, "cannot begin transaction: "+name)
		}
		defer tx.Rollback()
		err = work(tx)
		if err != nil {
			if IsConflict(err) {
				s.Sleep(250 * time.Millisecond)
				limit--
				if limit != 0 {
					continue
				}
			}
			return err
		}
		err = tx.Commit()
		if err != nil {
			if IsConflict(err) {
				s.Sleep(250 * time.Millisecond)
				limit--
				if limit != 0 {
					continue
				}
			}
			return dbErr(err, "cannot commit: "+name)
		}
		return nil
	}
}

func (s SQLiteStore) Sleep(dur time.Duration) {
	select {
	case <-s.ctx.Done():
	case <-time.After(dur):
	}
}

func dbErr(err error, where string) error {
	if errors.Is(err, spec.NotFoundError) {
		return err
	}
	if sqErr, isSq := err.(sqlite3.Error); isSq {
		if sqErr.Code == sqlite3.ErrConstraint {
			// MUST detect 'AlreadyExists' to fulfil the API contract!
			// Constraint violation, e.g. a duplicate key.
			return spec.WrapErr(spec.AlreadyExists, "SQLiteStore: already-exists", err)
		}
		if sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked {
			// SQLite has a single-writer policy, even in WAL (write-ahead) mode.
			// SQLite will return BUSY if the database is locked by another connection.
			// We treat this as a transient database conflict, and the caller should retry.
			return spec.WrapErr(spec.DBConflict, "SQLiteStore: db-conflict", err)
		}
	}
	return spec.WrapErr(spec.DBProblem, fmt.Sprintf("SQLiteStore: db-problem: %s", where), err)
}

// STORE INTERFACE

func (s SQLiteStore) SaveSnapshot(version string, data []byte) error {
	return s.doTxn("SaveSnapshot", func(tx *sql.Tx) error {
		unixTimeSec := time.Now().Unix()
		_, err := tx.Exec("INSERT INTO snapshot (version, time, data) VALUES (?1,?2,?3)",
			version, unixTimeSec, data)
		if err != nil {
			return fmt.Errorf("insert: %v", err)
		}
		return nil
	})
}

func (s SQLiteStore) LoadSnapshot(version string) (data []byte, err error) {
	err = s.doTxn("LoadSnapshot", func(tx *sql.Tx) error {
		row := tx.QueryRow("SELECT data FROM snapshot WHERE version=? ORDER BY id DESC LIMIT 1", version)
		err := row.Scan(&data)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return spec.NotFoundError
			}
			return fmt.Errorf("query: %v", err)
		}
		return nil
	})
	return
}

// TrimSnapshots keeps the latest `keep` snapshots of any version and
// drops the rest (older snapshots only waste space once superseded).
func (s SQLiteStore) TrimSnapshots(keep int) (removed int64, err error) {
	err = s.doTxn("TrimSnapshots", func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM snapshot WHERE id NOT IN (SELECT id FROM snapshot ORDER BY id DESC LIMIT ?)", keep)
		if err != nil {
			return fmt.Errorf("TrimSnapshots: DELETE snapshot: %v", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("TrimSnapshots: rows-affected: %v", err)
		}
		return nil
	})
	return
}
