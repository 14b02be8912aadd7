package sqlite

import (
	"context"
	"database/sql"

	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/defiflow/defiflow/store"
)

var (
	_ store.Store = &sqliteStore{}
)

// sqliteStore implements the Store interface on an embedded SQLite file.
// The middle ground between the in-memory store and PostgreSQL: run
// state survives restarts without needing a database server.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// backing table exists. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (store.Store, error) {
	if path == "" {
		return nil, errors.New("path cannot be empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Annotatef(err, "opening sqlite at %s", path)
	}
	// sqlite connections don't tolerate concurrent writers
	db.SetMaxOpenConns(1)

	s := &sqliteStore{db: db}
	if err := s.initTable(context.Background()); err != nil {
		db.Close()
		return nil, errors.Trace(err)
	}
	return s, nil
}

func (s *sqliteStore) initTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS strategy_store (
			prefix TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (prefix, key)
		);
	`

	_, err := s.db.ExecContext(ctx, query)
	return errors.Annotatef(err, "creating strategy_store table")
}

func (s *sqliteStore) Get(ctx context.Context, prefix, key string) ([]byte, error) {
	query := `SELECT value FROM strategy_store WHERE prefix = ? AND key = ?`

	var value []byte
	err := s.db.QueryRowContext(ctx, query, prefix, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			// missing keys read as nil, not an error
			return nil, nil
		}
		return nil, errors.Annotatef(err, "getting prefix=%s key=%s", prefix, key)
	}
	return value, nil
}

func (s *sqliteStore) Set(ctx context.Context, prefix, key string, value []byte) error {
	query := `
		INSERT INTO strategy_store (prefix, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (prefix, key)
		DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`

	_, err := s.db.ExecContext(ctx, query, prefix, key, value)
	return errors.Annotatef(err, "setting prefix=%s key=%s", prefix, key)
}

func (s *sqliteStore) Remove(ctx context.Context, prefix, key string) error {
	query := `DELETE FROM strategy_store WHERE prefix = ? AND key = ?`

	_, err := s.db.ExecContext(ctx, query, prefix, key)
	return errors.Annotatef(err, "removing prefix=%s key=%s", prefix, key)
}

func (s *sqliteStore) List(ctx context.Context, prefix string, iterator func(key string) bool) error {
	query := `SELECT key FROM strategy_store WHERE prefix = ? ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return errors.Annotatef(err, "listing prefix=%s", prefix)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return errors.Annotatef(err, "scanning key")
		}
		if !iterator(key) {
			break
		}
	}
	return errors.Trace(rows.Err())
}

// Close releases the database handle.
func (s *sqliteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
