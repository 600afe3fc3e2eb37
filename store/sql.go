package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// dialect holds the statements that differ between SQL engines.
type dialect struct {
	createTable string // %s is the quoted table name
	selectOne   string
	upsert      string
	quote       func(string) string
}

var dialects = map[string]dialect{
	"sqlite3": {
		createTable: `CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY, data BLOB NOT NULL, updated_at INTEGER NOT NULL)`,
		selectOne:   `SELECT data FROM %s WHERE id = ?`,
		upsert: `INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?) ` +
			`ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		quote: func(s string) string { return `"` + s + `"` },
	},
	"mysql": {
		createTable: "CREATE TABLE IF NOT EXISTS %s (id BIGINT PRIMARY KEY, data LONGBLOB NOT NULL, updated_at BIGINT NOT NULL)",
		selectOne:   "SELECT data FROM %s WHERE id = ?",
		upsert: "INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?) " +
			"ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = VALUES(updated_at)",
		quote: func(s string) string { return "`" + s + "`" },
	},
	"postgres": {
		createTable: `CREATE TABLE IF NOT EXISTS %s (id BIGINT PRIMARY KEY, data BYTEA NOT NULL, updated_at BIGINT NOT NULL)`,
		selectOne:   `SELECT data FROM %s WHERE id = $1`,
		upsert: `INSERT INTO %s (id, data, updated_at) VALUES ($1, $2, $3) ` +
			`ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		quote: func(s string) string { return `"` + s + `"` },
	},
}

// SQL stores each document kind in its own table of a relational database.
type SQL struct {
	db      *sql.DB
	driver  string
	dialect dialect

	// kinds whose table is known to exist
	tables sync.Map
}

// OpenSQL opens a database/sql backed store. Supported drivers are sqlite3,
// mysql and postgres.
func OpenSQL(driver, dsn string) (*SQL, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, persistenceError("open", driver, err)
	}
	if driver == "sqlite3" {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	return &SQL{db: db, driver: driver, dialect: d}, nil
}

// NewSQL wraps an already opened database.
func NewSQL(db *sql.DB, driver string) (*SQL, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	return &SQL{db: db, driver: driver, dialect: d}, nil
}

// Ping checks the connection.
func (s *SQL) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return persistenceError("ping", s.driver, err)
	}
	return nil
}

func (s *SQL) ensureTable(ctx context.Context, kind string) (string, error) {
	if err := ValidateKind(kind); err != nil {
		return "", err
	}
	table := s.dialect.quote(kind)
	if _, ok := s.tables.Load(kind); ok {
		return table, nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(s.dialect.createTable, table)); err != nil {
		return "", err
	}
	s.tables.Store(kind, struct{}{})
	return table, nil
}

// FindOne implements Store.
func (s *SQL) FindOne(ctx context.Context, kind string, id int64) ([]byte, bool, error) {
	table, err := s.ensureTable(ctx, kind)
	if err != nil {
		return nil, false, persistenceError("find", kind, err)
	}

	var data []byte
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(s.dialect.selectOne, table), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, persistenceError("find", kind, err)
	}
	return data, true, nil
}

// UpsertMany implements Store. The batch is written in one transaction.
func (s *SQL) UpsertMany(ctx context.Context, kind string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	table, err := s.ensureTable(ctx, kind)
	if err != nil {
		return persistenceError("upsert", kind, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceError("upsert", kind, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(s.dialect.upsert, table))
	if err != nil {
		return persistenceError("upsert", kind, err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, doc := range docs {
		if _, err := stmt.ExecContext(ctx, doc.ID, doc.Data, now); err != nil {
			return persistenceError("upsert", kind, fmt.Errorf("id %d: %w", doc.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return persistenceError("upsert", kind, err)
	}
	return nil
}

// Close implements Store.
func (s *SQL) Close() error {
	return s.db.Close()
}
