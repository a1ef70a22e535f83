package repository

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations
var migrations embed.FS

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

// DB is a *sql.DB that knows which placeholder style its driver speaks.
// Queries are written with $N placeholders and rebound for SQLite.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the database. SQLite is limited to a single connection so
// that writers never see SQLITE_BUSY.
func Open(dialect Dialect, dsn string) (*DB, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, err
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// Rebind converts $N placeholders to ?N for SQLite.
func (db *DB) Rebind(query string) string {
	if db.Dialect != SQLite {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}

// Migrate applies every pending migration for the dialect. It uses its own
// connection so closing the migrator leaves the caller's pool untouched.
func Migrate(dialect Dialect, dsn string) error {
	src, err := iofs.New(migrations, "migrations/"+string(dialect))
	if err != nil {
		return err
	}

	conn, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return err
	}

	var m *migrate.Migrate
	switch dialect {
	case Postgres:
		drv, derr := migratepg.WithInstance(conn, &migratepg.Config{})
		if derr != nil {
			conn.Close()
			return derr
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
	case SQLite:
		drv, derr := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
		if derr != nil {
			conn.Close()
			return derr
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
	default:
		conn.Close()
		return fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		conn.Close()
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	version, dirty, _ := m.Version()
	slog.Info("database migrated", "dialect", dialect, "version", version, "dirty", dirty)
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
