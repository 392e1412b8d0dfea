package database

import (
	"database/sql"
	"io/ioutil"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/fs"
)

const (
	sqliteDriver   = "sqlite"
	postgresDriver = "postgres"
	migrationsDir  = "migrations"
	dbFilename     = "nexlearn.db"
)

// Open opens (creating it if needed) the local SQLite database in conf.Storage.DataDir.
func Open(conf *core.Config) (*sqlx.DB, error) {
	if err := os.MkdirAll(conf.Storage.DataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating data directory")
	}
	return OpenSQLite(filepath.Join(conf.Storage.DataDir, dbFilename))
}

// OpenSQLite opens the SQLite database at path with WAL journaling.
func OpenSQLite(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open(sqliteDriver, path)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;", "PRAGMA foreign_keys=ON;"} {
		if _, err = db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "executing %q", pragma)
		}
	}
	return db, nil
}

// OpenRemote opens the hosted Postgres database (remote transport "postgres").
func OpenRemote(conf *core.Config) (*sqlx.DB, error) {
	sslMode := "require"
	if conf.Database.DisableTLS {
		sslMode = "disable"
	}
	q := make(url.Values)
	q.Set("sslmode", sslMode)
	q.Set("timezone", "utc")

	u := url.URL{
		Scheme:   conf.Database.Engine,
		User:     url.UserPassword(conf.Database.User, conf.Database.Password),
		Host:     conf.Database.Address(),
		Path:     conf.Database.Name,
		RawQuery: q.Encode(),
	}
	db, err := sqlx.Open(postgresDriver, u.String())
	if err != nil {
		return nil, errors.Wrap(err, "opening remote database")
	}
	if err = ping(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// ping waits for the database to be ready. Waits 100ms longer between each attempt.
func ping(db *sql.DB) error {
	var err error
	maxAttempts := 20
	for attempts := 1; attempts <= maxAttempts; attempts++ {
		err = db.Ping()
		if err == nil {
			break
		}
		time.Sleep(time.Duration(attempts) * 100 * time.Millisecond)
	}

	if err != nil {
		return errors.Wrap(err, "DB ping timeout")
	}
	return nil
}

// Dialect returns the goose dialect of db.
func Dialect(db *sqlx.DB) string {
	if db.DriverName() == postgresDriver {
		return "postgres"
	}
	return "sqlite3"
}

// Migrate applies all the embedded migrations.
func Migrate(db *sqlx.DB, quiet ...bool) error {
	goose.SetBaseFS(appfs.FS)
	if len(quiet) > 0 && quiet[0] {
		goose.SetLogger(log.New(ioutil.Discard, "", 0))
	}
	if err := goose.SetDialect(Dialect(db)); err != nil {
		return errors.Wrap(err, "setting migrations dialect")
	}
	if err := goose.Up(db.DB, migrationsDir); err != nil {
		return errors.Wrap(err, "migrating database")
	}
	return nil
}

// Run runs a goose command (up, down, status, ...) against db.
func Run(command string, db *sqlx.DB, args ...string) error {
	goose.SetBaseFS(appfs.FS)
	if err := goose.SetDialect(Dialect(db)); err != nil {
		return errors.Wrap(err, "setting migrations dialect")
	}
	return goose.Run(command, db.DB, migrationsDir, args...)
}
