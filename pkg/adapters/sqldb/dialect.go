package sqldb

import (
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/aretw0/loamdb/pkg/core"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// Schema version tracking:
// 1 - documents + loamdb_meta
const currentSchemaVersion = 1

// Dialect holds what differs between the supported databases.
type Dialect struct {
	Name   string
	Driver string
	schema string

	// rebind turns the ?-placeholders used in this package into the
	// database's own form.
	rebind func(query string) string

	// configure runs once after the connection pool is created.
	configure func(db *sql.DB, memory bool) error

	// version reads and writes the applied schema version.
	version    func(db *sql.DB) (int, error)
	setVersion func(db *sql.DB, v int) error
}

// SQLite uses github.com/mattn/go-sqlite3.
var SQLite = Dialect{
	Name:   "sqlite",
	Driver: "sqlite3",
	schema: sqliteSchema,
	rebind: func(q string) string { return q },
	configure: func(db *sql.DB, memory bool) error {
		// An in-memory database exists per connection, so it gets exactly one.
		if memory {
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
		} else {
			db.SetMaxOpenConns(4)
			db.SetMaxIdleConns(2)
		}
		pragmas := []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA foreign_keys = ON",
		}
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				return errors.Wrapf(err, "failed to execute %q", pragma)
			}
		}
		return nil
	},
	version: func(db *sql.DB) (int, error) {
		var v int
		err := db.QueryRow("PRAGMA user_version").Scan(&v)
		return v, errors.Wrap(err, "get user_version")
	},
	setVersion: func(db *sql.DB, v int) error {
		_, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v))
		return errors.Wrap(err, "set user_version")
	},
}

// Postgres uses github.com/lib/pq.
var Postgres = Dialect{
	Name:   "postgres",
	Driver: "postgres",
	schema: postgresSchema,
	rebind: rebindDollar,
	configure: func(db *sql.DB, _ bool) error {
		db.SetMaxOpenConns(8)
		return nil
	},
	version: func(db *sql.DB) (int, error) {
		var v int
		err := db.QueryRow("SELECT value FROM loamdb_meta WHERE name = 'schema_version'").Scan(&v)
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return v, errors.Wrap(err, "get schema_version")
	},
	setVersion: func(db *sql.DB, v int) error {
		_, err := db.Exec(`INSERT INTO loamdb_meta (name, value) VALUES ('schema_version', $1)
			ON CONFLICT (name) DO UPDATE SET value = excluded.value`, v)
		return errors.Wrap(err, "set schema_version")
	},
}

// DialectByName resolves "sqlite" (or "sqlite3") and "postgres" (or "postgresql").
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql":
		return Postgres, nil
	}
	return Dialect{}, core.Invalid("unknown sql dialect %q", name)
}

// rebindDollar numbers placeholders: "a = ? AND b = ?" becomes "a = $1 AND b = $2".
func rebindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// applySchema creates tables if they don't exist and records the version.
// This function is idempotent.
func applySchema(db *sql.DB, d Dialect) error {
	if _, err := db.Exec(d.schema); err != nil {
		return errors.Wrap(err, "failed to execute schema")
	}
	v, err := d.version(db)
	if err != nil {
		return err
	}
	if v > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", v, currentSchemaVersion)
	}
	if v < currentSchemaVersion {
		return d.setVersion(db, currentSchemaVersion)
	}
	return nil
}
