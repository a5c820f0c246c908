// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package repo implements keysyncd's repository layer: a narrow Store
// interface over hosts, users, keys, authorizations, and activity entries,
// backed by bun across sqlite/mysql/postgres, with the dialect chosen at
// Open time and an embedded-migration runner applied before the returned
// *bun.DB is handed to any caller.
package repo

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var embeddedMigrations embed.FS

// Dialect names the supported backends, matching their database/sql driver
// name and their migrations/<dialect> subdirectory.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
)

// Open dials dsn with the driver matching dialect, applies pending
// migrations, enables foreign-key enforcement on every acquired connection,
// and returns a bun.DB ready for use by BunStore.
func Open(ctx context.Context, dialect Dialect, dsn string) (*bun.DB, error) {
	driverName, bunDialect, err := driverAndDialect(dialect)
	if err != nil {
		return nil, err
	}

	if dialect == SQLite {
		// modernc.org/sqlite runs _pragma DSN parameters on every
		// connection it opens, including ones the pool opens later.
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=foreign_keys(1)"
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("repo: open %s: %w", dialect, err)
	}

	if dialect == SQLite {
		// modernc.org/sqlite serializes access per *sql.DB; a pool larger
		// than one connection just contends on the same lock.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := enforceForeignKeys(sqlDB, dialect); err != nil {
		sqlDB.Close()
		return nil, err
	}

	if err := runMigrations(sqlDB, dialect); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("repo: migrate %s: %w", dialect, err)
	}

	return bun.NewDB(sqlDB, bunDialect), nil
}

// ParseDatabaseURL splits the configuration surface's database_url (e.g.
// "sqlite://ssm.db", "postgres://user@host/db") into the Dialect and the
// driver-native DSN Open expects. Postgres DSNs keep their full
// "scheme://..." form, which pgx parses itself; for sqlite and mysql the
// DSN is everything after "://" (the path for sqlite, go-sql-driver/mysql's
// own "user:pass@tcp(host)/db" form for mysql).
func ParseDatabaseURL(databaseURL string) (Dialect, string, error) {
	scheme, rest, ok := strings.Cut(databaseURL, "://")
	if !ok {
		return "", "", fmt.Errorf("repo: database_url %q has no scheme", databaseURL)
	}
	switch scheme {
	case "sqlite":
		return SQLite, rest, nil
	case "mysql":
		return MySQL, rest, nil
	case "postgres", "postgresql":
		return Postgres, databaseURL, nil
	default:
		return "", "", fmt.Errorf("repo: unsupported database_url scheme %q", scheme)
	}
}

func driverAndDialect(dialect Dialect) (string, bun.Dialect, error) {
	switch dialect {
	case SQLite:
		return "sqlite", sqlitedialect.New(), nil
	case MySQL:
		return "mysql", mysqldialect.New(), nil
	case Postgres:
		return "pgx", pgdialect.New(), nil
	default:
		return "", nil, fmt.Errorf("repo: unsupported dialect %q", dialect)
	}
}

// enforceForeignKeys enables FK constraint checking. SQLite defaults to
// off per connection, so every connection acquired from the pool must run
// the pragma: Open puts it in the SQLite DSN for every new connection, and
// this runs it once more on the pool directly; Postgres and MySQL enforce constraints unconditionally once
// declared, so there is nothing to set there.
func enforceForeignKeys(sqlDB *sql.DB, dialect Dialect) error {
	if dialect != SQLite {
		return nil
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("repo: enable foreign_keys pragma: %w", err)
	}
	return nil
}

// runMigrations applies every not-yet-applied *.up.sql file under
// migrations/<dialect>, tracked in a schema_migrations table, within a
// transaction per file.
func runMigrations(sqlDB *sql.DB, dialect Dialect) error {
	dir := path.Join("migrations", string(dialect))
	entries, err := fs.ReadDir(embeddedMigrations, dir)
	if err != nil {
		return fmt.Errorf("read embedded migrations %s: %w", dir, err)
	}

	var ups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			ups = append(ups, e.Name())
		}
	}
	sort.Strings(ups)

	placeholder := "?"
	if dialect == Postgres {
		placeholder = "$1"
	}
	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMP)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, fname := range ups {
		version := strings.TrimSuffix(fname, ".up.sql")

		var exists int
		err := sqlDB.QueryRow(fmt.Sprintf("SELECT 1 FROM schema_migrations WHERE version = %s", placeholder), version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %s: %w", version, err)
		}

		data, err := embeddedMigrations.ReadFile(path.Join(dir, fname))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", fname, err)
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(data)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", version, err)
		}

		insertQuery := fmt.Sprintf("INSERT INTO schema_migrations(version, applied_at) VALUES(%s, %s)", placeholder, secondPlaceholder(dialect))
		if _, err := tx.Exec(insertQuery, version, time.Now()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", version, err)
		}
	}
	return nil
}

func secondPlaceholder(dialect Dialect) string {
	if dialect == Postgres {
		return "$2"
	}
	return "?"
}
