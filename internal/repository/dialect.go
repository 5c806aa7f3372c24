package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect interface {
	Name() string
	DriverName() string
	// Rebind converts ? placeholders to the dialect's format.
	Rebind(query string) string
	RandomFunc() string
	AutoIncrementClause() string
	BooleanType() string
	TimestampType() string
	SupportsReturning() bool
	PragmaStatements() []string
}

func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "postgres", "postgresql":
		return postgresDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// Open connects to the database and applies dialect initialization statements.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", dialect.Name(), err)
	}

	if dialect.Name() == "sqlite" {
		// A single connection keeps :memory: databases shared and avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping %s: %w", dialect.Name(), err)
	}

	for _, stmt := range dialect.PragmaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("exec %q: %w", stmt, err)
		}
	}

	return db, dialect, nil
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string                { return "sqlite" }
func (sqliteDialect) DriverName() string          { return "sqlite" }
func (sqliteDialect) Rebind(query string) string  { return query }
func (sqliteDialect) RandomFunc() string          { return "RANDOM()" }
func (sqliteDialect) AutoIncrementClause() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) BooleanType() string         { return "INTEGER" }
func (sqliteDialect) TimestampType() string       { return "TIMESTAMP" }
func (sqliteDialect) SupportsReturning() bool     { return true }

func (sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "postgres" }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&b, "$%d", idx)
			idx++
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (postgresDialect) RandomFunc() string          { return "RANDOM()" }
func (postgresDialect) AutoIncrementClause() string { return "BIGSERIAL PRIMARY KEY" }
func (postgresDialect) BooleanType() string         { return "BOOLEAN" }
func (postgresDialect) TimestampType() string       { return "TIMESTAMP WITH TIME ZONE" }
func (postgresDialect) SupportsReturning() bool     { return true }
func (postgresDialect) PragmaStatements() []string  { return nil }

type mysqlDialect struct{}

func (mysqlDialect) Name() string                { return "mysql" }
func (mysqlDialect) DriverName() string          { return "mysql" }
func (mysqlDialect) Rebind(query string) string  { return query }
func (mysqlDialect) RandomFunc() string          { return "RAND()" }
func (mysqlDialect) AutoIncrementClause() string { return "BIGINT AUTO_INCREMENT PRIMARY KEY" }
func (mysqlDialect) BooleanType() string         { return "BOOLEAN" }
func (mysqlDialect) TimestampType() string       { return "DATETIME(6)" }
func (mysqlDialect) SupportsReturning() bool     { return false }
func (mysqlDialect) PragmaStatements() []string  { return nil }
