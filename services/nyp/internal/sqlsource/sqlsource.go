// Package sqlsource opens database/sql handles for the read-only collaborator
// tables (products, orders) on postgres (pgx or lib/pq) or mysql.
package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

const (
	DriverPgx   = "pgx"
	DriverPQ    = "postgres"
	DriverMySQL = "mysql"
)

type DB struct {
	*sql.DB
	Driver string
}

func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	const op = "sqlsource.Open"

	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case DriverPgx, DriverPQ, DriverMySQL:
	case "pgx5", "pgx/v5":
		driver = DriverPgx
	default:
		return nil, fmt.Errorf("%s: unsupported driver %q", op, driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping failed: %w", op, err)
	}
	return &DB{DB: db, Driver: driver}, nil
}

// Rebind rewrites ? placeholders to $n for the postgres drivers.
func Rebind(driver, query string) string {
	if driver != DriverPgx && driver != DriverPQ {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
