package db

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// ResolveDriver picks the database/sql driver for a DSN and returns the
// source string to hand to sql.Open. postgres:// URLs and key=value DSNs go to
// pgx; sqlite://, file: and bare paths go to the embedded SQLite driver.
func ResolveDriver(dsn string) (driver, source string, err error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", fmt.Errorf("empty DSN")
	}
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		if _, err := url.Parse(dsn); err != nil {
			return "", "", fmt.Errorf("invalid postgres DSN: %w", err)
		}
		return DriverPostgres, dsn, nil
	case strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname="):
		return DriverPostgres, dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return DriverSQLite, sqliteSource(strings.TrimPrefix(dsn, "sqlite://")), nil
	case strings.Contains(dsn, "://"):
		return "", "", fmt.Errorf("unsupported DSN scheme: %q", dsn)
	default:
		return DriverSQLite, sqliteSource(dsn), nil
	}
}

// sqliteSource appends the pragmas every connection needs unless the caller
// already set its own.
func sqliteSource(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// rebind rewrites ? placeholders to $1..$n for Postgres. Queries in this
// package never contain a literal question mark.
func rebind(driver, q string) string {
	if driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
