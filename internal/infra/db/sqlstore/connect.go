package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Dialect selects driver, placeholder style and migration set.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mysql":
		return MySQL, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "sqlite", "sqlite3", "":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q (supported: mysql, postgres, sqlite)", s)
}

func (d Dialect) driverName() string {
	return string(d)
}

func (d Dialect) gooseDialect() string {
	if d == SQLite {
		return "sqlite3"
	}
	return string(d)
}

// rebind rewrites `?` placeholders into `$n` for postgres.
func (d Dialect) rebind(q string) string {
	if d != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// Connect opens the database and waits for it to answer a ping.
func Connect(ctx context.Context, d Dialect, dsn string, log logrus.FieldLogger) (*sql.DB, error) {
	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", d, err)
	}
	if d == SQLite {
		// single writer; also keeps an in-memory database alive on one connection
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ping := func() error {
		ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(ctx2)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err = backoff.RetryNotify(ping, b, func(err error, next time.Duration) {
		log.Warnf("database ping failed, retrying in %s: %v", next, err)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging %s database: %w", d, err)
	}
	return db, nil
}

// SQLiteDSN builds a modernc DSN with foreign keys and a sortable time format.
func SQLiteDSN(path string) string {
	if path == "" || path == ":memory:" {
		path = ":memory:"
	}
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
}
