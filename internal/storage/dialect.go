package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects the SQL flavour and driver.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case SQLite, Postgres:
		return d, nil
	}
	return "", fmt.Errorf("unknown sql dialect %q", s)
}

// driverName is the database/sql driver registered for d: modernc.org/sqlite
// registers "sqlite", lib/pq registers "postgres".
func (d Dialect) driverName() string {
	return string(d)
}

// rebind rewrites ? placeholders into $1, $2, ... for Postgres. Queries
// here never contain a literal question mark.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Timestamps are stored as UTC Unix nanoseconds; zero means unset.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
