// Package sqlstore implements domain.PersistentStore over database/sql. The
// sqlite and postgres packages supply a Dialect and a configured *sql.DB.
package sqlstore

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/pkg/domain"
)

// TimeDest scans a timestamp column regardless of its wire representation.
type TimeDest interface {
	sql.Scanner
	Time() (time.Time, bool)
}

// Dialect captures the SQL differences between supported backends.
type Dialect struct {
	Name string
	// Bind renders the n-th (1-based) positional placeholder.
	Bind func(n int) string
	// Types maps column encodings to SQL column types.
	Types     map[domain.ColumnType]string
	BytesType string
	// TimeArg converts a timestamp into a driver argument.
	TimeArg func(time.Time) any
	// NewTimeDest returns a scan destination for timestamp columns.
	NewTimeDest func() TimeDest
}

// SQLiteTimeLayout is fixed-width so lexical order matches chronological order.
const SQLiteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite stores timestamps as fixed-width UTC text and JSON as text.
var SQLite = Dialect{
	Name: "sqlite",
	Bind: func(int) string { return "?" },
	Types: map[domain.ColumnType]string{
		domain.ColumnText: "TEXT",
		domain.ColumnInt:  "INTEGER",
		domain.ColumnTime: "TEXT",
		domain.ColumnJSON: "TEXT",
	},
	BytesType: "BLOB",
	TimeArg: func(t time.Time) any {
		return t.UTC().Format(SQLiteTimeLayout)
	},
	NewTimeDest: func() TimeDest { return &textTime{} },
}

// Postgres uses native TIMESTAMPTZ and JSONB columns.
var Postgres = Dialect{
	Name: "postgres",
	Bind: func(n int) string { return "$" + strconv.Itoa(n) },
	Types: map[domain.ColumnType]string{
		domain.ColumnText: "TEXT",
		domain.ColumnInt:  "BIGINT",
		domain.ColumnTime: "TIMESTAMPTZ",
		domain.ColumnJSON: "JSONB",
	},
	BytesType: "BYTEA",
	TimeArg: func(t time.Time) any {
		return t.UTC()
	},
	NewTimeDest: func() TimeDest { return &nativeTime{} },
}

type textTime struct {
	t     time.Time
	valid bool
}

func (d *textTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		d.valid = false
		return nil
	case time.Time:
		d.t, d.valid = v.UTC(), true
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	default:
		return fmt.Errorf("scan time: unsupported type %T", src)
	}
}

func (d *textTime) parse(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("scan time %q: %w", s, err)
	}
	d.t, d.valid = t.UTC(), true
	return nil
}

func (d *textTime) Time() (time.Time, bool) { return d.t, d.valid }

type nativeTime struct {
	nt sql.NullTime
}

func (d *nativeTime) Scan(src any) error { return d.nt.Scan(src) }

func (d *nativeTime) Time() (time.Time, bool) {
	if !d.nt.Valid {
		return time.Time{}, false
	}
	return d.nt.Time.UTC(), true
}
