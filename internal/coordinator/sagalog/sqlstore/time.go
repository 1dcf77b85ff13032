package sqlstore

import (
	"database/sql/driver"
	"fmt"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.999999999Z"

// parseRFC3339 parses the timestamp strings stored in SQLite.
// SQLite has no native datetime type; we store RFC3339 TEXT.
func parseRFC3339(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlstore: parse time %q: %w", s, err)
	}
	return t, nil
}

// nullTime scans a timestamp column written either as RFC3339 TEXT
// (SQLite) or as TIMESTAMPTZ (PostgreSQL).
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case string:
		t, err := parseRFC3339(v)
		if err != nil {
			return err
		}
		n.Time, n.Valid = t, true
		return nil
	case []byte:
		t, err := parseRFC3339(string(v))
		if err != nil {
			return err
		}
		n.Time, n.Valid = t, true
		return nil
	default:
		return fmt.Errorf("sqlstore: cannot scan %T into timestamp", src)
	}
}

func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// timeValue converts t to what the dialect's column expects.
func (s *Store) timeValue(t time.Time) driver.Value {
	if s.dialect == DialectPostgres {
		return t.UTC()
	}
	return t.UTC().Format(timeLayout)
}

func (s *Store) timePtrValue(t *time.Time) driver.Value {
	if t == nil {
		return nil
	}
	return s.timeValue(*t)
}
