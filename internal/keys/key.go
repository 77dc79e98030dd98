// Package keys validates time-boxed API access keys and tracks one-time keys
// that have already been consumed.
package keys

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects the validation rules applied to an AccessKey.
type Kind string

// Supported key kinds.
const (
	// KindMaster is always valid.
	KindMaster Kind = "master"
	// KindRestricted is valid during business hours.
	KindRestricted Kind = "restricted"
	// KindLimited is valid during business hours within its date range.
	KindLimited Kind = "limited"
	// KindOnce is like KindLimited but can be used a single time.
	KindOnce Kind = "once"
)

// DateLayout is the layout of From and Till (DD.MM.YYYY).
const DateLayout = "02.01.2006"

// Business hours: weekdays, hour component within [BusinessHourFirst, BusinessHourLast].
const (
	BusinessHourFirst = 7
	BusinessHourLast  = 18
)

// AccessKey is a single registry entry. From and Till are kept as written
// so that malformed dates are detected (and rejected) at validation time.
type AccessKey struct {
	ID   string `json:"-" yaml:"-"`
	Kind Kind   `json:"type" yaml:"type"`
	From string `json:"from,omitempty" yaml:"from,omitempty"`
	Till string `json:"till,omitempty" yaml:"till,omitempty"`
}

// Valid reports whether k names a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMaster, KindRestricted, KindLimited, KindOnce:
		return true
	}
	return false
}

// ParseKind normalises s into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("keys: unknown kind %q", s)
	}
	return k, nil
}

// DateRange parses From and Till in loc. Both bounds are required.
func (a AccessKey) DateRange(loc *time.Location) (from, till time.Time, err error) {
	if loc == nil {
		loc = time.Local
	}
	from, err = time.ParseInLocation(DateLayout, strings.TrimSpace(a.From), loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("keys: key %q from date: %w", a.ID, err)
	}
	till, err = time.ParseInLocation(DateLayout, strings.TrimSpace(a.Till), loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("keys: key %q till date: %w", a.ID, err)
	}
	return from, till, nil
}

// InBusinessHours reports whether t falls on a weekday between 07:00 and
// 18:59 in its own location.
func InBusinessHours(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	hour := t.Hour()
	return hour >= BusinessHourFirst && hour <= BusinessHourLast
}

// dateOnly truncates t to midnight in its location.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
