// Package clinicday is a calendar date in the clinic's local time zone. It is
// the queue's day-rollover key and has one canonical encoding, YYYY-MM-DD.
package clinicday

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const layout = "2006-01-02"

var ErrInvalid = errors.New("clinicday: invalid date")

// Day is a calendar date without a time of day. The zero value means "unset".
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// Of returns the calendar day of t as observed in loc.
func Of(t time.Time, loc *time.Location) Day {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Day: d}
}

// Today is Of(now, loc); kept separate so call sites read naturally.
func Today(now time.Time, loc *time.Location) Day {
	return Of(now, loc)
}

// Parse reads the canonical YYYY-MM-DD form.
func Parse(s string) (Day, error) {
	t, err := time.Parse(layout, strings.TrimSpace(s))
	if err != nil {
		return Day{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return Of(t, nil), nil
}

// ParseLegacy reads the underscore keys written by older producers, both the
// unpadded D_M_YYYY and the padded DD_MM_YYYY forms.
func ParseLegacy(s string) (Day, error) {
	parts := strings.Split(strings.TrimSpace(s), "_")
	if len(parts) != 3 {
		return Day{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return Day{}, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		nums[i] = n
	}

	d := Day{Year: nums[2], Month: time.Month(nums[1]), Day: nums[0]}
	if !d.valid() {
		return Day{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return d, nil
}

func (d Day) valid() bool {
	if d.Month < time.January || d.Month > time.December || d.Day < 1 {
		return false
	}
	t := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
	return t.Day() == d.Day && t.Month() == d.Month
}

func (d Day) IsZero() bool {
	return d == Day{}
}

func (d Day) Equal(other Day) bool {
	return d == other
}

func (d Day) Before(other Day) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// At returns the instant minutes past midnight of d in loc.
func (d Day) At(minutes int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, 0, minutes, 0, 0, loc)
}

func (d Day) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Day) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Day) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = Day{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, data)
	}
	if s == "" {
		*d = Day{}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Value stores the day as a DATE-compatible string, or NULL when unset.
func (d Day) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.String(), nil
}

func (d *Day) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = Day{}
		return nil
	case time.Time:
		*d = Of(v, nil)
		return nil
	case string:
		return d.scanString(v)
	case []byte:
		return d.scanString(string(v))
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrInvalid, src)
	}
}

func (d *Day) scanString(s string) error {
	if len(s) > len(layout) {
		s = s[:len(layout)]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
