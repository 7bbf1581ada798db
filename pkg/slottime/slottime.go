// Package slottime converts appointment slot labels such as "10:30 AM" to
// minutes since midnight and back. Minute values are the ordering key used by
// the queue engine and the patient status view.
package slottime

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Unknown is returned by Parse for malformed or empty labels. It collides with
// midnight on purpose; use Valid or ParseStrict when the difference matters.
const Unknown = 0

const minutesPerDay = 24 * 60

var ErrMalformed = errors.New("slottime: malformed slot label")

var labelPattern = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*([AaPp])\.?\s*[Mm]\.?$`)

// ParseStrict parses a 12-hour label with an AM/PM marker. The marker is
// case-insensitive. 12 AM is hour 0 and 12 PM is hour 12.
func ParseStrict(label string) (int, error) {
	m := labelPattern.FindStringSubmatch(strings.TrimSpace(label))
	if m == nil {
		return Unknown, fmt.Errorf("%w: %q", ErrMalformed, label)
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil || hour < 1 || hour > 12 {
		return Unknown, fmt.Errorf("%w: hour out of range in %q", ErrMalformed, label)
	}

	minute := 0
	if m[2] != "" {
		minute, err = strconv.Atoi(m[2])
		if err != nil || minute > 59 {
			return Unknown, fmt.Errorf("%w: minute out of range in %q", ErrMalformed, label)
		}
	}

	pm := strings.EqualFold(m[3], "p")
	switch {
	case hour == 12 && !pm:
		hour = 0
	case hour != 12 && pm:
		hour += 12
	}

	return hour*60 + minute, nil
}

// Parse is ParseStrict with errors collapsed to Unknown.
func Parse(label string) int {
	minutes, err := ParseStrict(label)
	if err != nil {
		return Unknown
	}
	return minutes
}

// Valid reports whether label parses.
func Valid(label string) bool {
	_, err := ParseStrict(label)
	return err == nil
}

// Format renders minutes since midnight as "h:mm AM". Values outside a single
// day wrap around.
func Format(minutes int) string {
	minutes %= minutesPerDay
	if minutes < 0 {
		minutes += minutesPerDay
	}

	hour, minute := minutes/60, minutes%60
	marker := "AM"
	if hour >= 12 {
		marker = "PM"
	}
	hour %= 12
	if hour == 0 {
		hour = 12
	}
	return fmt.Sprintf("%d:%02d %s", hour, minute, marker)
}

// Normalize re-renders a valid label in canonical form ("09:05am" becomes
// "9:05 AM"). Malformed labels are returned unchanged.
func Normalize(label string) string {
	minutes, err := ParseStrict(label)
	if err != nil {
		return label
	}
	return Format(minutes)
}

// Compare orders two labels by their minute value.
func Compare(a, b string) int {
	ma, mb := Parse(a), Parse(b)
	switch {
	case ma < mb:
		return -1
	case ma > mb:
		return 1
	default:
		return 0
	}
}

// Same reports whether two labels name the same minute of the day. Both must be
// valid; two malformed labels are never the same slot.
func Same(a, b string) bool {
	ma, errA := ParseStrict(a)
	mb, errB := ParseStrict(b)
	return errA == nil && errB == nil && ma == mb
}
