// Package duration resolves the flexible time options accepted by the
// lock, queue and cache front-ends into concrete time.Duration values.
//
// A duration may be given as a time.Duration, as an integer number of
// milliseconds, or as a human string such as "2 minutes" or "500ms".
package duration

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Value is an unresolved duration option. Accepted dynamic types are
// time.Duration, int, int64, float64 (milliseconds) and string. A nil
// Value means the option was not set.
type Value any

// ErrInvalid is returned for strings that do not match the duration grammar.
var ErrInvalid = errors.New("invalid duration")

var pattern = regexp.MustCompile(`^([0-9]*\.?[0-9]+)\s*([a-zA-Z]*)$`)

var units = map[string]time.Duration{
	"":             time.Millisecond,
	"ms":           time.Millisecond,
	"millisecond":  time.Millisecond,
	"milliseconds": time.Millisecond,
	"s":            time.Second,
	"sec":          time.Second,
	"secs":         time.Second,
	"second":       time.Second,
	"seconds":      time.Second,
	"m":            time.Minute,
	"min":          time.Minute,
	"mins":         time.Minute,
	"minute":       time.Minute,
	"minutes":      time.Minute,
	"h":            time.Hour,
	"hour":         time.Hour,
	"hours":        time.Hour,
	"d":            24 * time.Hour,
	"day":          24 * time.Hour,
	"days":         24 * time.Hour,
	"w":            7 * 24 * time.Hour,
	"week":         7 * 24 * time.Hour,
	"weeks":        7 * 24 * time.Hour,
}

// Parse resolves v. The boolean return reports whether the value was set:
// a nil Value yields (0, false, nil) so callers can apply their own
// defaults to unset options. An explicit zero is set and resolves to 0.
func Parse(v Value) (time.Duration, bool, error) {
	switch t := v.(type) {
	case nil:
		return 0, false, nil
	case time.Duration:
		return t, true, nil
	case int:
		return time.Duration(t) * time.Millisecond, true, nil
	case int64:
		return time.Duration(t) * time.Millisecond, true, nil
	case float64:
		return time.Duration(t * float64(time.Millisecond)), true, nil
	case string:
		d, err := ParseString(t)
		if err != nil {
			return 0, false, err
		}
		return d, true, nil
	default:
		return 0, false, fmt.Errorf("%w: unsupported type %T", ErrInvalid, v)
	}
}

// ParseString parses a human duration string like "2 minutes", "30s" or
// "250". A bare number is a count of milliseconds.
func ParseString(s string) (time.Duration, error) {
	m := pattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	amount, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	unit, ok := units[strings.ToLower(m[2])]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalid, m[2])
	}
	return time.Duration(amount * float64(unit)), nil
}
