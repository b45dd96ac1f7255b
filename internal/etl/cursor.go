package etl

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ParseCursor interprets a cursor value. Integers are epoch milliseconds,
// strings are RFC 3339 timestamps or plain dates.
func ParseCursor(v any) (time.Time, error) {
	if ms, err := IDInt(v); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, errors.Newf("cursor value %v has unsupported type %T", v, v)
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z0700", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf("cursor value %q is not a timestamp", s)
}

// CompareCursor orders two cursor values: -1, 0 or 1. Values that both parse as
// timestamps compare chronologically, anything else falls back to string order.
func CompareCursor(a, b any) int {
	ta, errA := ParseCursor(a)
	tb, errB := ParseCursor(b)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	sa, _ := IDString(a)
	sb, _ := IDString(b)
	return strings.Compare(sa, sb)
}
