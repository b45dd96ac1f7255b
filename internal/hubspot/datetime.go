package hubspot

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ncruces/go-strftime"
	"github.com/spf13/cast"

	"crmsync/internal/logger"
)

// DefaultStartDate is the lower bound used when no start date is configured.
const DefaultStartDate = "2006-06-01T00:00:00.000Z"

const (
	dateLayout     = "2006-01-02"
	maxEpochSecond = 253402300799 // 9999-12-31T23:59:59Z
)

// ParseDatetime interprets the textual date forms the API returns: ISO-8601
// dates and date-times, epoch seconds, epoch milliseconds, and numeric strings
// with a fractional part (truncated). It reports false when nothing matches.
func ParseDatetime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if strings.Contains(s, ".") {
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			s = s[:strings.Index(s, ".")]
		}
	}

	if t, err := parseAbsolute(s); err == nil {
		return t, true
	}

	// Values too large for epoch seconds are tried as epoch milliseconds.
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		sec := ms / 1000
		if sec >= -maxEpochSecond && sec <= maxEpochSecond {
			return time.Unix(sec, (ms%1000)*int64(time.Millisecond)).UTC(), true
		}
	}

	logger.Logger.Warnw("could not parse datetime value", "value", s)
	return time.Time{}, false
}

func parseAbsolute(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < -maxEpochSecond || n > maxEpochSecond {
			return time.Time{}, errors.Newf("epoch %d out of range", n)
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return cast.ToTimeE(s)
}

// FormatDate renders t as a calendar date.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// FormatDatetime renders t as an ISO-8601 date-time with an explicit offset,
// adding microseconds only when t has a sub-second part.
func FormatDatetime(t time.Time) string {
	layout := "2006-01-02T15:04:05"
	if t.Nanosecond()/1000 != 0 {
		layout += ".000000"
	}
	return t.Format(layout + "-07:00")
}

// FormatCursor renders t in a cursor format. "%s" and "%ms" are epoch seconds
// and milliseconds; "%s_as_float" is fractional epoch seconds; anything else is
// a strftime pattern. An empty format yields FormatDatetime.
func FormatCursor(t time.Time, format string) string {
	switch format {
	case "":
		return FormatDatetime(t)
	case "%s":
		return strconv.FormatInt(t.Unix(), 10)
	case "%ms":
		return strconv.FormatInt(t.UnixMilli(), 10)
	case "%s_as_float":
		return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', -1, 64)
	default:
		return strftime.Format(format, t)
	}
}
