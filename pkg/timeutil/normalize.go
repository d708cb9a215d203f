package timeutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedTimestamp is returned for values that cannot be read as a point in time.
var ErrUnsupportedTimestamp = errors.New("unsupported timestamp")

// msThreshold separates epoch milliseconds from epoch seconds.
// 1e12 ms is 2001-09-09; 1e12 s is far beyond any plausible date.
const msThreshold = 1e12

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Normalize converts a timestamp in any of the accepted representations to UTC.
//
// Numbers (and numeric strings) with an absolute value >= 1e12 are epoch
// milliseconds, anything smaller is epoch seconds. Strings are tried against
// RFC3339 and a few naive layouts, which are read as UTC.
func Normalize(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("%w: nil", ErrUnsupportedTimestamp)
	case time.Time:
		if v.IsZero() {
			return time.Time{}, fmt.Errorf("%w: zero time", ErrUnsupportedTimestamp)
		}
		return v.UTC(), nil
	case *time.Time:
		if v == nil {
			return time.Time{}, fmt.Errorf("%w: nil", ErrUnsupportedTimestamp)
		}
		return Normalize(*v)
	case int:
		return fromEpoch(float64(v)), nil
	case int8:
		return fromEpoch(float64(v)), nil
	case int16:
		return fromEpoch(float64(v)), nil
	case int32:
		return fromEpoch(float64(v)), nil
	case int64:
		return fromEpochInt(v), nil
	case uint:
		return fromEpoch(float64(v)), nil
	case uint8:
		return fromEpoch(float64(v)), nil
	case uint16:
		return fromEpoch(float64(v)), nil
	case uint32:
		return fromEpoch(float64(v)), nil
	case uint64:
		if v > math.MaxInt64 {
			return time.Time{}, fmt.Errorf("%w: %d out of range", ErrUnsupportedTimestamp, v)
		}
		return fromEpochInt(int64(v)), nil
	case float32:
		return fromFloat(float64(v))
	case float64:
		return fromFloat(v)
	case json.Number:
		return parseString(v.String())
	case string:
		return parseString(v)
	default:
		return time.Time{}, fmt.Errorf("%w: %T", ErrUnsupportedTimestamp, raw)
	}
}

func parseString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty string", ErrUnsupportedTimestamp)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpochInt(i), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromFloat(f)
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnsupportedTimestamp, s)
}

func fromFloat(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("%w: %v", ErrUnsupportedTimestamp, f)
	}
	return fromEpoch(f), nil
}

func fromEpochInt(v int64) time.Time {
	if v >= msThreshold || v <= -msThreshold {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

func fromEpoch(f float64) time.Time {
	if math.Abs(f) >= msThreshold {
		sec, frac := math.Modf(f / 1000)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
