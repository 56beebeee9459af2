// internal/utils/date.go
package utils

import (
	"strconv"
	"strings"
	"time"
)

const DisplayFormat = "2006-01-02 15:04:05"

// Layouts tried in order. Fractional seconds of any precision are accepted
// after the seconds field even though the layouts do not spell them out.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// TimeNormalizer converts heterogeneous timestamp strings into one zone.
// Inputs without a zone are read as UTC.
type TimeNormalizer struct {
	loc *time.Location
}

func NewTimeNormalizer(timezone string) (*TimeNormalizer, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &TimeNormalizer{loc: loc}, nil
}

func (tn *TimeNormalizer) Location() *time.Location {
	return tn.loc
}

// Parse returns nil when no strategy matches.
func (tn *TimeNormalizer) Parse(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if t, ok := parseEpoch(raw); ok {
		return tn.normalize(t)
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return tn.normalize(t)
		}
	}
	return nil
}

// FromUnix normalizes a unix seconds value. Zero is treated as unknown.
func (tn *TimeNormalizer) FromUnix(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	return tn.normalize(time.Unix(sec, 0))
}

func (tn *TimeNormalizer) Format(t time.Time) string {
	return t.In(tn.loc).Format(DisplayFormat)
}

// DisplayOrRaw formats t, or falls back to the raw string cut to the
// display width when parsing failed.
func (tn *TimeNormalizer) DisplayOrRaw(t *time.Time, raw string) string {
	if t != nil {
		return tn.Format(*t)
	}
	return truncateString(strings.TrimSpace(raw), len(DisplayFormat))
}

func (tn *TimeNormalizer) normalize(t time.Time) *time.Time {
	n := t.In(tn.loc)
	return &n
}

// parseEpoch accepts unix seconds or milliseconds.
func parseEpoch(raw string) (time.Time, bool) {
	if len(raw) < 9 || len(raw) > 13 {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if len(raw) == 13 {
		return time.UnixMilli(n), true
	}
	return time.Unix(n, 0), true
}

func truncateString(s string, length int) string {
	runes := []rune(s)
	if len(runes) <= length {
		return s
	}
	return string(runes[:length])
}
