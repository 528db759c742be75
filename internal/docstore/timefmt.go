package docstore

import (
	"strings"
	"time"
)

// TimeLayout is the layout every document timestamp is written with.
const TimeLayout = time.RFC3339

var readLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
}

// FormatTime renders t for persistence.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// ParseTime accepts the persisted layout plus the legacy ones older documents
// carry. Zone-less values are interpreted in local time.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range readLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
