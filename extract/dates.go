package extract

import (
	"strings"
	"time"
)

// dateLayouts are the forms device exports and the OCR service emit,
// most specific first. French devices favor DD/MM/YYYY.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006",
	"20060102",
}

// ParseDate parses a date in any accepted form. Implausible years are
// rejected so an 8-digit patient number never becomes a birth date.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		var t, err = time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Year() < 1900 || t.Year() > 2100 {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}
