package spdcl

import (
	"regexp"
	"strings"
	"time"

	"walletwatch-backend/lib/timezone"
)

func mustCompile(pattern string) *regexp.Regexp {
	return regexp.MustCompile(pattern)
}

// layouts seen across provider portals, most common first
var dateLayouts = []string{
	"02-Jan-2006",
	"02-Jan-06",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"2006-01-02",
	"2 Jan 2006",
	"02 Jan 2006",
	"Jan 2, 2006",
}

// ParseDate is deliberately permissive: an unparseable date yields nil,
// never an error, since partial bill extraction is acceptable.
func ParseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, raw, timezone.Location)
		if err == nil {
			return &t
		}
	}
	return nil
}
