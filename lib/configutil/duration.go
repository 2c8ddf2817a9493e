package configutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration reads a cooldown/threshold value from configuration.
// accepts the usual Go duration forms ("500ms", "90s", "30m", "1h")
// as well as a bare number, which is interpreted as seconds.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	return d, nil
}
