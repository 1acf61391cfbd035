package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses a configuration time value: a bare integer is
// milliseconds; "ms", "s", "m", "h" suffixes scale accordingly.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("config: empty duration")
	}

	unit := time.Millisecond
	numeric := s
	switch {
	case strings.HasSuffix(s, "ms"):
		unit = time.Millisecond
		numeric = strings.TrimSuffix(s, "ms")
	case strings.HasSuffix(s, "h"):
		unit = time.Hour
		numeric = strings.TrimSuffix(s, "h")
	case strings.HasSuffix(s, "m"):
		unit = time.Minute
		numeric = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "s"):
		unit = time.Second
		numeric = strings.TrimSuffix(s, "s")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(numeric), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	return time.Duration(n) * unit, nil
}
