// Package sizeparse parses the --body-size-limit CLI value: a plain byte
// count or a count with a k/m/g suffix.
package sizeparse

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Parse converts a size string like "10m", "2g", or "1024" into a byte
// count. An empty string means "no limit" (0, meaning unlimited, by
// convention of the caller).
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid body-size-limit %q: %w", s, err)
	}
	return int64(n), nil
}
