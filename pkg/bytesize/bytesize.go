// Package bytesize parses and formats byte sizes such as "64MB" or "1.5 GiB".
package bytesize

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Byte size units. Sizes are binary: 1KB is 1024 bytes.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// ErrInvalidSize is wrapped by every Parse error.
var ErrInvalidSize = errors.New("invalid size")

// sizePattern matches size strings like "100MB", "1.5 GB", "1024"
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

var units = map[string]int64{
	"": B, "B": B,
	"K": KB, "KB": KB, "KI": KB, "KIB": KB,
	"M": MB, "MB": MB, "MI": MB, "MIB": MB,
	"G": GB, "GB": GB, "GI": GB, "GIB": GB,
	"T": TB, "TB": TB, "TI": TB, "TIB": TB,
}

// Parse converts a size string into bytes. A bare number is bytes; units are
// case-insensitive.
func Parse(s string) (int64, error) {
	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidSize, s, err)
	}

	multiplier, ok := units[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidSize, matches[2])
	}
	return int64(value * float64(multiplier)), nil
}

// Format renders bytes with the largest unit that keeps the value >= 1.
func Format(bytes int64) string {
	for _, u := range []struct {
		size int64
		name string
	}{{TB, "TB"}, {GB, "GB"}, {MB, "MB"}, {KB, "KB"}} {
		if bytes >= u.size {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.size), u.name)
		}
	}
	return fmt.Sprintf("%d B", bytes)
}
