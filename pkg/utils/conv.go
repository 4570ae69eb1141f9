package utils

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseClock converts an elapsed-time string to seconds. Accepts plain
// seconds ("1.53"), minutes:seconds ("1:02.50") and hours:minutes:seconds
// ("1:00:02").
func ParseClock(s string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) > 3 {
		return 0, errors.Errorf("malformed clock value %q", s)
	}
	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "malformed clock value %q", s)
		}
		total = total*60 + v
	}
	return total, nil
}

// KB converts a byte count to whole kilobytes, rounding up.
func KB(bytes int64) int64 {
	if bytes <= 0 {
		return 0
	}
	return (bytes + 1023) / 1024
}
