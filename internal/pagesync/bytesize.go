package pagesync

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var sizeUnits = []struct {
	suffix string
	mult   float64
}{
	{"gb", 1 << 30}, {"g", 1 << 30},
	{"mb", 1 << 20}, {"m", 1 << 20},
	{"kb", 1 << 10}, {"k", 1 << 10},
	{"b", 1},
}

// parseBytes reads payload limits such as "512", "64kb", "5m" or "1.5gb".
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := 1.0
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			mult = u.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	n := v * mult
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size too large")
	}
	return int64(n), nil
}
