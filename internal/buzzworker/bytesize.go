package buzzworker

import (
	"strconv"
	"strings"

	"buzzworker/internal/errors"
)

var byteUnits = map[byte]int64{
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
}

// parseBytes reads sizes like "512", "64kb", "5m" or "1.5GB".
func parseBytes(s string) (int64, error) {
	in := s
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimSuffix(s, "b")
	if s == "" {
		return 0, errors.Newf("invalid size %q", in)
	}
	mult := int64(1)
	if m, ok := byteUnits[s[len(s)-1]]; ok {
		mult = m
		s = strings.TrimSpace(s[:len(s)-1])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", in)
	}
	if v < 0 {
		return 0, errors.Newf("negative size %q", in)
	}
	return int64(v * float64(mult)), nil
}
