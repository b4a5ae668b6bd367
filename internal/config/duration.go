package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a YAML duration field holding a Go duration string such as
// "500ms", "10s" or "24h". The empty string means the field was omitted;
// Normalize fills section defaults, and anything still empty falls back at
// the call site via Or.
type Duration string

// Parse returns the field's value. Errors name the config path so a rejected
// reload points at the offending line. Omitted fields parse to zero.
func (d Duration) Parse(path string) (time.Duration, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, string(d), err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return v, nil
}

// Or parses the field, substituting def when it is omitted or zero.
func (d Duration) Or(path string, def time.Duration) (time.Duration, error) {
	v, err := d.Parse(path)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return def, nil
	}
	return v, nil
}
