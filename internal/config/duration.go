package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration-string config value ("30m", "60s").
// The empty string means unset and yields zero; negative values are rejected.
// field names the config key for error messages.
func ParseDurationField(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is unset or zero.
// Used for the cadence knobs (tick interval, grace period) that have sensible
// built-in defaults.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
