package domain

import (
	"strconv"
	"time"
)

// ParseDurationValue converts a config scalar into a duration. Both Go
// duration strings ("90s", "72h") and bare integers (nanoseconds, the
// form yaml emits for a raw time.Duration) are accepted. yaml.v3 dropped
// the implicit duration parsing yaml.v2 had, so every config struct with
// duration fields funnels its scalars through here.
func ParseDurationValue(s string) (time.Duration, error) {
	if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ns), nil
	}
	return time.ParseDuration(s)
}

// SetDuration parses s into *dst when s is non-empty, preserving dst
// otherwise so absent config keys keep their defaults.
func SetDuration(dst *time.Duration, s string) error {
	if s == "" {
		return nil
	}
	d, err := ParseDurationValue(s)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
