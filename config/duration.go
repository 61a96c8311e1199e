package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can say "5s" or "2m" and
// integer values are read as seconds.
type Duration struct {
	d time.Duration
}

// Seconds builds a Duration of n seconds.
func Seconds(n int) Duration {
	return Duration{d: time.Duration(n) * time.Second}
}

// Millis builds a Duration of n milliseconds.
func Millis(n int) Duration {
	return Duration{d: time.Duration(n) * time.Millisecond}
}

// Value returns the wrapped time.Duration.
func (d Duration) Value() time.Duration {
	return d.d
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return d.d.String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var asInt int64
	if err := node.Decode(&asInt); err == nil {
		d.d = time.Duration(asInt) * time.Second
		return nil
	}

	var asString string
	if err := node.Decode(&asString); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds: %w", err)
	}

	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	d.d = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.d.String(), nil
}
