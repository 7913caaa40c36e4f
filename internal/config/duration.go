package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that marshals as the compact rollout
// grammar: a positive integer followed by ms, s, m or h.
type Duration time.Duration

// ParseDuration parses "30s", "10m", "1h", "250ms".
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration", ErrInvalidConfig)
	}

	unit := time.Duration(0)
	var numPart string
	switch {
	case strings.HasSuffix(s, "ms"):
		unit, numPart = time.Millisecond, strings.TrimSuffix(s, "ms")
	case strings.HasSuffix(s, "s"):
		unit, numPart = time.Second, strings.TrimSuffix(s, "s")
	case strings.HasSuffix(s, "m"):
		unit, numPart = time.Minute, strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "h"):
		unit, numPart = time.Hour, strings.TrimSuffix(s, "h")
	default:
		return 0, fmt.Errorf("%w: duration %q must end in ms|s|m|h", ErrInvalidConfig, s)
	}

	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: duration %q must be a positive integer with unit", ErrInvalidConfig, s)
	}
	return Duration(time.Duration(n) * unit), nil
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string {
	v := time.Duration(d)
	switch {
	case v == 0:
		return "0s"
	case v%time.Hour == 0:
		return fmt.Sprintf("%dh", v/time.Hour)
	case v%time.Minute == 0:
		return fmt.Sprintf("%dm", v/time.Minute)
	case v%time.Second == 0:
		return fmt.Sprintf("%ds", v/time.Second)
	default:
		return fmt.Sprintf("%dms", v/time.Millisecond)
	}
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("%w: duration must be a string", ErrInvalidConfig)
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*d = 0
		return nil
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}
