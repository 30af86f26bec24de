package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FieldError reports an invalid value at a dotted config path such as
// "poller.failure_backoff.base".
type FieldError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FieldError) Error() string { return e.Path + ": " + e.Reason }
func (e *FieldError) Unwrap() error { return e.Err }

// Invalid returns a *FieldError for path.
func Invalid(path, format string, args ...any) error {
	return &FieldError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// FieldPath returns the config path named by err, or "" when err is not a
// field error.
func FieldPath(err error) string {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe.Path
	}
	return ""
}

// ParseDurationField parses a Go duration string. Empty means zero;
// negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, &FieldError{Path: path, Reason: fmt.Sprintf("invalid duration %q", raw), Err: err}
	case d < 0:
		return 0, Invalid(path, "duration must be >= 0, got %s", d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
