// Package errdefs holds the error kinds shared by the measurement packages and
// the daemon. Callers inspect them with errors.Is / errors.As, or with the Is*
// helpers below.
package errdefs

import (
	"errors"
	"fmt"
)

// CommError is returned when a command to, or a reading from, an instrument
// fails. The core never retries these.
type CommError struct {
	Op  string
	Err error
}

func (e *CommError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("instrument communication failed: %v", e.Err)
	}
	return fmt.Sprintf("instrument communication failed: %s: %v", e.Op, e.Err)
}

func (e *CommError) Unwrap() error { return e.Err }

// Comm wraps err as a CommError. It returns nil for a nil err and leaves an
// error that already carries a CommError untouched.
func Comm(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CommError
	if errors.As(err, &ce) {
		return err
	}
	return &CommError{Op: op, Err: err}
}

// IsComm reports whether err carries a CommError.
func IsComm(err error) bool {
	var ce *CommError
	return errors.As(err, &ce)
}

// AlarmError is returned when the thermal controller reports an alarm at or
// above the abort level.
type AlarmError struct {
	Level   int
	Message string
}

func (e *AlarmError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("thermal controller alarm level %d", e.Level)
	}
	return fmt.Sprintf("thermal controller alarm level %d: %s", e.Level, e.Message)
}

// IsAlarm reports whether err carries an AlarmError.
func IsAlarm(err error) bool {
	var ae *AlarmError
	return errors.As(err, &ae)
}

// ConfigurationError is returned for invalid stages or parameters. It is always
// raised before any hardware command is issued.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Configf builds a ConfigurationError for field.
func Configf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsConfiguration reports whether err carries a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ErrInconclusive is returned when a calibration sweep cannot produce a
// recommended current.
var ErrInconclusive = errors.New("calibration inconclusive")
