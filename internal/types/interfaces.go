package types

import (
	"time"
)

// Clock abstracts time so schedulers and processors can be tested
// deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock. It always reports UTC.
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock is a Clock frozen at a single instant, used by tests and by the
// retention Lambda when an explicit reference time is supplied.
type FixedClock struct {
	T time.Time
}

// Now returns the frozen instant.
func (c FixedClock) Now() time.Time {
	return c.T
}

// Logger is the minimal structured logging contract used by the delivery
// core. Entry points bridge it to log/slog.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
func (NopLogger) Warn(string, ...any)  {}
func (l NopLogger) With(...any) Logger { return l }
