package engine

import (
	"errors"
	"fmt"
	"time"

	"postpilot/internal/platform"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrSlotUnavailable = errors.New("slot unavailable")
	ErrRateLimited     = errors.New("rate limited")
	ErrRemote          = errors.New("remote call failed")
	ErrNotFound        = errors.New("job not found")
)

func invalidArgf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// InvalidArgumentf wraps ErrInvalidArgument with detail. Callers match with
// errors.Is(err, ErrInvalidArgument).
func InvalidArgumentf(format string, args ...any) error {
	return invalidArgf(format, args...)
}

// UnknownPlatformError reports a platform id with no registered profile or
// publisher.
//
// Example:
//
//	return engine.UnknownPlatformError{Platform: j.Platform}
type UnknownPlatformError struct {
	Platform platform.ID
}

func (e UnknownPlatformError) Error() string {
	return fmt.Sprintf("unknown platform %q", e.Platform)
}

func (e UnknownPlatformError) Is(target error) bool { return target == ErrUnknownPlatform }

// RemoteError wraps a failure from a platform publisher. The underlying
// message is preserved verbatim; matches ErrRemote.
type RemoteError struct {
	Platform platform.ID
	Op       string // "publish" or "cancel"
	Err      error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Platform, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// QuotaError reports an exhausted publish quota; ResetAt is the wall-clock
// boundary when the window refills. Matches ErrRateLimited.
type QuotaError struct {
	Platform platform.ID
	ResetAt  time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s publish quota exhausted until %s", e.Platform, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *QuotaError) Is(target error) bool { return target == ErrRateLimited }
