package reqpipe

import (
	"errors"
	"fmt"

	"github.com/goware/superr"
)

// ErrAlreadyFlushing is returned by Flush if a flush is already outstanding
// (spec §4.5: "exactly one flush may be outstanding at a time").
var ErrAlreadyFlushing = errors.New("reqpipe: flush already in progress")

// TimeoutError is returned on a request's reply future when the request
// exceeded its pendingTimeout on the current attempt.
type TimeoutError struct {
	ID uint64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("reqpipe: request %d timed out", e.ID)
}

// FlushError is returned on a request's reply future when Send was called
// while the pipe was flushing. No record is ever created for this request
// (spec §4.1), so there is no id to carry.
type FlushError struct{}

func (e *FlushError) Error() string {
	return "reqpipe: rejected, pipe is flushing"
}

// SendError is returned on a request's reply future when the sender rejected
// the request and all retries are exhausted. It wraps the last underlying
// cause returned by the sender.
type SendError struct {
	ID       uint64
	Attempts int
	cause    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("reqpipe: request %d failed after %d attempt(s): %v", e.ID, e.Attempts, e.cause)
}

func (e *SendError) Unwrap() error {
	return e.cause
}

func newSendError(id uint64, attempts int, cause error) *SendError {
	return &SendError{ID: id, Attempts: attempts, cause: superr.Wrap(cause, fmt.Errorf("reqpipe: sender rejected request %d after %d attempt(s)", id, attempts))}
}

// ConfigError signals a pipe was used in a way the source spec treats as
// programmer error rather than a runtime condition (spec §9: "sender never
// registered but send is called").
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string {
	return "reqpipe: config error: " + e.msg
}
