package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ExecuteError reports a failure to start or stream a task execution. It
// carries the sandbox name and thread id so the caller can log, alert and
// decide on retry vs abort.
type ExecuteError struct {
	SandboxName string
	ThreadID    string
	Err         error
}

func (e *ExecuteError) Error() string {
	return fmt.Sprintf("execute failed for sandbox %s (thread %s): %v", e.SandboxName, e.ThreadID, e.Err)
}

func (e *ExecuteError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a timeout. Timeouts may be
// retried with backoff; explicit rejections generally should not be.
func (e *ExecuteError) Timeout() bool { return isTimeout(e.Err) }

// InterruptError reports a failure to stop an in-flight execution. It is a
// distinct type so callers can tell "could not start a task" from "could
// not stop one".
type InterruptError struct {
	SandboxName string
	ThreadID    string
	Err         error
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("interrupt failed for sandbox %s (thread %s): %v", e.SandboxName, e.ThreadID, e.Err)
}

func (e *InterruptError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a timeout.
func (e *InterruptError) Timeout() bool { return isTimeout(e.Err) }

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
