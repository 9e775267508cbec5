package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is reported when a target never became ready after every
	// installation strategy was tried.
	ErrNotReady = errors.New("handler unavailable")
	// ErrTimeout is reported when a probe, attempt or relay correlation
	// exceeded its deadline.
	ErrTimeout = errors.New("timed out")
	// ErrHandlerAbsent is reported by transports that reached the target but
	// found no handler listening. It is a delivery failure, not a handler error.
	ErrHandlerAbsent = errors.New("no handler registered in target")
)

// FailureClass groups failures by the remediation they need.
type FailureClass int

const (
	// ClassNone means no failure.
	ClassNone FailureClass = iota
	// ClassNotReady: install again later.
	ClassNotReady
	// ClassTransient: the channel could not reach the target; resend.
	ClassTransient
	// ClassApplication: the handler ran and refused; do not retry.
	ClassApplication
	// ClassTimeout: a deadline elapsed. Retried like ClassTransient.
	ClassTimeout
)

func (c FailureClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassNotReady:
		return "not_ready"
	case ClassTransient:
		return "transient"
	case ClassApplication:
		return "application"
	case ClassTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("FailureClass(%d)", int(c))
	}
}

// Retryable reports whether the dispatcher resends on this class.
func (c FailureClass) Retryable() bool {
	return c == ClassTransient || c == ClassTimeout
}

// TransientError wraps a channel-level delivery failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "delivery failed: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a delivery failure. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Err: err}
}

// ApplicationError is a failure reported by the handler itself.
type ApplicationError struct {
	Message string
}

func (e *ApplicationError) Error() string {
	return e.Message
}

// Classify maps an error onto its FailureClass. Unknown errors are treated
// as transient: anything that did not come back from the handler is a
// delivery problem.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassNone
	}
	var appErr *ApplicationError
	switch {
	case errors.As(err, &appErr):
		return ClassApplication
	case errors.Is(err, ErrNotReady):
		return ClassNotReady
	case errors.Is(err, ErrTimeout):
		return ClassTimeout
	default:
		return ClassTransient
	}
}
