package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransientError marks a failure worth retrying: network trouble, rate
// limits, broker-side 5xx.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("broker %s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a structural rejection. Never retried.
type PermanentError struct {
	Op   string
	Code string
	Err  error
}

func (e *PermanentError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker %s: rejected (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("broker %s: rejected: %v", e.Op, e.Err)
}
func (e *PermanentError) Unwrap() error { return e.Err }

// InsufficientFundsError is recoverable but not worth an immediate
// retry: the order waits for the next decision pass.
type InsufficientFundsError struct {
	Required  float64
	Available float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %.2f, available %.2f", e.Required, e.Available)
}

// AmbiguousError marks a call whose remote outcome is unknown (e.g. a
// timeout on a submit that may or may not have been accepted). Callers
// must not re-issue the operation; reconciliation resolves it.
type AmbiguousError struct {
	Op  string
	Err error
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("broker %s: outcome unknown: %v", e.Op, e.Err)
}

func (e *AmbiguousError) Unwrap() error { return e.Err }

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a structural rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsInsufficientFunds reports whether err is a balance shortfall.
func IsInsufficientFunds(err error) bool {
	var ie *InsufficientFundsError
	return errors.As(err, &ie)
}

// IsAmbiguous reports whether the remote outcome of err's call is unknown.
func IsAmbiguous(err error) bool {
	var ae *AmbiguousError
	return errors.As(err, &ae)
}

// classifyTransport maps transport-level failures for an idempotent read.
func classifyTransport(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// classifySubmitTransport maps transport-level failures of a submit.
// A timeout after the request left the process has an unknown remote
// outcome and must not be retried blindly.
func classifySubmitTransport(op string, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &AmbiguousError{Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &AmbiguousError{Op: op, Err: err}
	}
	return &TransientError{Op: op, Err: err}
}
