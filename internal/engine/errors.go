package engine

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// The engine classifies failures into three kinds. Callers should match them
// with errors.As, since sources wrap them with pkg/errors stack traces.
//
// Cancellation is deliberately not part of the taxonomy: a cancelled run is
// not an error, and the sampler and poller return whatever was captured
// alongside the context error instead of discarding it.

// ErrSourceUnavailable indicates a transient failure talking to a source,
// e.g. a network timeout or an authentication hiccup. Retryable up to the
// failure budget.
type ErrSourceUnavailable struct {
	// Source that could not be reached.
	Source string
	// Message describes the operation that failed.
	Message string
	// Err is the underlying error, if any.
	Err error
}

func (err *ErrSourceUnavailable) Error() (s string) {
	if err.Message != "" {
		s = fmt.Sprintf("source %q unavailable: %s", err.Source, err.Message)
	} else {
		s = fmt.Sprintf("source %q unavailable", err.Source)
	}
	if err.Err != nil {
		s = s + fmt.Sprintf(": %s", err.Err)
	}
	return
}

func (err *ErrSourceUnavailable) Unwrap() error {
	return err.Err
}

// ErrInvalidEnvironment indicates the source answered but its data is
// structurally unusable, e.g. zero queues, statistics disabled, or a missing
// schema. Fatal for that source; never retried.
type ErrInvalidEnvironment struct {
	Source  string
	Message string
}

func (err *ErrInvalidEnvironment) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("environment of source %q cannot be sampled", err.Source)
	}
	return fmt.Sprintf("environment of source %q cannot be sampled: %s", err.Source, err.Message)
}

// ErrExhausted indicates the failure budget for a source tripped. Fatal for
// that source. It carries the most recent underlying errors for diagnostics.
type ErrExhausted struct {
	Source string
	// Failures is the consecutive-failure count that tripped the budget.
	Failures int
	// LastErrors holds the last few errors recorded before halting.
	LastErrors *multierror.Error
}

func (err *ErrExhausted) Error() string {
	s := fmt.Sprintf("sampling of source %q halted after %d consecutive failures", err.Source, err.Failures)
	if err.LastErrors != nil {
		s = s + fmt.Sprintf("; recent errors: %s", err.LastErrors.Error())
	}
	return s
}

func (err *ErrExhausted) Unwrap() error {
	if err.LastErrors == nil {
		return nil
	}
	return err.LastErrors.ErrorOrNil()
}

// IsSourceUnavailable reports whether any error in the chain is an
// *ErrSourceUnavailable.
func IsSourceUnavailable(err error) bool {
	var e *ErrSourceUnavailable
	return errors.As(err, &e)
}

// IsInvalidEnvironment reports whether any error in the chain is an
// *ErrInvalidEnvironment.
func IsInvalidEnvironment(err error) bool {
	var e *ErrInvalidEnvironment
	return errors.As(err, &e)
}

// IsExhausted reports whether any error in the chain is an *ErrExhausted.
func IsExhausted(err error) bool {
	var e *ErrExhausted
	return errors.As(err, &e)
}
