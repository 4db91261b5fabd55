package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Field under which the stack trace is attached.
const Stacktrace = "stacktrace"

// Unexported but considered part of the stable interface of pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Unexported but considered part of the stable interface of pkg/errors.
type causer interface {
	Cause() error
}

// WithStacktrace returns a new logrus.Entry with the error and, if the error
// chain carries one, a pkg/errors stack trace attached as fields.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := extractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// extractStack walks the error chain and returns the first stack trace it
// encounters, or nil if there is none.
func extractStack(err error) errors.StackTrace {
	if stackErr, ok := err.(stackTracer); ok {
		return stackErr.StackTrace()
	}
	if causeErr, ok := err.(causer); ok {
		return extractStack(causeErr.Cause())
	}
	return nil
}
