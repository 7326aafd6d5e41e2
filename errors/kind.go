package errors

import (
	"context"
)

// Kind is the failure class recorded on a run.
type Kind string

const (
	KindNone          Kind = ""
	KindConfiguration Kind = "configuration"
	KindValidation    Kind = "validation"
	KindAuth          Kind = "auth"
	KindProvider      Kind = "provider"
	KindTimeout       Kind = "timeout"
	KindInternal      Kind = "internal"
	KindUnknown       Kind = "unknown"
)

// Taxonomy sentinels. Wrap these (or use the constructors below) so KindOf
// can classify the error after it has travelled through several layers.
var (
	// ErrConfiguration: malformed trigger or job parameters. Never retried.
	ErrConfiguration = New("configuration error")

	// ErrValidation: a collaborator rejected the request. Never retried.
	ErrValidation = New("validation error")

	// ErrAuth: credentials rejected. Never retried.
	ErrAuth = New("auth error")

	// ErrProvider: rate limit, network failure, 5xx. Retried.
	ErrProvider = New("provider error")

	// ErrTimeout: a stage exceeded its deadline. Retried.
	ErrTimeout = New("operation timed out")

	// ErrInternal: a bug inside a stage (panic). Never retried.
	ErrInternal = New("internal error")
)

// Transient reports whether a failure of this kind is worth another attempt.
// Unknown errors are retried: a stage returning an unclassified error gets the
// benefit of the doubt.
func (k Kind) Transient() bool {
	switch k {
	case KindProvider, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// KindOf classifies err. nil yields KindNone.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case Is(err, ErrConfiguration):
		return KindConfiguration
	case Is(err, ErrValidation):
		return KindValidation
	case Is(err, ErrAuth):
		return KindAuth
	case Is(err, ErrInternal):
		return KindInternal
	case Is(err, ErrTimeout), Is(err, context.DeadlineExceeded):
		return KindTimeout
	case Is(err, ErrProvider):
		return KindProvider
	default:
		return KindUnknown
	}
}

// IsTransient is shorthand for KindOf(err).Transient().
func IsTransient(err error) bool {
	return err != nil && KindOf(err).Transient()
}

// NewConfigurationError creates a configuration error with a formatted message
func NewConfigurationError(format string, args ...interface{}) error {
	return Wrap(ErrConfiguration, Newf(format, args...).Error())
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Wrap(ErrValidation, Newf(format, args...).Error())
}

// NewAuthError creates an auth error with a formatted message
func NewAuthError(format string, args ...interface{}) error {
	return Wrap(ErrAuth, Newf(format, args...).Error())
}

// NewProviderError creates a provider error with a formatted message
func NewProviderError(format string, args ...interface{}) error {
	return Wrap(ErrProvider, Newf(format, args...).Error())
}

// NewTimeoutError creates a timeout error with a formatted message
func NewTimeoutError(format string, args ...interface{}) error {
	return Wrap(ErrTimeout, Newf(format, args...).Error())
}

// NewInternalError creates an internal error with a formatted message
func NewInternalError(format string, args ...interface{}) error {
	return Wrap(ErrInternal, Newf(format, args...).Error())
}

// MarkProvider tags an arbitrary error (typically a transport failure) as a
// provider error while keeping the original in the chain.
func MarkProvider(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, msg), ErrProvider)
}
