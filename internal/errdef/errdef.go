// Package errdef defines the error kinds shared by the socket gateway, the
// dispatcher and the REST surface. Each kind wraps an ordinary error so that
// callers can keep using %w while transports map the kind to a status code.
package errdef

import (
	"errors"
	"fmt"
)

// NewNotFound creates an error representing a referenced event or notification
// that does not exist.
func NewNotFound(format string, a ...any) error {
	return notFound{fmt.Errorf(format, a...)}
}

type notFound struct{ error }

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	var e notFound
	return errors.As(err, &e)
}

// NewUnauthorized creates an error for a request without a usable identity.
func NewUnauthorized(format string, a ...any) error {
	return unauthorized{fmt.Errorf(format, a...)}
}

type unauthorized struct{ error }

func IsUnauthorized(err error) bool {
	var e unauthorized
	return errors.As(err, &e)
}

// NewForbidden creates an error for an identity that lacks the registration
// or role needed for the action.
func NewForbidden(format string, a ...any) error {
	return forbidden{fmt.Errorf(format, a...)}
}

type forbidden struct{ error }

func IsForbidden(err error) bool {
	var e forbidden
	return errors.As(err, &e)
}

func NewBadRequest(format string, a ...any) error {
	return badRequest{fmt.Errorf(format, a...)}
}

type badRequest struct{ error }

func IsBadRequest(err error) bool {
	var e badRequest
	return errors.As(err, &e)
}

// NewPersistence creates an error for a durable write or read that did not
// complete. An action failing with this kind must not have been pushed live.
func NewPersistence(format string, a ...any) error {
	return persistence{fmt.Errorf(format, a...)}
}

type persistence struct{ error }

func IsPersistence(err error) bool {
	var e persistence
	return errors.As(err, &e)
}

// NewDelivery creates an error for a push to a single connection that failed.
// It is logged and counted, never returned to the sender of the action.
func NewDelivery(format string, a ...any) error {
	return delivery{fmt.Errorf(format, a...)}
}

type delivery struct{ error }

func IsDelivery(err error) bool {
	var e delivery
	return errors.As(err, &e)
}

func NewRateLimited(format string, a ...any) error {
	return rateLimited{fmt.Errorf(format, a...)}
}

type rateLimited struct{ error }

func IsRateLimited(err error) bool {
	var e rateLimited
	return errors.As(err, &e)
}

// Kind returns a short label for err, used as the "failure" log field and as
// the socket error code.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNotFound(err):
		return "not_found"
	case IsUnauthorized(err):
		return "unauthorized"
	case IsForbidden(err):
		return "forbidden"
	case IsBadRequest(err):
		return "invalid_message"
	case IsRateLimited(err):
		return "rate_limited"
	case IsPersistence(err):
		return "persistence_failure"
	case IsDelivery(err):
		return "delivery_failure"
	default:
		return "internal"
	}
}
