package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers can map them to responses
// without inspecting detail.
type Kind int

const (
	// KindValidation covers malformed callbacks and unrecoverable or expired
	// pending authorizations. Nothing has been sent upstream.
	KindValidation Kind = iota + 1

	// KindIntegrity covers state mismatch, subject mismatch and replayed
	// handles. These are security events.
	KindIntegrity

	// KindExchange covers provider rejections and network failures at the
	// token endpoint, and provider-reported callback errors.
	KindExchange

	// KindStorage covers persistence and decryption failures.
	KindStorage

	// KindProvisioning covers failures to resolve a client registration.
	KindProvisioning

	// KindReauthRequired means no usable token remains and the user has to
	// go through the interactive flow again.
	KindReauthRequired
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindIntegrity:
		return "integrity"
	case KindExchange:
		return "exchange"
	case KindStorage:
		return "storage"
	case KindProvisioning:
		return "provisioning"
	case KindReauthRequired:
		return "reauth_required"
	default:
		return "unknown"
	}
}

// Error is returned by engine operations.
//
// Error() carries the internal detail for logs. PublicMessage returns the
// text that is safe to show to an end user.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// PublicMessage returns a generic message for end users.
func (e *Error) PublicMessage() string {
	switch e.Kind {
	case KindValidation:
		return "The sign-in request is invalid or has expired. Please start again."
	case KindIntegrity:
		return "Authentication failed. Please start again."
	case KindExchange:
		return "The identity provider did not complete the sign-in. Please try again."
	case KindProvisioning:
		return "The service could not be set up for sign-in. Please contact your administrator."
	case KindReauthRequired:
		return "Your session has ended. Please sign in again."
	default:
		return "An internal error occurred. Please try again later."
	}
}

func newError(kind Kind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsReauthRequired reports whether err means the user has to sign in again.
func IsReauthRequired(err error) bool {
	return IsKind(err, KindReauthRequired)
}

// PublicMessage returns the user-facing text for any error.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.PublicMessage()
	}
	return (&Error{}).PublicMessage()
}
