package platform

import (
	"errors"
	"fmt"
)

// Kind classifies a Transport A failure so callers can choose between
// re-login, retry, fallback and abort.
type Kind int

const (
	KindUnknown Kind = iota
	KindEndpointUnavailable
	KindUnauthorized
	KindForbidden
	KindTransientNetwork
	KindSchemaChanged
	KindTokenNotFound
	KindTokenMalformed
	KindRejected
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindEndpointUnavailable: "endpoint_unavailable",
	KindUnauthorized:        "unauthorized",
	KindForbidden:           "forbidden",
	KindTransientNetwork:    "transient_network",
	KindSchemaChanged:       "schema_changed",
	KindTokenNotFound:       "token_not_found",
	KindTokenMalformed:      "token_malformed",
	KindRejected:            "rejected",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether a call failing with this kind may be repeated
// with backoff.
func (k Kind) Retryable() bool {
	return k == KindTransientNetwork
}

// Error is the typed failure returned by every Client operation.
type Error struct {
	Kind     Kind
	Op       string
	Endpoint string
	Status   int
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Endpoint != "" {
		msg += " at " + e.Endpoint
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, so errors.Is(err, ErrUnauthorized) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Kind == e.Kind
}

var (
	ErrEndpointUnavailable = &Error{Kind: KindEndpointUnavailable}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrTransientNetwork    = &Error{Kind: KindTransientNetwork}
	ErrSchemaChanged       = &Error{Kind: KindSchemaChanged}
	ErrTokenNotFound       = &Error{Kind: KindTokenNotFound}
	ErrTokenMalformed      = &Error{Kind: KindTokenMalformed}
	ErrRejected            = &Error{Kind: KindRejected}
)

// KindOf extracts the Kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Remediation returns operator guidance for kinds that usually mean the
// upstream contract changed.
func Remediation(k Kind) string {
	switch k {
	case KindTokenNotFound, KindTokenMalformed, KindSchemaChanged, KindEndpointUnavailable:
		return "the platform API may have changed; copy a bearer token from the browser DevTools network tab and log in with --token or --curl"
	case KindUnauthorized:
		return "the token is invalid or expired; log in again"
	case KindForbidden:
		return "access was refused; check proxy settings or account status"
	}
	return ""
}

// Attempt records the outcome of one endpoint candidate during login.
type Attempt struct {
	Endpoint string
	Status   int
	Kind     Kind
	Reason   string
}
