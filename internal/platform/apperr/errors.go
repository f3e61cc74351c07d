// Package apperr defines the error taxonomy shared by the SMART auth flow, the
// token cipher, the FHIR request engine and the bulk export orchestrator.
// Every error surfaced to a caller carries a Kind, the upstream HTTP status when
// one exists, and diagnostics that are safe to show to a user. Tokens, codes
// and verifiers never appear in an Error.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error so the route layer can pick a view or status code.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindStateValidation   Kind = "state_validation"
	KindTokenExchange     Kind = "token_exchange"
	KindTokenRefresh      Kind = "token_refresh"
	KindDecryption        Kind = "decryption"
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	KindTransientRequest  Kind = "transient_request"
	KindFHIROperation     Kind = "fhir_operation"
	KindMalformedKickoff  Kind = "malformed_kickoff"
	KindBulkExportFailed  Kind = "bulk_export_failed"
	KindUnauthenticated   Kind = "unauthenticated"
	KindValidation        Kind = "validation"
	KindInsufficientScope Kind = "insufficient_scope"
	KindUnknown           Kind = "unknown"
)

// Error is the structured error returned by every component of the client core.
type Error struct {
	Kind        Kind   `json:"kind"`
	Status      int    `json:"status,omitempty"`
	Diagnostics string `json:"diagnostics,omitempty"`
	Err         error  `json:"-"`
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Diagnostics != "" {
		msg += ": " + e.Diagnostics
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. This lets callers
// write errors.Is(err, &apperr.Error{Kind: apperr.KindDecryption}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an Error of the given kind with formatted diagnostics.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Diagnostics: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, err error, diagnostics string) *Error {
	return &Error{Kind: kind, Diagnostics: diagnostics, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, format, args...)
}

func StateValidation(format string, args ...any) *Error {
	return New(KindStateValidation, format, args...)
}

// TokenExchange reports an upstream rejection of the authorization code grant.
func TokenExchange(status int, body string) *Error {
	return &Error{Kind: KindTokenExchange, Status: status, Diagnostics: body}
}

// TokenRefresh reports an upstream rejection of the refresh token grant.
func TokenRefresh(status int, body string) *Error {
	return &Error{Kind: KindTokenRefresh, Status: status, Diagnostics: body}
}

func Decryption(err error) *Error {
	return Wrap(KindDecryption, err, "stored token could not be decrypted")
}

func RateLimitExceeded(attempts int) *Error {
	return &Error{
		Kind:        KindRateLimitExceeded,
		Status:      http.StatusTooManyRequests,
		Diagnostics: fmt.Sprintf("upstream still throttling after %d attempts", attempts),
	}
}

func TransientRequest(attempts int, err error) *Error {
	return Wrap(KindTransientRequest, err, fmt.Sprintf("request failed after %d attempts", attempts))
}

func FHIROperation(status int, diagnostics string) *Error {
	return &Error{Kind: KindFHIROperation, Status: status, Diagnostics: diagnostics}
}

func MalformedKickoff(status int, diagnostics string) *Error {
	return &Error{Kind: KindMalformedKickoff, Status: status, Diagnostics: diagnostics}
}

func BulkExportFailed(status int, body string) *Error {
	return &Error{Kind: KindBulkExportFailed, Status: status, Diagnostics: body}
}

func Unauthenticated(format string, args ...any) *Error {
	return New(KindUnauthenticated, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func InsufficientScope(format string, args ...any) *Error {
	return New(KindInsufficientScope, format, args...)
}

// HTTPStatus maps a kind to the status code the route layer responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindStateValidation, KindTokenExchange, KindTokenRefresh, KindDecryption, KindUnauthenticated:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientScope:
		return http.StatusForbidden
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindTransientRequest, KindMalformedKickoff, KindBulkExportFailed:
		return http.StatusBadGateway
	case KindFHIROperation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// StatusFor returns the status the route layer should use for err. FHIR
// operation errors keep the upstream 4xx status so callers can tell a missing
// resource from a broken upstream.
func StatusFor(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if e.Kind == KindFHIROperation && e.Status >= 400 && e.Status < 500 {
		return e.Status
	}
	return HTTPStatus(e.Kind)
}

// Payload is the JSON body the route layer returns for a failed request.
type Payload struct {
	Error PayloadError `json:"error"`
}

type PayloadError struct {
	Kind        Kind   `json:"kind"`
	Status      int    `json:"status"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// Response converts err into a status code and payload. Errors outside the
// taxonomy are reported as unknown without their message.
func Response(err error) (int, Payload) {
	status := StatusFor(err)
	e, ok := As(err)
	if !ok {
		return status, Payload{Error: PayloadError{Kind: KindUnknown, Status: status, Diagnostics: "internal error"}}
	}
	upstream := e.Status
	if upstream == 0 {
		upstream = status
	}
	return status, Payload{Error: PayloadError{Kind: e.Kind, Status: upstream, Diagnostics: e.Diagnostics}}
}
