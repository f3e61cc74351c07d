package auth

import (
	"crypto/subtle"
	"time"

	"github.com/ehr/epicconnect/internal/platform/apperr"
)

// StateTTL bounds how long an AuthorizationState may wait for its callback.
const StateTTL = 10 * time.Minute

// AuthorizationState is the per-login bookkeeping the caller persists between
// the redirect to the identity provider and the callback. It holds the PKCE
// verifier and must be consumed at most once.
type AuthorizationState struct {
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier"`
	RedirectURI  string    `json:"redirect_uri"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks that returnedState matches and that the state has not
// outlived StateTTL at now.
func (s *AuthorizationState) Validate(returnedState string, now time.Time) error {
	if s == nil || s.State == "" || s.CodeVerifier == "" {
		return apperr.StateValidation("authorization state is missing or malformed")
	}
	if returnedState == "" {
		return apperr.StateValidation("callback did not include a state parameter")
	}
	if subtle.ConstantTimeCompare([]byte(s.State), []byte(returnedState)) != 1 {
		return apperr.StateValidation("state mismatch")
	}
	if s.CreatedAt.IsZero() || now.Sub(s.CreatedAt) > StateTTL {
		return apperr.StateValidation("authorization state expired")
	}
	return nil
}
