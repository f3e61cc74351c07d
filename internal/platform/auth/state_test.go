package auth

import (
	"testing"
	"time"

	"github.com/ehr/epicconnect/internal/platform/apperr"
)

func TestAuthorizationState_Validate(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := &AuthorizationState{
		State:        "state-123",
		CodeVerifier: "verifier",
		RedirectURI:  "http://x/cb",
		CreatedAt:    created,
	}

	t.Run("valid", func(t *testing.T) {
		if err := st.Validate("state-123", created.Add(time.Minute)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("exactly at TTL", func(t *testing.T) {
		if err := st.Validate("state-123", created.Add(600000*time.Millisecond)); err != nil {
			t.Fatalf("unexpected error at TTL boundary: %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		err := st.Validate("state-123", created.Add(600001*time.Millisecond))
		if !apperr.Is(err, apperr.KindStateValidation) {
			t.Fatalf("expected StateValidationError, got %v", err)
		}
	})

	t.Run("mismatch", func(t *testing.T) {
		err := st.Validate("state-456", created)
		if !apperr.Is(err, apperr.KindStateValidation) {
			t.Fatalf("expected StateValidationError, got %v", err)
		}
	})

	t.Run("empty returned state", func(t *testing.T) {
		if err := st.Validate("", created); !apperr.Is(err, apperr.KindStateValidation) {
			t.Fatalf("expected StateValidationError, got %v", err)
		}
	})

	t.Run("nil state", func(t *testing.T) {
		var missing *AuthorizationState
		if err := missing.Validate("state-123", created); !apperr.Is(err, apperr.KindStateValidation) {
			t.Fatalf("expected StateValidationError, got %v", err)
		}
	})
}
