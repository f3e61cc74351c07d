package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/epicconnect/internal/config"
	"github.com/ehr/epicconnect/internal/platform/apperr"
	"github.com/ehr/epicconnect/internal/platform/hipaa"
)

const (
	authStateKeyPrefix = "authstate:"
	sessionKeyPrefix   = "session:"
)

// sessionRecord is what a session looks like at rest. Tokens are ciphertext
// produced by the TokenCipher; launch context and timing stay readable so a
// store can be inspected without the key.
type sessionRecord struct {
	Identity        config.Identity `json:"identity"`
	AccessToken     string          `json:"access_token"`
	RefreshToken    string          `json:"refresh_token,omitempty"`
	TokenType       string          `json:"token_type"`
	ExpiresIn       int             `json:"expires_in"`
	Scope           string          `json:"scope"`
	Patient         string          `json:"patient,omitempty"`
	FHIRUser        string          `json:"fhir_user,omitempty"`
	Encounter       string          `json:"encounter,omitempty"`
	IssuedAt        time.Time       `json:"issued_at"`
	RefreshIssuedAt time.Time       `json:"refresh_issued_at,omitempty"`
}

// SessionManager ties the login flow to a SessionStore. It enforces single
// use and expiry of authorization state, keeps tokens encrypted at rest, and
// refreshes expired access tokens on demand. Decrypted tokens are returned to
// the caller and never cached.
type SessionManager struct {
	clients map[config.Identity]*Client
	store   SessionStore
	cipher  *hipaa.TokenCipher
	logger  zerolog.Logger
	now     func() time.Time

	refreshes singleflight.Group
}

// NewSessionManager creates a manager for the given per-identity clients.
func NewSessionManager(store SessionStore, cipher *hipaa.TokenCipher, logger zerolog.Logger, clients ...*Client) *SessionManager {
	m := &SessionManager{
		clients: make(map[config.Identity]*Client, len(clients)),
		store:   store,
		cipher:  cipher,
		logger:  logger.With().Str("component", "sessions").Logger(),
		now:     time.Now,
	}
	for _, c := range clients {
		m.clients[c.Identity()] = c
	}
	return m
}

// Client returns the OAuth client for id.
func (m *SessionManager) Client(id config.Identity) (*Client, error) {
	c, ok := m.clients[id]
	if !ok {
		return nil, apperr.Configuration("no SMART client configured for identity %q", id)
	}
	return c, nil
}

// BeginLogin builds an authorization URL for id and persists the encrypted
// authorization state under its state token for StateTTL. It returns the URL
// and the state token.
func (m *SessionManager) BeginLogin(ctx context.Context, id config.Identity, scopes []string) (string, string, error) {
	c, err := m.Client(id)
	if err != nil {
		return "", "", err
	}
	authURL, state, err := c.AuthorizationURL(scopes)
	if err != nil {
		return "", "", err
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return "", "", fmt.Errorf("marshal authorization state: %w", err)
	}
	sealed, err := m.cipher.Encrypt(string(raw))
	if err != nil {
		return "", "", fmt.Errorf("encrypt authorization state: %w", err)
	}
	if err := m.store.Set(ctx, authStateKey(id, state.State), []byte(sealed), StateTTL); err != nil {
		return "", "", fmt.Errorf("persist authorization state: %w", err)
	}
	return authURL, state.State, nil
}

// CompleteLogin handles the authorization callback. The stored state is
// consumed before anything else, so a replayed callback always fails with a
// StateValidation error. On success a new session is stored and its id is
// returned with the decrypted tokens.
func (m *SessionManager) CompleteLogin(ctx context.Context, id config.Identity, code, returnedState string) (string, *TokenSet, error) {
	c, err := m.Client(id)
	if err != nil {
		return "", nil, err
	}
	if returnedState == "" {
		return "", nil, apperr.StateValidation("callback did not include a state parameter")
	}

	blob, err := consume(ctx, m.store, authStateKey(id, returnedState))
	if err != nil {
		return "", nil, fmt.Errorf("load authorization state: %w", err)
	}
	if blob == nil {
		return "", nil, apperr.StateValidation("unknown or already used state")
	}

	plain, err := m.cipher.Decrypt(string(blob))
	if err != nil {
		return "", nil, apperr.Wrap(apperr.KindStateValidation, err, "authorization state unreadable")
	}
	var state AuthorizationState
	if err := json.Unmarshal([]byte(plain), &state); err != nil {
		return "", nil, apperr.Wrap(apperr.KindStateValidation, err, "authorization state malformed")
	}
	if err := state.Validate(returnedState, m.now()); err != nil {
		return "", nil, err
	}

	tokens, err := c.ExchangeCode(ctx, code, &state)
	if err != nil {
		return "", nil, err
	}

	sessionID := uuid.New().String()
	if err := m.save(ctx, id, sessionID, tokens); err != nil {
		return "", nil, err
	}
	m.logger.Info().Str("identity", string(id)).Str("patient", tokens.Patient).Msg("session established")
	return sessionID, tokens, nil
}

// AccessToken returns a usable TokenSet for the session, refreshing it when
// the access token has expired and the refresh token is still within policy.
// A missing session fails with Unauthenticated, an unreadable one with
// Decryption, and a rejected refresh with TokenRefresh; the latter two also
// delete the session.
func (m *SessionManager) AccessToken(ctx context.Context, id config.Identity, sessionID string) (*TokenSet, error) {
	tokens, err := m.load(ctx, id, sessionID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if !tokens.Expired(now) {
		return tokens, nil
	}
	if !tokens.CanRefresh(now) {
		_ = m.store.Delete(ctx, sessionKey(sessionID))
		return nil, apperr.Unauthenticated("session expired, sign in again")
	}

	// Concurrent requests on one session share a single refresh call.
	v, err, _ := m.refreshes.Do(sessionID, func() (interface{}, error) {
		return m.refresh(ctx, id, sessionID, tokens)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TokenSet), nil
}

func (m *SessionManager) refresh(ctx context.Context, id config.Identity, sessionID string, prev *TokenSet) (*TokenSet, error) {
	c, err := m.Client(id)
	if err != nil {
		return nil, err
	}
	next, err := c.Refresh(ctx, prev.RefreshToken)
	if err != nil {
		if delErr := m.store.Delete(ctx, sessionKey(sessionID)); delErr != nil {
			m.logger.Error().Err(delErr).Msg("failed to delete session after refresh failure")
		}
		return nil, err
	}
	next.carryOver(prev)
	if err := m.save(ctx, id, sessionID, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Logout deletes the session. Deleting an unknown session is not an error.
func (m *SessionManager) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := m.store.Delete(ctx, sessionKey(sessionID)); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (m *SessionManager) save(ctx context.Context, id config.Identity, sessionID string, ts *TokenSet) error {
	access, err := m.cipher.Encrypt(ts.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	rec := sessionRecord{
		Identity:        id,
		AccessToken:     access,
		TokenType:       ts.TokenType,
		ExpiresIn:       ts.ExpiresIn,
		Scope:           ts.Scope,
		Patient:         ts.Patient,
		FHIRUser:        ts.FHIRUser,
		Encounter:       ts.Encounter,
		IssuedAt:        ts.IssuedAt,
		RefreshIssuedAt: ts.RefreshIssuedAt,
	}
	if ts.RefreshToken != "" {
		if rec.RefreshToken, err = m.cipher.Encrypt(ts.RefreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := m.store.Set(ctx, sessionKey(sessionID), raw, sessionLifetime(ts, m.now())); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (m *SessionManager) load(ctx context.Context, id config.Identity, sessionID string) (*TokenSet, error) {
	if sessionID == "" {
		return nil, apperr.Unauthenticated("no session")
	}
	raw, err := m.store.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if raw == nil {
		return nil, apperr.Unauthenticated("no session")
	}

	var rec sessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		_ = m.store.Delete(ctx, sessionKey(sessionID))
		return nil, apperr.Decryption(err)
	}
	if rec.Identity != id {
		return nil, apperr.Unauthenticated("session belongs to a different identity")
	}

	ts := &TokenSet{
		TokenType:       rec.TokenType,
		ExpiresIn:       rec.ExpiresIn,
		Scope:           rec.Scope,
		Patient:         rec.Patient,
		FHIRUser:        rec.FHIRUser,
		Encounter:       rec.Encounter,
		IssuedAt:        rec.IssuedAt,
		RefreshIssuedAt: rec.RefreshIssuedAt,
	}
	if ts.AccessToken, err = m.cipher.Decrypt(rec.AccessToken); err != nil {
		_ = m.store.Delete(ctx, sessionKey(sessionID))
		return nil, err
	}
	if rec.RefreshToken != "" {
		if ts.RefreshToken, err = m.cipher.Decrypt(rec.RefreshToken); err != nil {
			_ = m.store.Delete(ctx, sessionKey(sessionID))
			return nil, err
		}
	}

	if m.cipher.NeedsReEncryption(rec.AccessToken) {
		if err := m.save(ctx, id, sessionID, ts); err != nil {
			m.logger.Warn().Err(err).Msg("failed to re-encrypt session under current key")
		}
	}
	return ts, nil
}

// sessionLifetime keeps a session as long as it can still yield an access
// token: until the refresh token lapses, or else until the access token does.
func sessionLifetime(ts *TokenSet, now time.Time) time.Duration {
	until := ts.ExpiresAt()
	if ts.RefreshToken != "" {
		until = ts.RefreshIssuedAt.Add(RefreshTokenLifetime)
	}
	if d := until.Sub(now); d > 0 {
		return d
	}
	return time.Minute
}

func authStateKey(id config.Identity, state string) string {
	return authStateKeyPrefix + string(id) + ":" + state
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}
