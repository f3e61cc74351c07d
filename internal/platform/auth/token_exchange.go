package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ehr/epicconnect/internal/platform/apperr"
	"github.com/ehr/epicconnect/internal/platform/hipaa"
)

// RefreshTokenLifetime is the policy lifetime of a refresh token, counted
// from the login that issued it.
const RefreshTokenLifetime = 30 * 24 * time.Hour

// expirySkew treats an access token as expired slightly early so it is not
// rejected mid-flight.
const expirySkew = 30 * time.Second

// DefaultTokenLifetime applies when the token endpoint omits expires_in.
const DefaultTokenLifetime = time.Hour

const maxTokenResponseBytes = 1 << 20

// TokenSet is the result of a successful token exchange or refresh, with the
// SMART launch context fields the token endpoint returned.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Patient      string `json:"patient,omitempty"`
	FHIRUser     string `json:"fhirUser,omitempty"`
	Encounter    string `json:"encounter,omitempty"`
	IDToken      string `json:"id_token,omitempty"`

	// IssuedAt is when the access token was received.
	IssuedAt time.Time `json:"issued_at"`
	// RefreshIssuedAt is when the current refresh token was first received.
	RefreshIssuedAt time.Time `json:"refresh_issued_at,omitempty"`
}

// ExpiresAt returns when the access token stops being usable. A missing
// expires_in counts as DefaultTokenLifetime.
func (t *TokenSet) ExpiresAt() time.Time {
	if t.ExpiresIn <= 0 {
		return t.IssuedAt.Add(DefaultTokenLifetime)
	}
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Expired reports whether the access token should no longer be sent at now.
func (t *TokenSet) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt().Add(-expirySkew))
}

// CanRefresh reports whether a refresh token is present and within its
// lifetime at now.
func (t *TokenSet) CanRefresh(now time.Time) bool {
	if t.RefreshToken == "" {
		return false
	}
	return now.Before(t.RefreshIssuedAt.Add(RefreshTokenLifetime))
}

// carryOver fills fields a refresh response may omit from the previous set.
func (t *TokenSet) carryOver(prev *TokenSet) {
	if t.RefreshToken == "" {
		t.RefreshToken = prev.RefreshToken
		t.RefreshIssuedAt = prev.RefreshIssuedAt
	}
	if t.Patient == "" {
		t.Patient = prev.Patient
	}
	if t.Encounter == "" {
		t.Encounter = prev.Encounter
	}
	if t.FHIRUser == "" {
		t.FHIRUser = prev.FHIRUser
	}
	if t.Scope == "" {
		t.Scope = prev.Scope
	}
}

// ExchangeCode trades an authorization code for a TokenSet. The caller must
// already have validated state against the callback; this method only
// performs the exchange. Non-2xx responses fail with a TokenExchange error
// carrying the upstream status and body.
func (c *Client) ExchangeCode(ctx context.Context, code string, state *AuthorizationState) (*TokenSet, error) {
	if code == "" {
		return c.audited(ctx, "token.exchange", c.now(), nil)(nil, apperr.TokenExchange(0, "authorization code is missing"))
	}
	if state == nil || state.CodeVerifier == "" {
		return c.audited(ctx, "token.exchange", c.now(), nil)(nil, apperr.StateValidation("authorization state is missing or malformed"))
	}

	redirectURI := state.RedirectURI
	if redirectURI == "" {
		redirectURI = c.cfg.RedirectURI
	}
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.cfg.ClientID},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {state.CodeVerifier},
	}

	return c.tokenRequest(ctx, "token.exchange", form, apperr.TokenExchange)
}

// Refresh trades a refresh token for a new TokenSet. It never retries: a
// failure usually means revoked consent and is surfaced as a TokenRefresh
// error so the caller can restart the login.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return c.audited(ctx, "token.refresh", c.now(), nil)(nil, apperr.TokenRefresh(0, "no refresh token available"))
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"refresh_token": {refreshToken},
	}
	return c.tokenRequest(ctx, "token.refresh", form, apperr.TokenRefresh)
}

// audited returns a completion func that records one audit event for the
// token call that began at start and passes its result through. A non-nil
// status supplies the upstream HTTP status.
func (c *Client) audited(ctx context.Context, action string, start time.Time, status *int) func(*TokenSet, error) (*TokenSet, error) {
	event := hipaa.AuditEvent{
		Category: hipaa.CategoryAuth,
		Action:   action,
		Identity: string(c.cfg.Identity),
		Method:   http.MethodPost,
		Endpoint: stripQuery(c.cfg.TokenURL),
	}
	return func(ts *TokenSet, err error) (*TokenSet, error) {
		if status != nil {
			event.Status = *status
		}
		event.Duration = c.now().Sub(start)
		if err != nil {
			event.Outcome = hipaa.OutcomeFailure
			event.ErrorKind = string(apperr.KindOf(err))
			if e, ok := apperr.As(err); ok && event.Status == 0 {
				event.Status = e.Status
			}
			c.logger.Warn().Str("action", action).Int("status", event.Status).Str("error_kind", event.ErrorKind).Msg("token request failed")
		} else {
			event.Outcome = hipaa.OutcomeSuccess
			event.Scope = ts.Scope
			event.PatientContext = ts.Patient
			event.EncounterContext = ts.Encounter
			event.FHIRUser = ts.FHIRUser
			c.logger.Debug().Str("action", action).Int("status", event.Status).Msg("token request succeeded")
		}
		c.auditor.Record(ctx, event)
		return ts, err
	}
}

func (c *Client) tokenRequest(ctx context.Context, action string, form url.Values, fail func(int, string) *apperr.Error) (*TokenSet, error) {
	var status int
	finish := c.audited(ctx, action, c.now(), &status)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return finish(nil, apperr.Configuration("invalid token URL %q", c.cfg.TokenURL))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(c.cfg.ClientID), url.QueryEscape(c.cfg.ClientSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		e := fail(0, "token endpoint unreachable")
		e.Err = err
		return finish(nil, e)
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		e := fail(resp.StatusCode, "read token response")
		e.Err = err
		return finish(nil, e)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return finish(nil, fail(resp.StatusCode, strings.TrimSpace(string(body))))
	}

	ts, err := parseTokenResponse(body, c.now())
	if err != nil {
		e := fail(resp.StatusCode, "malformed token response")
		e.Err = err
		return finish(nil, e)
	}
	return finish(ts, nil)
}

func parseTokenResponse(body []byte, now time.Time) (*TokenSet, error) {
	var ts TokenSet
	if err := json.Unmarshal(body, &ts); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if ts.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}
	if ts.TokenType == "" {
		ts.TokenType = "Bearer"
	}
	ts.IssuedAt = now
	if ts.RefreshToken != "" {
		ts.RefreshIssuedAt = now
	}
	if ts.FHIRUser == "" && ts.IDToken != "" {
		ts.FHIRUser = fhirUserFromIDToken(ts.IDToken)
	}
	return &ts, nil
}

// fhirUserFromIDToken reads the fhirUser claim from an OpenID id_token. The
// signature is not checked: the token came directly from the token endpoint
// over TLS and the claim is only used as launch context.
func fhirUserFromIDToken(idToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	if v, ok := claims["fhirUser"].(string); ok {
		return v
	}
	return ""
}

func stripQuery(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}
