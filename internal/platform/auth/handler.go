package auth

import (
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/epicconnect/internal/config"
	"github.com/ehr/epicconnect/internal/platform/apperr"
)

// ErrorPath is where authentication failures are redirected, with the error
// kind in the "kind" query parameter.
const ErrorPath = "/auth/error"

// errorMessages are the user-facing texts of the error view, keyed by kind.
var errorMessages = map[apperr.Kind]string{
	apperr.KindStateValidation: "Your sign-in attempt expired or was already used. Please sign in again.",
	apperr.KindTokenExchange:   "The identity provider rejected the sign-in. Please try again.",
	apperr.KindTokenRefresh:    "Your session could not be renewed. Please sign in again.",
	apperr.KindDecryption:      "Your session is no longer valid. Please sign in again.",
	apperr.KindUnauthenticated: "You are not signed in.",
	apperr.KindConfiguration:   "Sign-in is not configured for this application.",
}

// Handler exposes the SMART login flow over HTTP. The state token and the
// session id travel in HttpOnly cookies scoped per identity.
type Handler struct {
	sessions      *SessionManager
	secureCookies bool
	logger        zerolog.Logger
}

// NewHandler creates the auth route handler. secureCookies should be true
// whenever the server is reached over TLS.
func NewHandler(sessions *SessionManager, secureCookies bool, logger zerolog.Logger) *Handler {
	return &Handler{sessions: sessions, secureCookies: secureCookies, logger: logger}
}

// RegisterRoutes registers the login, callback, logout and error endpoints.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/auth")
	g.GET("/error", h.handleError)
	g.GET("/:identity/login", h.handleLogin)
	g.GET("/:identity/callback", h.handleCallback)
	g.POST("/:identity/logout", h.handleLogout)
}

// StateCookieName returns the cookie carrying the pending state token.
func StateCookieName(id config.Identity) string {
	return string(id) + "_auth_state"
}

// SessionCookieName returns the cookie carrying the session id.
func SessionCookieName(id config.Identity) string {
	return string(id) + "_session"
}

// handleLogin handles GET /auth/:identity/login.
func (h *Handler) handleLogin(c echo.Context) error {
	id, err := config.ParseIdentity(c.Param("identity"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown identity")
	}

	var scopes []string
	if s := c.QueryParam("scope"); s != "" {
		scopes = config.SplitScopes(s)
	}

	authURL, state, err := h.sessions.BeginLogin(c.Request().Context(), id, scopes)
	if err != nil {
		return h.redirectToError(c, id, err)
	}

	c.SetCookie(h.cookie(StateCookieName(id), state, "/auth/"+string(id), StateTTL))
	return c.Redirect(http.StatusFound, authURL)
}

// handleCallback handles GET /auth/:identity/callback.
func (h *Handler) handleCallback(c echo.Context) error {
	id, err := config.ParseIdentity(c.Param("identity"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown identity")
	}

	// The state cookie is single use whatever the outcome.
	c.SetCookie(h.expired(StateCookieName(id), "/auth/"+string(id)))

	if upstreamErr := c.QueryParam("error"); upstreamErr != "" {
		desc := c.QueryParam("error_description")
		if desc == "" {
			desc = upstreamErr
		}
		return h.redirectToError(c, id, apperr.TokenExchange(0, desc))
	}

	returned := c.QueryParam("state")
	cookie, err := c.Cookie(StateCookieName(id))
	if err != nil || cookie.Value == "" || cookie.Value != returned {
		return h.redirectToError(c, id, apperr.StateValidation("state does not match this browser"))
	}

	sessionID, tokens, err := h.sessions.CompleteLogin(c.Request().Context(), id, c.QueryParam("code"), returned)
	if err != nil {
		return h.redirectToError(c, id, err)
	}

	lifetime := sessionLifetime(tokens, h.sessions.now())
	c.SetCookie(h.cookie(SessionCookieName(id), sessionID, "/", lifetime))

	target := "/"
	if client, err := h.sessions.Client(id); err == nil && client.Config().PostLoginPath != "" {
		target = client.Config().PostLoginPath
	}
	return c.Redirect(http.StatusFound, target)
}

// handleLogout handles POST /auth/:identity/logout.
func (h *Handler) handleLogout(c echo.Context) error {
	id, err := config.ParseIdentity(c.Param("identity"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown identity")
	}
	if cookie, err := c.Cookie(SessionCookieName(id)); err == nil {
		if err := h.sessions.Logout(c.Request().Context(), cookie.Value); err != nil {
			h.logger.Error().Err(err).Str("identity", string(id)).Msg("logout failed")
			return echo.NewHTTPError(http.StatusInternalServerError, "logout failed")
		}
	}
	c.SetCookie(h.expired(SessionCookieName(id), "/"))
	return c.NoContent(http.StatusNoContent)
}

// handleError handles GET /auth/error and renders the error view as JSON.
func (h *Handler) handleError(c echo.Context) error {
	kind := apperr.Kind(c.QueryParam("kind"))
	msg, ok := errorMessages[kind]
	if !ok {
		kind = apperr.KindUnknown
		msg = "Sign-in failed. Please try again."
	}
	return c.JSON(apperr.HTTPStatus(kind), map[string]string{
		"kind":     string(kind),
		"identity": c.QueryParam("identity"),
		"message":  msg,
		"login":    loginPath(c.QueryParam("identity")),
	})
}

// AccessToken resolves the caller's session cookie into a usable access
// token. When the session is gone or unusable the cookie is cleared.
func (h *Handler) AccessToken(c echo.Context, id config.Identity) (string, error) {
	tokens, err := h.session(c, id)
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

type sessionResult struct {
	tokens *TokenSet
	err    error
}

// session resolves the session once per request so scope checks and the
// handler share one lookup and at most one refresh.
func (h *Handler) session(c echo.Context, id config.Identity) (*TokenSet, error) {
	key := "smart_session:" + string(id)
	if r, ok := c.Get(key).(sessionResult); ok {
		return r.tokens, r.err
	}

	tokens, err := h.loadSession(c, id)
	c.Set(key, sessionResult{tokens: tokens, err: err})
	return tokens, err
}

func (h *Handler) loadSession(c echo.Context, id config.Identity) (*TokenSet, error) {
	cookie, err := c.Cookie(SessionCookieName(id))
	if err != nil || cookie.Value == "" {
		return nil, apperr.Unauthenticated("no %s session", id)
	}
	tokens, err := h.sessions.AccessToken(c.Request().Context(), id, cookie.Value)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindUnauthenticated, apperr.KindDecryption, apperr.KindTokenRefresh:
			c.SetCookie(h.expired(SessionCookieName(id), "/"))
		}
		return nil, err
	}
	return tokens, nil
}

// RequireScope rejects FHIR resource routes whose interaction is not covered
// by the scopes granted to the caller's session. Routes without :type, requests
// without a usable session and sessions whose token response listed no
// resource scopes pass through unchanged.
func (h *Handler) RequireScope() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			resourceType := c.Param("type")
			if resourceType == "" {
				return next(c)
			}
			id, err := config.ParseIdentity(c.Param("identity"))
			if err != nil {
				return next(c)
			}
			tokens, err := h.session(c, id)
			if err != nil {
				return next(c)
			}
			granted := ParseSMARTScopes(config.SplitScopes(tokens.Scope))
			if len(granted) == 0 {
				return next(c)
			}

			interaction := interactionFor(c.Request().Method, c.Param("id") != "")
			if ScopeAllows(granted, resourceType, interaction) {
				return next(c)
			}
			h.logger.Warn().
				Str("identity", string(id)).
				Str("resource_type", resourceType).
				Str("interaction", interactionName(interaction)).
				Msg("request outside granted scope")
			status, payload := apperr.Response(apperr.InsufficientScope(
				"granted scopes do not allow %s on %s", interactionName(interaction), resourceType))
			return c.JSON(status, payload)
		}
	}
}

func (h *Handler) redirectToError(c echo.Context, id config.Identity, err error) error {
	kind := apperr.KindOf(err)
	h.logger.Warn().Str("identity", string(id)).Str("error_kind", string(kind)).Err(err).Msg("authentication failed")

	q := url.Values{}
	q.Set("kind", string(kind))
	q.Set("identity", string(id))
	return c.Redirect(http.StatusFound, ErrorPath+"?"+q.Encode())
}

func (h *Handler) cookie(name, value, path string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *Handler) expired(name, path string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func loginPath(identity string) string {
	if _, err := config.ParseIdentity(identity); err != nil {
		return ""
	}
	return "/auth/" + identity + "/login"
}
