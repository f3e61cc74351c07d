package auth

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/epicconnect/internal/config"
	"github.com/ehr/epicconnect/internal/platform/apperr"
	"github.com/ehr/epicconnect/internal/platform/hipaa"
)

// DefaultHTTPTimeout bounds every call to the token endpoint when the caller
// does not supply its own http.Client.
const DefaultHTTPTimeout = 30 * time.Second

// Client is a SMART on FHIR OAuth2 client for one identity context. It is
// immutable after construction and safe for concurrent use.
type Client struct {
	cfg        config.IdentityConfig
	httpClient *http.Client
	auditor    hipaa.Auditor
	logger     zerolog.Logger
	now        func() time.Time
}

// NewClient creates a client for cfg. A nil httpClient gets a client with
// DefaultHTTPTimeout; a nil auditor discards audit events.
func NewClient(cfg config.IdentityConfig, httpClient *http.Client, auditor hipaa.Auditor, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if auditor == nil {
		auditor = hipaa.NopAuditor{}
	}
	cfg.Scopes = append([]string(nil), cfg.Scopes...)
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		auditor:    auditor,
		logger:     logger.With().Str("identity", string(cfg.Identity)).Logger(),
		now:        time.Now,
	}
}

// Identity returns the identity context this client was built for.
func (c *Client) Identity() config.Identity {
	return c.cfg.Identity
}

// Config returns a copy of the client configuration.
func (c *Client) Config() config.IdentityConfig {
	cfg := c.cfg
	cfg.Scopes = append([]string(nil), c.cfg.Scopes...)
	return cfg
}

// AuthorizationURL builds the SMART authorization URL for a new login. When
// scopes is empty the configured scope set is used. The returned state holds
// the PKCE verifier and must be persisted by the caller; the verifier never
// appears in the URL. No network call is made.
func (c *Client) AuthorizationURL(scopes []string) (string, *AuthorizationState, error) {
	if len(scopes) == 0 {
		scopes = c.cfg.Scopes
	}
	if c.cfg.ClientID == "" || c.cfg.RedirectURI == "" {
		return "", nil, apperr.Configuration("%s client id and redirect URI are required", c.cfg.Identity)
	}
	endpoint, err := url.Parse(c.cfg.AuthorizeURL)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return "", nil, apperr.Configuration("invalid authorize URL %q", c.cfg.AuthorizeURL)
	}

	verifier := GenerateVerifier()
	state := &AuthorizationState{
		State:        uuid.New().String(),
		CodeVerifier: verifier,
		RedirectURI:  c.cfg.RedirectURI,
		CreatedAt:    c.now(),
	}

	// Parameters are emitted in a stable order rather than url.Values'
	// alphabetical one so the URL reads the way providers document it.
	params := [][2]string{
		{"response_type", "code"},
		{"client_id", c.cfg.ClientID},
		{"redirect_uri", c.cfg.RedirectURI},
		{"scope", strings.Join(scopes, " ")},
		{"code_challenge_method", CodeChallengeMethod},
		{"code_challenge", ChallengeFor(verifier)},
		{"state", state.State},
	}
	if c.cfg.FHIRBaseURL != "" {
		params = append(params, [2]string{"aud", strings.TrimSuffix(c.cfg.FHIRBaseURL, "/")})
	}

	var b strings.Builder
	b.WriteString(endpoint.String())
	sep := "?"
	if endpoint.RawQuery != "" {
		sep = "&"
	}
	for _, p := range params {
		b.WriteString(sep)
		b.WriteString(url.QueryEscape(p[0]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[1]))
		sep = "&"
	}

	return b.String(), state, nil
}
