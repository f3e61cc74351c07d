package fhir

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/epicconnect/internal/platform/apperr"
	"github.com/ehr/epicconnect/internal/platform/hipaa"
)

// Media types used on FHIR endpoints.
const (
	MediaTypeFHIRJSON   = "application/fhir+json"
	MediaTypeFHIRNDJSON = "application/fhir+ndjson"
)

const (
	// DefaultMaxRetries is how many times a throttled or failed request is
	// re-issued before giving up.
	DefaultMaxRetries = 3
	// DefaultTimeout bounds each HTTP attempt when no client is supplied.
	DefaultTimeout = 30 * time.Second
	// maxRetryAfter caps a server-requested delay.
	maxRetryAfter = 2 * time.Minute
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	// BaseURL is the FHIR service base; relative request paths are joined to it.
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
	// Identity labels audit events and logs.
	Identity string
	Auditor  hipaa.Auditor
	Logger   zerolog.Logger
}

// Request describes one logical FHIR call. Retries re-issue the same request.
type Request struct {
	Method string
	// Path is relative to the base URL, or an absolute URL for status and
	// file locations handed out by the server.
	Path   string
	Query  url.Values
	Body   []byte
	Accept string
	Header http.Header

	// ResourceType and Action label the audit event.
	ResourceType string
	Action       string

	// PassStatus returns non-2xx responses to the caller instead of turning
	// them into errors. 429 and network failures are still retried.
	PassStatus bool
}

// Response is the final upstream response of a Request.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Attempts int
}

// Engine issues authenticated FHIR HTTP calls with bearer tokens, decodes
// OperationOutcome errors, and retries throttled and failed requests with
// exponential backoff. It holds no per-request state and is safe for
// concurrent use.
type Engine struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	identity   string
	auditor    hipaa.Auditor
	logger     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Auditor == nil {
		cfg.Auditor = hipaa.NopAuditor{}
	}
	return &Engine{
		baseURL:    cfg.BaseURL,
		httpClient: cfg.HTTPClient,
		maxRetries: cfg.MaxRetries,
		identity:   cfg.Identity,
		auditor:    cfg.Auditor,
		logger:     cfg.Logger.With().Str("component", "fhir").Logger(),
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// BaseURL returns the configured FHIR base URL.
func (e *Engine) BaseURL() string {
	return e.baseURL
}

// Do executes req with accessToken. On 429 it waits for Retry-After when
// present, else 2^attempt seconds, and gives up with RateLimitExceeded after
// MaxRetries. Network failures are retried on the same schedule and end in
// TransientRequest. Other non-2xx responses fail immediately with
// FHIROperation carrying the OperationOutcome diagnostics. Retries are
// sequential.
func (e *Engine) Do(ctx context.Context, accessToken string, req Request) (*Response, error) {
	target, err := e.resolve(req.Path, req.Query)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	start := e.now()
	event := hipaa.AuditEvent{
		Category:     hipaa.CategoryFHIR,
		Action:       req.Action,
		Identity:     e.identity,
		Method:       method,
		Endpoint:     stripQuery(target),
		ResourceType: req.ResourceType,
	}
	if event.Action == "" {
		event.Action = "fhir." + strings.ToLower(method)
	}
	finish := func(resp *Response, attempts int, err error) (*Response, error) {
		event.Attempts = attempts
		event.Duration = e.now().Sub(start)
		if resp != nil {
			event.Status = resp.Status
		}
		if err != nil {
			event.Outcome = hipaa.OutcomeFailure
			event.ErrorKind = string(apperr.KindOf(err))
			if ae, ok := apperr.As(err); ok && ae.Status != 0 {
				event.Status = ae.Status
			}
		} else {
			event.Outcome = hipaa.OutcomeSuccess
		}
		e.auditor.Record(ctx, event)
		return resp, err
	}

	for attempt := 0; ; attempt++ {
		attempts := attempt + 1
		resp, err := e.attempt(ctx, method, target, accessToken, req)
		if err != nil {
			if ctx.Err() != nil {
				return finish(nil, attempts, fmt.Errorf("fhir %s %s: %w", method, event.Endpoint, ctx.Err()))
			}
			if attempt >= e.maxRetries {
				return finish(nil, attempts, apperr.TransientRequest(attempts, err))
			}
			delay := backoff(attempt)
			e.logRetry(method, event.Endpoint, req.ResourceType, attempts, 0, delay, err)
			if err := e.sleep(ctx, delay); err != nil {
				return finish(nil, attempts, fmt.Errorf("fhir %s %s: %w", method, event.Endpoint, err))
			}
			continue
		}

		if resp.Status == http.StatusTooManyRequests {
			if attempt >= e.maxRetries {
				return finish(resp, attempts, apperr.RateLimitExceeded(attempts))
			}
			delay, ok := retryAfter(resp.Header.Get("Retry-After"), e.now())
			if !ok {
				delay = backoff(attempt)
			}
			e.logRetry(method, event.Endpoint, req.ResourceType, attempts, resp.Status, delay, nil)
			if err := e.sleep(ctx, delay); err != nil {
				return finish(resp, attempts, fmt.Errorf("fhir %s %s: %w", method, event.Endpoint, err))
			}
			continue
		}

		resp.Attempts = attempts
		if (resp.Status < 200 || resp.Status > 299) && !req.PassStatus {
			return finish(resp, attempts, apperr.FHIROperation(resp.Status, errorDiagnostics(resp.Status, resp.Body)))
		}

		e.logger.Debug().
			Str("method", method).
			Str("endpoint", event.Endpoint).
			Str("resource_type", req.ResourceType).
			Int("status", resp.Status).
			Int("attempt", attempts).
			Msg("fhir request completed")
		return finish(resp, attempts, nil)
	}
}

func (e *Engine) attempt(ctx context.Context, method, target, accessToken string, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	accept := req.Accept
	if accept == "" {
		accept = MediaTypeFHIRJSON
	}
	httpReq.Header.Set("Accept", accept)
	httpReq.Header.Set("Content-Type", MediaTypeFHIRJSON)
	if accessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (e *Engine) logRetry(method, endpoint, resourceType string, attempt, status int, delay time.Duration, err error) {
	evt := e.logger.Warn().
		Str("method", method).
		Str("endpoint", endpoint).
		Str("resource_type", resourceType).
		Int("attempt", attempt).
		Dur("delay", delay)
	if status != 0 {
		evt = evt.Int("status", status)
	}
	if err != nil {
		evt = evt.Err(err)
	}
	evt.Msg("fhir request will be retried")
}

// resolve joins path onto the base URL with exactly one slash, or returns an
// absolute path unchanged, and appends query.
func (e *Engine) resolve(path string, query url.Values) (string, error) {
	var target string
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		target = path
	} else {
		if e.baseURL == "" {
			return "", apperr.Configuration("FHIR base URL is not configured")
		}
		target = strings.TrimRight(e.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query.Encode()
	}
	if _, err := url.Parse(target); err != nil {
		return "", apperr.Validation("invalid FHIR URL: %v", err)
	}
	return target, nil
}

// backoff returns 2^attempt seconds for a zero-based attempt.
func backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// retryAfter parses a Retry-After header given as delta-seconds or an HTTP
// date.
func retryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		if secs > int(maxRetryAfter/time.Second) {
			return maxRetryAfter, true
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return min(d, maxRetryAfter), true
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func stripQuery(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}
