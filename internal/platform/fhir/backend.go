package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ehr/epicconnect/internal/platform/apperr"
)

// Backend performs FHIR interactions on behalf of an authenticated user.
// LiveBackend talks to the upstream FHIR server; MockBackend serves
// in-memory data for development.
type Backend interface {
	Create(ctx context.Context, accessToken, resourceType string, resource Resource) (Resource, error)
	Read(ctx context.Context, accessToken, resourceType, id string) (Resource, error)
	Update(ctx context.Context, accessToken, resourceType, id string, resource Resource) (Resource, error)
	Delete(ctx context.Context, accessToken, resourceType, id string) error
	Search(ctx context.Context, accessToken, resourceType string, params url.Values) (*Bundle, error)

	// KickOffExport starts a bulk export and returns the raw kick-off response.
	KickOffExport(ctx context.Context, accessToken string, scope ExportScope) (*ExportResponse, error)
	// ExportStatus polls a status URL. Non-2xx statuses are returned, not
	// converted to errors, so the caller can drive the job state.
	ExportStatus(ctx context.Context, accessToken, statusURL string) (*ExportResponse, error)
	// ExportFile downloads one NDJSON output file.
	ExportFile(ctx context.Context, accessToken, fileURL string) ([]byte, error)
}

// ExportResponse is an upstream bulk export kick-off or status response.
type ExportResponse struct {
	Status          int
	ContentLocation string
	Progress        string
	RetryAfter      time.Duration
	Body            []byte
}

// ---------------------------------------------------------------------------
// LiveBackend
// ---------------------------------------------------------------------------

// LiveBackend is the Backend for a real FHIR server, built on Engine.
type LiveBackend struct {
	engine *Engine
}

// NewLiveBackend creates a backend issuing requests through engine.
func NewLiveBackend(engine *Engine) *LiveBackend {
	return &LiveBackend{engine: engine}
}

// Create POSTs resource to its type endpoint. The result is the submitted
// resource overlaid with whatever the server returned, with the id taken
// from the Location header when the body does not carry one.
func (b *LiveBackend) Create(ctx context.Context, accessToken, resourceType string, resource Resource) (Resource, error) {
	body, err := encodeResource(resourceType, resource)
	if err != nil {
		return nil, err
	}
	resp, err := b.engine.Do(ctx, accessToken, Request{
		Method:       http.MethodPost,
		Path:         resourceType,
		Body:         body,
		ResourceType: resourceType,
		Action:       "fhir.create",
	})
	if err != nil {
		return nil, err
	}

	out := resource.Clone()
	if len(strings.TrimSpace(string(resp.Body))) > 0 {
		created, err := DecodeResource(resp.Body)
		if err != nil {
			return nil, apperr.FHIROperation(resp.Status, fmt.Sprintf("create %s: %v", resourceType, err))
		}
		for k, v := range created {
			out[k] = v
		}
	}
	if out.ID() == "" {
		if id := idFromLocation(resp.Header.Get("Location"), resourceType); id != "" {
			out["id"] = id
		}
	}
	if out.ResourceType() == "" {
		out["resourceType"] = resourceType
	}
	return out, nil
}

func (b *LiveBackend) Read(ctx context.Context, accessToken, resourceType, id string) (Resource, error) {
	resp, err := b.engine.Do(ctx, accessToken, Request{
		Method:       http.MethodGet,
		Path:         resourceType + "/" + url.PathEscape(id),
		ResourceType: resourceType,
		Action:       "fhir.read",
	})
	if err != nil {
		return nil, err
	}
	res, err := DecodeResource(resp.Body)
	if err != nil {
		return nil, apperr.FHIROperation(resp.Status, fmt.Sprintf("read %s/%s: %v", resourceType, id, err))
	}
	return res, nil
}

// Update PUTs resource to its instance endpoint. An empty response body
// yields the submitted resource.
func (b *LiveBackend) Update(ctx context.Context, accessToken, resourceType, id string, resource Resource) (Resource, error) {
	submitted := resource.Clone()
	submitted["id"] = id
	body, err := encodeResource(resourceType, submitted)
	if err != nil {
		return nil, err
	}
	resp, err := b.engine.Do(ctx, accessToken, Request{
		Method:       http.MethodPut,
		Path:         resourceType + "/" + url.PathEscape(id),
		Body:         body,
		ResourceType: resourceType,
		Action:       "fhir.update",
	})
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(resp.Body))) == 0 {
		return submitted, nil
	}
	res, err := DecodeResource(resp.Body)
	if err != nil {
		return nil, apperr.FHIROperation(resp.Status, fmt.Sprintf("update %s/%s: %v", resourceType, id, err))
	}
	return res, nil
}

// Delete removes a resource. Both 200 and 204 count as success.
func (b *LiveBackend) Delete(ctx context.Context, accessToken, resourceType, id string) error {
	_, err := b.engine.Do(ctx, accessToken, Request{
		Method:       http.MethodDelete,
		Path:         resourceType + "/" + url.PathEscape(id),
		ResourceType: resourceType,
		Action:       "fhir.delete",
	})
	return err
}

func (b *LiveBackend) Search(ctx context.Context, accessToken, resourceType string, params url.Values) (*Bundle, error) {
	resp, err := b.engine.Do(ctx, accessToken, Request{
		Method:       http.MethodGet,
		Path:         resourceType,
		Query:        params,
		ResourceType: resourceType,
		Action:       "fhir.search",
	})
	if err != nil {
		return nil, err
	}
	return decodeBundle(resp)
}

// SearchPage fetches a paging link returned in a previous Bundle.
func (b *LiveBackend) SearchPage(ctx context.Context, accessToken, resourceType, pageURL string) (*Bundle, error) {
	if err := b.checkOrigin(pageURL); err != nil {
		return nil, err
	}
	resp, err := b.engine.Do(ctx, accessToken, Request{
		Method:       http.MethodGet,
		Path:         pageURL,
		ResourceType: resourceType,
		Action:       "fhir.search",
	})
	if err != nil {
		return nil, err
	}
	return decodeBundle(resp)
}

func (b *LiveBackend) KickOffExport(ctx context.Context, accessToken string, scope ExportScope) (*ExportResponse, error) {
	path, err := scope.path()
	if err != nil {
		return nil, err
	}
	resp, err := b.engine.Do(ctx, accessToken, Request{
		Method:       http.MethodGet,
		Path:         path,
		Query:        scope.query(),
		Header:       http.Header{"Prefer": []string{"respond-async"}},
		ResourceType: strings.Join(scope.Types, ","),
		Action:       "export.kickoff",
		PassStatus:   true,
	})
	if err != nil {
		return nil, err
	}
	return exportResponse(resp, b.engine.now()), nil
}

func (b *LiveBackend) ExportStatus(ctx context.Context, accessToken, statusURL string) (*ExportResponse, error) {
	if err := b.checkOrigin(statusURL); err != nil {
		return nil, err
	}
	resp, err := b.engine.Do(ctx, accessToken, Request{
		Method:     http.MethodGet,
		Path:       statusURL,
		Action:     "export.status",
		PassStatus: true,
	})
	if err != nil {
		return nil, err
	}
	return exportResponse(resp, b.engine.now()), nil
}

func (b *LiveBackend) ExportFile(ctx context.Context, accessToken, fileURL string) ([]byte, error) {
	if err := b.checkOrigin(fileURL); err != nil {
		return nil, err
	}
	resp, err := b.engine.Do(ctx, accessToken, Request{
		Method: http.MethodGet,
		Path:   fileURL,
		Accept: MediaTypeFHIRNDJSON,
		Action: "export.file",
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// checkOrigin rejects absolute URLs outside the configured FHIR server so a
// bearer token is never sent to a host named in a response body.
func (b *LiveBackend) checkOrigin(raw string) error {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return nil
	}
	target, err := url.Parse(raw)
	if err != nil {
		return apperr.Validation("invalid URL %q: %v", stripQuery(raw), err)
	}
	base, err := url.Parse(b.engine.BaseURL())
	if err != nil || base.Host == "" {
		return apperr.Configuration("FHIR base URL is not configured")
	}
	if !strings.EqualFold(target.Scheme, base.Scheme) || !strings.EqualFold(target.Host, base.Host) {
		return apperr.Validation("URL host %s does not match FHIR server %s", target.Host, base.Host)
	}
	return nil
}

func encodeResource(resourceType string, resource Resource) ([]byte, error) {
	if rt := resource.ResourceType(); rt != "" && rt != resourceType {
		return nil, apperr.Validation("resourceType %q does not match %q", rt, resourceType)
	}
	out := resource
	if resource.ResourceType() == "" {
		out = resource.Clone()
		out["resourceType"] = resourceType
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, apperr.Validation("encode %s: %v", resourceType, err)
	}
	return data, nil
}

func decodeBundle(resp *Response) (*Bundle, error) {
	var bundle Bundle
	if err := json.Unmarshal(resp.Body, &bundle); err != nil {
		return nil, apperr.FHIROperation(resp.Status, fmt.Sprintf("decode search bundle: %v", err))
	}
	if bundle.ResourceType != "Bundle" {
		return nil, apperr.FHIROperation(resp.Status, fmt.Sprintf("expected Bundle, got %q", bundle.ResourceType))
	}
	return &bundle, nil
}

func exportResponse(resp *Response, now time.Time) *ExportResponse {
	out := &ExportResponse{
		Status:          resp.Status,
		ContentLocation: resp.Header.Get("Content-Location"),
		Progress:        resp.Header.Get("X-Progress"),
		Body:            resp.Body,
	}
	if d, ok := retryAfter(resp.Header.Get("Retry-After"), now); ok {
		out.RetryAfter = d
	}
	return out
}

// idFromLocation extracts the logical id from a Location header such as
// "https://host/fhir/Patient/123/_history/1".
func idFromLocation(location, resourceType string) string {
	if location == "" {
		return ""
	}
	if u, err := url.Parse(location); err == nil {
		location = u.Path
	}
	parts := strings.Split(strings.Trim(location, "/"), "/")
	for i := len(parts) - 2; i >= 0; i-- {
		if parts[i] == resourceType {
			return parts[i+1]
		}
	}
	return ""
}
