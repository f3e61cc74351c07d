package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/epicconnect/internal/platform/apperr"
)

// MockBaseURL prefixes fullUrl values and export file URLs served by
// MockBackend.
const MockBaseURL = "mock://fhir"

// DefaultMockExportPolls is how many status polls answer 202 before a mock
// export completes.
const DefaultMockExportPolls = 2

// MockBackend is an in-memory Backend for development and tests. It holds
// seeded sample data, assigns uuids on create and runs bulk exports against
// a snapshot of its contents.
type MockBackend struct {
	mu        sync.RWMutex
	resources map[string]map[string]Resource
	exports   *mockExports
	logger    zerolog.Logger
	now       func() time.Time
}

// NewMockBackend creates a mock backend. When seed is true it is populated
// with SampleResources.
func NewMockBackend(seed bool, logger zerolog.Logger) *MockBackend {
	b := &MockBackend{
		resources: make(map[string]map[string]Resource),
		exports:   newMockExports(DefaultMockExportPolls),
		logger:    logger.With().Str("component", "fhir-mock").Logger(),
		now:       time.Now,
	}
	if seed {
		for _, r := range SampleResources() {
			b.put(r)
		}
	}
	return b
}

// SetExportPolls sets how many polls return 202 before an export completes.
func (b *MockBackend) SetExportPolls(n int) {
	b.exports.mu.Lock()
	b.exports.pending = n
	b.exports.mu.Unlock()
}

func (b *MockBackend) put(r Resource) {
	rt := r.ResourceType()
	if b.resources[rt] == nil {
		b.resources[rt] = make(map[string]Resource)
	}
	b.resources[rt][r.ID()] = r
}

func (b *MockBackend) stamp(r Resource, version int) {
	r["meta"] = map[string]interface{}{
		"versionId":   strconv.Itoa(version),
		"lastUpdated": b.now().UTC().Format(time.RFC3339),
	}
}

func (b *MockBackend) Create(_ context.Context, _ string, resourceType string, resource Resource) (Resource, error) {
	if rt := resource.ResourceType(); rt != "" && rt != resourceType {
		return nil, apperr.Validation("resourceType %q does not match %q", rt, resourceType)
	}
	out := resource.Clone()
	out["resourceType"] = resourceType
	out["id"] = uuid.New().String()
	b.stamp(out, 1)

	b.mu.Lock()
	b.put(out)
	b.mu.Unlock()
	return out.Clone(), nil
}

func (b *MockBackend) Read(_ context.Context, _ string, resourceType, id string) (Resource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.resources[resourceType][id]
	if !ok {
		return nil, notFound(resourceType, id)
	}
	return r.Clone(), nil
}

func (b *MockBackend) Update(_ context.Context, _ string, resourceType, id string, resource Resource) (Resource, error) {
	if rt := resource.ResourceType(); rt != "" && rt != resourceType {
		return nil, apperr.Validation("resourceType %q does not match %q", rt, resourceType)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	version := 1
	if prev, ok := b.resources[resourceType][id]; ok {
		version = metaVersion(prev) + 1
	}
	out := resource.Clone()
	out["resourceType"] = resourceType
	out["id"] = id
	b.stamp(out, version)
	b.put(out)
	return out.Clone(), nil
}

func (b *MockBackend) Delete(_ context.Context, _ string, resourceType, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.resources[resourceType][id]; !ok {
		return notFound(resourceType, id)
	}
	delete(b.resources[resourceType], id)
	return nil
}

// Search supports _id, patient/subject references and _count. Other
// parameters are ignored.
func (b *MockBackend) Search(_ context.Context, _ string, resourceType string, params url.Values) (*Bundle, error) {
	b.mu.RLock()
	matches := make([]Resource, 0, len(b.resources[resourceType]))
	for _, r := range b.resources[resourceType] {
		if matchesMockSearch(r, params) {
			matches = append(matches, r.Clone())
		}
	}
	b.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].ID() < matches[j].ID() })
	total := len(matches)
	if n, err := strconv.Atoi(params.Get("_count")); err == nil && n >= 0 && n < len(matches) {
		matches = matches[:n]
	}

	self := MockBaseURL + "/" + resourceType
	if len(params) > 0 {
		self += "?" + params.Encode()
	}
	bundle := NewSearchBundle(matches, MockBaseURL, self)
	bundle.Total = &total
	return bundle, nil
}

func matchesMockSearch(r Resource, params url.Values) bool {
	if id := params.Get("_id"); id != "" && r.ID() != id {
		return false
	}
	for _, key := range []string{"patient", "subject"} {
		want := params.Get(key)
		if want == "" {
			continue
		}
		if !strings.Contains(want, "/") {
			want = "Patient/" + want
		}
		if r.ResourceType() == ResourcePatient {
			if "Patient/"+r.ID() != want {
				return false
			}
			continue
		}
		if referenceOf(r, "patient") != want && referenceOf(r, "subject") != want {
			return false
		}
	}
	return true
}

func referenceOf(r Resource, field string) string {
	ref, _ := r[field].(map[string]interface{})
	s, _ := ref["reference"].(string)
	return s
}

func metaVersion(r Resource) int {
	meta, _ := r["meta"].(map[string]interface{})
	v, _ := meta["versionId"].(string)
	n, _ := strconv.Atoi(v)
	return n
}

func notFound(resourceType, id string) error {
	outcome := NotFoundOutcome(resourceType, id)
	return apperr.FHIROperation(http.StatusNotFound, outcome.Issue[0].Diagnostics)
}

// ---------------------------------------------------------------------------
// Mock bulk export
// ---------------------------------------------------------------------------

func (b *MockBackend) KickOffExport(_ context.Context, _ string, scope ExportScope) (*ExportResponse, error) {
	if _, err := scope.path(); err != nil {
		return nil, err
	}
	types := scope.Types
	if len(types) == 0 {
		types = SupportedResourceTypes
	}

	// Snapshot at kick-off, like a server-side transaction time.
	b.mu.RLock()
	data := make(map[string][]Resource, len(types))
	for _, rt := range types {
		for _, r := range b.resources[rt] {
			if scope.Since != nil && !updatedSince(r, *scope.Since) {
				continue
			}
			data[rt] = append(data[rt], r.Clone())
		}
	}
	b.mu.RUnlock()

	job, err := b.exports.kickOff(types, data, b.now().UTC())
	if err != nil {
		return nil, err
	}
	b.logger.Debug().Str("job", job.id).Strs("types", types).Msg("mock export started")
	return &ExportResponse{
		Status:          http.StatusAccepted,
		ContentLocation: mockStatusURL(job.id),
	}, nil
}

func (b *MockBackend) ExportStatus(_ context.Context, _ string, statusURL string) (*ExportResponse, error) {
	id, ok := mockJobID(statusURL, "/status")
	if !ok {
		return &ExportResponse{Status: http.StatusNotFound, Body: outcomeBody("unknown export status URL")}, nil
	}
	return b.exports.poll(id), nil
}

func (b *MockBackend) ExportFile(_ context.Context, _ string, fileURL string) ([]byte, error) {
	rest := strings.TrimPrefix(fileURL, MockBaseURL+"/export/")
	jobID, file, ok := strings.Cut(rest, "/")
	if !ok || rest == fileURL {
		return nil, apperr.FHIROperation(http.StatusNotFound, "unknown export file URL")
	}
	data, err := b.exports.file(jobID, strings.TrimSuffix(file, ".ndjson"))
	if err != nil {
		return nil, apperr.FHIROperation(http.StatusNotFound, err.Error())
	}
	return data, nil
}

func updatedSince(r Resource, since time.Time) bool {
	meta, _ := r["meta"].(map[string]interface{})
	s, _ := meta["lastUpdated"].(string)
	t, err := time.Parse(time.RFC3339, s)
	return err != nil || !t.Before(since)
}

func mockStatusURL(id string) string {
	return MockBaseURL + "/export/" + id + "/status"
}

func mockJobID(statusURL, suffix string) (string, bool) {
	rest, ok := strings.CutPrefix(statusURL, MockBaseURL+"/export/")
	if !ok {
		return "", false
	}
	return strings.CutSuffix(rest, suffix)
}

func outcomeBody(diagnostics string) []byte {
	data, _ := json.Marshal(NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, diagnostics))
	return data
}

type mockExportJob struct {
	id          string
	types       []string
	requestedAt time.Time
	pollsLeft   int
	output      []ExportOutput
	ndjson      map[string][]byte
}

// mockExports tracks mock export jobs. Each job answers 202 for a fixed
// number of polls and then 200 with a manifest.
type mockExports struct {
	mu      sync.Mutex
	jobs    map[string]*mockExportJob
	pending int
}

func newMockExports(pending int) *mockExports {
	return &mockExports{
		jobs:    make(map[string]*mockExportJob),
		pending: pending,
	}
}

func (m *mockExports) kickOff(types []string, data map[string][]Resource, now time.Time) (*mockExportJob, error) {
	job := &mockExportJob{
		id:          uuid.New().String(),
		types:       types,
		requestedAt: now,
		ndjson:      make(map[string][]byte, len(types)),
	}
	for _, rt := range types {
		var buf bytes.Buffer
		w := NewNDJSONWriter(&buf)
		for _, r := range data[rt] {
			if err := w.WriteResource(r); err != nil {
				return nil, fmt.Errorf("mock export %s: %w", rt, err)
			}
		}
		if err := w.Flush(); err != nil {
			return nil, fmt.Errorf("mock export %s: %w", rt, err)
		}
		if w.Count() == 0 {
			continue
		}
		count := w.Count()
		job.ndjson[rt] = buf.Bytes()
		job.output = append(job.output, ExportOutput{
			Type:  rt,
			URL:   MockBaseURL + "/export/" + job.id + "/" + rt + ".ndjson",
			Count: &count,
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	job.pollsLeft = m.pending
	m.jobs[job.id] = job
	return job, nil
}

func (m *mockExports) poll(id string) *ExportResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return &ExportResponse{Status: http.StatusNotFound, Body: outcomeBody("export job not found: " + id)}
	}
	if job.pollsLeft > 0 {
		done := m.pending - job.pollsLeft
		job.pollsLeft--
		return &ExportResponse{
			Status:   http.StatusAccepted,
			Progress: fmt.Sprintf("%d/%d polls", done+1, m.pending),
		}
	}

	manifest := ExportManifest{
		TransactionTime:     job.requestedAt.Format(time.RFC3339),
		Request:             MockBaseURL + "/$export?_type=" + strings.Join(job.types, ","),
		RequiresAccessToken: true,
		Output:              job.output,
		Error:               []ExportOutput{},
	}
	if manifest.Output == nil {
		manifest.Output = []ExportOutput{}
	}
	body, _ := json.Marshal(manifest)
	return &ExportResponse{Status: http.StatusOK, Body: body}
}

func (m *mockExports) file(id, resourceType string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("export job not found: %s", id)
	}
	if job.pollsLeft > 0 {
		return nil, fmt.Errorf("export job %s is not complete", id)
	}
	data, ok := job.ndjson[resourceType]
	if !ok {
		return nil, fmt.Errorf("file type %s not found in export job %s", resourceType, id)
	}
	return data, nil
}
