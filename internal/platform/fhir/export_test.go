package fhir

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/epicconnect/internal/platform/apperr"
)

// scriptedExportBackend answers kick-off and status calls from fixed
// responses. Resource operations are not used by these tests.
type scriptedExportBackend struct {
	Backend
	kickoff  *ExportResponse
	statuses []*ExportResponse
	polls    int
	files    map[string]string
	err      error
}

func (s *scriptedExportBackend) KickOffExport(context.Context, string, ExportScope) (*ExportResponse, error) {
	return s.kickoff, s.err
}

func (s *scriptedExportBackend) ExportStatus(context.Context, string, string) (*ExportResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	resp := s.statuses[s.polls]
	s.polls++
	return resp, nil
}

func (s *scriptedExportBackend) ExportFile(_ context.Context, _ string, fileURL string) ([]byte, error) {
	data, ok := s.files[fileURL]
	if !ok {
		return nil, apperr.FHIROperation(http.StatusNotFound, "no such file")
	}
	return []byte(data), nil
}

const testManifest = `{"transactionTime":"2030-01-01T00:00:00Z","request":"https://fhir.example.com/$export",` +
	`"requiresAccessToken":true,"output":[{"type":"Patient","url":"https://fhir.example.com/f/1","count":2},` +
	`{"type":"Observation","url":"https://fhir.example.com/f/2"}],"error":[]}`

func TestExporter_StateMachine(t *testing.T) {
	backend := &scriptedExportBackend{
		kickoff: &ExportResponse{Status: http.StatusAccepted, ContentLocation: "https://fhir.example.com/status/42"},
		statuses: []*ExportResponse{
			{Status: http.StatusAccepted, Progress: "10%"},
			{Status: http.StatusAccepted, Progress: "50%"},
			{Status: http.StatusAccepted},
			{Status: http.StatusOK, Body: []byte(testManifest)},
		},
	}
	audit := &recordedAudit{}
	x := NewExporter(backend, audit, zerolog.Nop())
	ctx := context.Background()

	job, err := x.KickOff(ctx, "tok", ExportScope{})
	if err != nil {
		t.Fatalf("kick-off: %v", err)
	}
	states := []ExportState{job.State}
	if job.StatusURL != "https://fhir.example.com/status/42" {
		t.Errorf("expected status URL stored, got %q", job.StatusURL)
	}

	var progress []string
	for job.State == ExportInProgress {
		job, err = x.PollStatus(ctx, "tok", job)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		states = append(states, job.State)
		progress = append(progress, job.Progress)
	}

	want := []ExportState{ExportInProgress, ExportInProgress, ExportInProgress, ExportInProgress, ExportComplete}
	if len(states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d: expected %s, got %s", i, want[i], states[i])
		}
	}
	if progress[0] != "10%" || progress[1] != "50%" {
		t.Errorf("expected progress surfaced, got %v", progress)
	}
	if string(job.ManifestRaw) != testManifest {
		t.Errorf("manifest must be exposed unchanged, got %s", job.ManifestRaw)
	}
	if len(job.Manifest.Output) != 2 || *job.Manifest.Output[0].Count != 2 || job.Manifest.Output[1].Count != nil {
		t.Errorf("unexpected parsed manifest %+v", job.Manifest)
	}
	if backend.polls != 4 {
		t.Errorf("expected 4 polls, got %d", backend.polls)
	}
	if len(audit.events) != 5 {
		t.Errorf("expected an audit event per call, got %d", len(audit.events))
	}
}

func TestExporter_KickOffMissingContentLocation(t *testing.T) {
	x := NewExporter(&scriptedExportBackend{
		kickoff: &ExportResponse{Status: http.StatusAccepted},
	}, nil, zerolog.Nop())

	job, err := x.KickOff(context.Background(), "tok", ExportScope{})
	if !apperr.Is(err, apperr.KindMalformedKickoff) {
		t.Fatalf("expected MalformedKickoff, got %v", err)
	}
	if job.State != ExportIdle {
		t.Errorf("expected job to stay idle, got %s", job.State)
	}
}

func TestExporter_KickOffWrongStatus(t *testing.T) {
	x := NewExporter(&scriptedExportBackend{
		kickoff: &ExportResponse{
			Status: http.StatusBadRequest,
			Body:   []byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"invalid","diagnostics":"_type not supported"}]}`),
		},
	}, nil, zerolog.Nop())

	_, err := x.KickOff(context.Background(), "tok", ExportScope{Types: []string{"Foo"}})
	ae, ok := apperr.As(err)
	if !ok || ae.Kind != apperr.KindMalformedKickoff || ae.Diagnostics != "_type not supported" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestExporter_PollFailure(t *testing.T) {
	backend := &scriptedExportBackend{
		statuses: []*ExportResponse{{Status: http.StatusInternalServerError, Body: []byte("job crashed")}},
	}
	x := NewExporter(backend, nil, zerolog.Nop())

	job, err := x.PollStatus(context.Background(), "tok", ExportJob{State: ExportInProgress, StatusURL: "https://h/status"})
	ae, ok := apperr.As(err)
	if !ok || ae.Kind != apperr.KindBulkExportFailed || ae.Status != http.StatusInternalServerError {
		t.Fatalf("expected BulkExportFailed, got %v", err)
	}
	if !strings.Contains(ae.Diagnostics, "job crashed") {
		t.Errorf("expected body surfaced, got %q", ae.Diagnostics)
	}
	if job.State != ExportFailed || job.Error == "" {
		t.Errorf("expected failed job, got %+v", job)
	}

	// Terminal: polling again is refused without touching the backend.
	if _, err := x.PollStatus(context.Background(), "tok", job); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error polling a failed job, got %v", err)
	}
	if backend.polls != 1 {
		t.Errorf("expected a single poll, got %d", backend.polls)
	}
}

func TestExporter_PollTransportErrorKeepsState(t *testing.T) {
	backend := &scriptedExportBackend{err: apperr.TransientRequest(4, errors.New("timeout"))}
	x := NewExporter(backend, nil, zerolog.Nop())

	in := ExportJob{State: ExportInProgress, StatusURL: "https://h/status", Progress: "20%"}
	job, err := x.PollStatus(context.Background(), "tok", in)
	if !apperr.Is(err, apperr.KindTransientRequest) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if job.State != ExportInProgress || job.Progress != "20%" {
		t.Errorf("expected job unchanged, got %+v", job)
	}
}

func TestExporter_FetchAll(t *testing.T) {
	backend := &scriptedExportBackend{
		files: map[string]string{
			"https://fhir.example.com/f/1": "{\"resourceType\":\"Patient\",\"id\":\"a\"}\n\n{\"resourceType\":\"Patient\",\"id\":\"b\"}\n",
			"https://fhir.example.com/f/2": "{\"resourceType\":\"Observation\",\"id\":\"o\"}",
		},
	}
	x := NewExporter(backend, nil, zerolog.Nop())
	count := 2
	job := ExportJob{
		State: ExportComplete,
		Manifest: &ExportManifest{Output: []ExportOutput{
			{Type: "Patient", URL: "https://fhir.example.com/f/1", Count: &count},
			{Type: "Observation", URL: "https://fhir.example.com/f/2"},
		}},
	}

	got, err := x.FetchAll(context.Background(), "tok", job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got["Patient"]) != 2 || len(got["Observation"]) != 1 {
		t.Errorf("unexpected grouped output %v", got)
	}

	job.Manifest.Output = append(job.Manifest.Output, ExportOutput{Type: "Condition", URL: "https://fhir.example.com/f/missing"})
	if _, err := x.FetchAll(context.Background(), "tok", job); !apperr.Is(err, apperr.KindFHIROperation) {
		t.Errorf("expected fetch failure to propagate, got %v", err)
	}
}

func TestExporter_FetchAllRequiresComplete(t *testing.T) {
	x := NewExporter(&scriptedExportBackend{}, nil, zerolog.Nop())
	if _, err := x.FetchAll(context.Background(), "tok", ExportJob{State: ExportInProgress}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestExportScope_PathAndQuery(t *testing.T) {
	cases := []struct {
		scope ExportScope
		path  string
	}{
		{ExportScope{}, "$export"},
		{ExportScope{Level: ExportLevelPatient}, "Patient/$export"},
		{ExportScope{Level: ExportLevelGroup, GroupID: "g 1"}, "Group/g%201/$export"},
	}
	for _, tc := range cases {
		got, err := tc.scope.path()
		if err != nil || got != tc.path {
			t.Errorf("path(%+v) = %q, %v; want %q", tc.scope, got, err, tc.path)
		}
	}
	if _, err := (ExportScope{Level: ExportLevelGroup}).path(); err == nil {
		t.Error("expected error for group export without id")
	}
	if _, err := (ExportScope{Level: "region"}).path(); err == nil {
		t.Error("expected error for unknown level")
	}

	q := ExportScope{Types: []string{"Patient", "Condition"}}.query()
	if q.Encode() != (url.Values{"_type": {"Patient,Condition"}}).Encode() {
		t.Errorf("unexpected query %s", q.Encode())
	}
}
