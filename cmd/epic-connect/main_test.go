package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/epicconnect/internal/config"
	"github.com/ehr/epicconnect/internal/platform/apperr"
	"github.com/ehr/epicconnect/internal/platform/auth"
	"github.com/ehr/epicconnect/internal/platform/fhir"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Env:                "test",
		UseMockData:        true,
		TokenKeyGeneration: 1,
		HTTPTimeout:        time.Second,
		FHIRMaxRetries:     3,
		ExportPollInterval: time.Millisecond,
		APIRateLimitRPS:    100,
		APIRateLimitBurst:  100,
	}
	for _, id := range config.Identities {
		cfg.SetIdentity(config.IdentityConfig{
			Identity:     id,
			ClientID:     "abc",
			RedirectURI:  "http://x/cb",
			AuthorizeURL: config.DefaultAuthorizeURL,
			TokenURL:     config.DefaultTokenURL,
			FHIRBaseURL:  config.DefaultFHIRBaseURL,
			Scopes:       []string{"patient/Patient.read"},
		})
	}
	return cfg
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	a, err := newApp(context.Background(), testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

// ---------------------------------------------------------------------------
// Token key
// ---------------------------------------------------------------------------

func TestResolveTokenKey(t *testing.T) {
	cfg := &config.Config{TokenEncryptionKey: strings.Repeat("k", 32)}
	key, ephemeral, err := resolveTokenKey(cfg)
	if err != nil || ephemeral || key != cfg.TokenEncryptionKey {
		t.Errorf("expected configured key, got %q ephemeral=%v err=%v", key, ephemeral, err)
	}

	key, ephemeral, err = resolveTokenKey(&config.Config{UseMockData: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ephemeral || len(key) != 64 {
		t.Errorf("expected 64-char ephemeral key, got %d chars ephemeral=%v", len(key), ephemeral)
	}

	if _, _, err := resolveTokenKey(&config.Config{}); !apperr.Is(err, apperr.KindConfiguration) {
		t.Errorf("expected configuration error outside mock mode, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Server wiring
// ---------------------------------------------------------------------------

func TestRouter_Health(t *testing.T) {
	e := newTestApp(t).router()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"mock":true`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestRouter_MockRead(t *testing.T) {
	e := newTestApp(t).router()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/patient/fhir/Patient/"+fhir.SamplePatientID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["resourceType"] != "Patient" || got["id"] != fhir.SamplePatientID {
		t.Errorf("unexpected resource %v", got)
	}
}

func TestRouter_UnknownIdentity(t *testing.T) {
	e := newTestApp(t).router()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/fhir/Patient", nil))
	if rec.Code == http.StatusOK {
		t.Fatal("expected unknown identity to be rejected")
	}
	if !strings.Contains(rec.Body.String(), `"kind"`) {
		t.Errorf("expected error payload, got %s", rec.Body.String())
	}
}

func TestIdentityCache_Isolation(t *testing.T) {
	shared := fhir.NewMemoryCache(time.Minute)
	patient := identityCache{id: config.Patient, cache: shared}
	clinician := identityCache{id: config.Clinician, cache: shared}
	ctx := context.Background()

	if err := clinician.Put(ctx, "Patient", "1", fhir.Resource{"resourceType": "Patient", "id": "1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, _ := patient.Get(ctx, "Patient", "1"); ok {
		t.Error("patient view must not see clinician cache entries")
	}
	if _, ok, _ := clinician.Get(ctx, "Patient", "1"); !ok {
		t.Error("expected clinician cache hit")
	}
	if err := clinician.Invalidate(ctx, "Patient", "1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := clinician.Get(ctx, "Patient", "1"); ok {
		t.Error("expected entry to be invalidated")
	}
}

// ---------------------------------------------------------------------------
// authorize-url
// ---------------------------------------------------------------------------

func TestPrintAuthorizeURL(t *testing.T) {
	var out bytes.Buffer
	if err := printAuthorizeURL(testConfig(), "patient", "", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"client_id=abc",
		"redirect_uri=http%3A%2F%2Fx%2Fcb",
		"scope=patient%2FPatient.read",
		"code_challenge_method=S256",
		"state: ",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "code_verifier") {
		t.Error("verifier must never be printed")
	}

	if err := printAuthorizeURL(testConfig(), "admin", "", &out); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for unknown identity, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// export
// ---------------------------------------------------------------------------

func TestExportScope(t *testing.T) {
	scope, err := exportScope(exportOptions{
		Level: "Patient",
		Types: []string{"Patient,Observation", " Condition "},
		Since: "2024-01-02T03:04:05Z",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scope.Level != fhir.ExportLevelPatient {
		t.Errorf("expected patient level, got %q", scope.Level)
	}
	if strings.Join(scope.Types, ",") != "Patient,Observation,Condition" {
		t.Errorf("unexpected types %v", scope.Types)
	}
	if scope.Since == nil || !scope.Since.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("unexpected since %v", scope.Since)
	}

	invalid := []exportOptions{
		{Level: "everything"},
		{Level: "group"},
		{Level: "system", Since: "yesterday"},
	}
	for _, opts := range invalid {
		if _, err := exportScope(opts); !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("exportScope(%+v): expected validation error, got %v", opts, err)
		}
	}
}

func TestPollDelay(t *testing.T) {
	if got := pollDelay(fhir.ExportJob{}, 5*time.Second); got != 5*time.Second {
		t.Errorf("expected interval, got %v", got)
	}
	if got := pollDelay(fhir.ExportJob{RetryAfter: 30 * time.Second}, 5*time.Second); got != 30*time.Second {
		t.Errorf("expected server delay, got %v", got)
	}
	if got := pollDelay(fhir.ExportJob{RetryAfter: time.Second}, 5*time.Second); got != 5*time.Second {
		t.Errorf("shorter server delay must not speed up polling, got %v", got)
	}
}

func TestRunExport_Mock(t *testing.T) {
	a := newTestApp(t)
	a.clients[config.Clinician].Backend().(*fhir.MockBackend).SetExportPolls(1)

	dir := t.TempDir()
	var out bytes.Buffer
	err := runExport(context.Background(), a, exportOptions{
		Identity: "clinician",
		Level:    "system",
		Types:    []string{"Patient,Observation"},
		OutDir:   dir,
	}, &out)
	if err != nil {
		t.Fatalf("runExport: %v", err)
	}

	manifest, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if !json.Valid(manifest) {
		t.Errorf("manifest is not JSON: %s", manifest)
	}

	f, err := os.Open(filepath.Join(dir, "Patient.ndjson"))
	if err != nil {
		t.Fatalf("open Patient.ndjson: %v", err)
	}
	defer f.Close()
	patients, err := fhir.ReadNDJSON(f)
	if err != nil {
		t.Fatalf("read ndjson: %v", err)
	}
	if len(patients) != 1 || patients[0].ID() != fhir.SamplePatientID {
		t.Errorf("unexpected exported patients %v", patients)
	}
	if _, err := os.Stat(filepath.Join(dir, "Observation.ndjson")); err != nil {
		t.Errorf("expected Observation.ndjson: %v", err)
	}
	if !strings.Contains(out.String(), "Export started") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestWriteExportFiles_RejectsUnsafeType(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	for _, bad := range []string{"../../x", "Patient/../x", "", "patient"} {
		_, err := writeExportFiles(out, map[string][]fhir.Resource{
			bad: {{"resourceType": "Patient", "id": "p1"}},
		})
		if !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("writeExportFiles(%q): expected validation error, got %v", bad, err)
		}
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("expected nothing written, found %d entries", len(entries))
	}

	if err := os.MkdirAll(out, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files, err := writeExportFiles(out, map[string][]fhir.Resource{
		"Encounter": {{"resourceType": "Encounter", "id": "e1"}},
	})
	if err != nil || len(files) != 1 || files[0].Path != filepath.Join(out, "Encounter.ndjson") {
		t.Errorf("expected Encounter.ndjson, got %+v, %v", files, err)
	}
}

func TestRunExport_Cancelled(t *testing.T) {
	a := newTestApp(t)
	a.clients[config.Clinician].Backend().(*fhir.MockBackend).SetExportPolls(100)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := runExport(ctx, a, exportOptions{
		Identity: "clinician",
		OutDir:   t.TempDir(),
		Interval: 5 * time.Millisecond,
	}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestExportToken(t *testing.T) {
	a := &app{cfg: &config.Config{}}
	if _, err := a.exportToken(""); !apperr.Is(err, apperr.KindUnauthenticated) {
		t.Errorf("expected unauthenticated error, got %v", err)
	}
	if tok, _ := a.exportToken("explicit"); tok != "explicit" {
		t.Errorf("expected explicit token, got %q", tok)
	}
	a.cfg.UseMockData = true
	if tok, _ := a.exportToken(""); tok != mockAccessToken {
		t.Errorf("expected mock token, got %q", tok)
	}
}

func TestApp_CleanupAndStores(t *testing.T) {
	a := newTestApp(t)
	if len(a.cleanups) != 2 {
		t.Fatalf("expected cache and memory store cleanups, got %d", len(a.cleanups))
	}
	a.cleanup(context.Background())

	cfg := testConfig()
	cfg.SessionDBPath = filepath.Join(t.TempDir(), "sessions.db")
	bolt, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp with bbolt store: %v", err)
	}
	if err := bolt.store.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	bolt.cleanup(context.Background())
	bolt.Close()
}

func TestNewApp_RequiresKeyOutsideMock(t *testing.T) {
	cfg := testConfig()
	cfg.UseMockData = false
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if !apperr.Is(err, apperr.KindConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if a != nil {
		t.Error("expected no app on failure")
	}
}

func TestNewApp_InvalidClientOutsideMock(t *testing.T) {
	cfg := testConfig()
	cfg.UseMockData = false
	cfg.TokenEncryptionKey = strings.Repeat("k", 32)
	ic, err := cfg.Identity(config.Patient)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	ic.ClientID = ""
	cfg.SetIdentity(ic)

	if _, err := newApp(context.Background(), cfg, zerolog.Nop()); !apperr.Is(err, apperr.KindConfiguration) {
		t.Errorf("expected configuration error for missing client id, got %v", err)
	}
}

func TestNewApp_FailureReleasesStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	cfg := &config.Config{
		Env:                "test",
		UseMockData:        true,
		TokenKeyGeneration: 1,
		HTTPTimeout:        time.Second,
		SessionDBPath:      path,
	}
	// No identities are configured, so construction fails after the session
	// store has been opened.
	if _, err := newApp(context.Background(), cfg, zerolog.Nop()); !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	store, err := auth.OpenBoltSessionStore(path)
	if err != nil {
		t.Fatalf("session db still locked after failed start: %v", err)
	}
	store.Close()
}
