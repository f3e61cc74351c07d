package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ehr/epicconnect/internal/platform/apperr"
)

const testKey = "0123456789abcdef0123456789abcdef"

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func liveEnv() map[string]string {
	return map[string]string{
		"TOKEN_ENCRYPTION_KEY":   testKey,
		"PATIENT_CLIENT_ID":      "patient-app",
		"PATIENT_REDIRECT_URI":   "http://localhost:3000/auth/patient/callback",
		"CLINICIAN_CLIENT_ID":    "clinician-app",
		"CLINICIAN_REDIRECT_URI": "http://localhost:3000/auth/clinician/callback",
	}
}

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("PORT")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "3000" {
		t.Errorf("expected default port 3000, got %s", cfg.Port)
	}
	if cfg.FHIRMaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", cfg.FHIRMaxRetries)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %s", cfg.HTTPTimeout)
	}
	if cfg.ExportPollInterval != 5*time.Second {
		t.Errorf("expected default poll interval 5s, got %s", cfg.ExportPollInterval)
	}
	if cfg.APIRateLimitRPS != 10 || cfg.APIRateLimitBurst != 20 {
		t.Errorf("expected default API rate limit 10/20, got %v/%d", cfg.APIRateLimitRPS, cfg.APIRateLimitBurst)
	}

	ic, err := cfg.Identity(Patient)
	if err != nil {
		t.Fatalf("Identity(patient): %v", err)
	}
	if ic.AuthorizeURL != DefaultAuthorizeURL {
		t.Errorf("expected default authorize URL, got %s", ic.AuthorizeURL)
	}
	if len(ic.Scopes) == 0 {
		t.Error("expected default patient scopes")
	}
	if ic.PostLoginPath != "/patient/dashboard" {
		t.Errorf("expected default post-login path, got %s", ic.PostLoginPath)
	}
}

func TestLoad_PerIdentityOverrides(t *testing.T) {
	env := liveEnv()
	env["CLINICIAN_SCOPES"] = "openid,user/Patient.read"
	env["CLINICIAN_FHIR_BASE_URL"] = "https://clinician.example.com/fhir/"
	setEnv(t, env)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ic, _ := cfg.Identity(Clinician)
	if strings.Join(ic.Scopes, " ") != "openid user/Patient.read" {
		t.Errorf("unexpected scopes %v", ic.Scopes)
	}
	if ic.FHIRBaseURL != "https://clinician.example.com/fhir/" {
		t.Errorf("expected override base URL, got %s", ic.FHIRBaseURL)
	}
	pc, _ := cfg.Identity(Patient)
	if pc.FHIRBaseURL != DefaultFHIRBaseURL {
		t.Errorf("patient base URL should fall back to shared default, got %s", pc.FHIRBaseURL)
	}
}

func TestValidate_LiveRequiresClientConfig(t *testing.T) {
	setEnv(t, map[string]string{"TOKEN_ENCRYPTION_KEY": testKey, "USE_MOCK_DATA": "false"})
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = cfg.Validate()
	if !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestValidate_ShortKey(t *testing.T) {
	env := liveEnv()
	env["TOKEN_ENCRYPTION_KEY"] = "too-short"
	setEnv(t, env)
	cfg, _ := Load()
	if err := cfg.Validate(); !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("expected configuration error for short key, got %v", err)
	}
}

func TestValidate_LiveOK(t *testing.T) {
	setEnv(t, liveEnv())
	cfg, _ := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidate_MockModeAllowsMissingClients(t *testing.T) {
	setEnv(t, map[string]string{"USE_MOCK_DATA": "true"})
	os.Unsetenv("TOKEN_ENCRYPTION_KEY")
	cfg, _ := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("mock mode should not require client config: %v", err)
	}
}

func TestPreviousKeys(t *testing.T) {
	c := &Config{
		TokenKeyGeneration: 3,
		TokenPreviousKeys:  "1:" + testKey + ", 2:" + strings.Repeat("k", 40),
	}
	keys, err := c.PreviousKeys()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 || keys[1] != testKey {
		t.Errorf("unexpected keys %v", keys)
	}

	c.TokenPreviousKeys = "3:" + testKey
	if _, err := c.PreviousKeys(); err == nil {
		t.Error("expected error when a previous key reuses the current generation")
	}
}

func TestParseIdentity(t *testing.T) {
	if id, err := ParseIdentity("Clinician"); err != nil || id != Clinician {
		t.Errorf("ParseIdentity(Clinician) = %q, %v", id, err)
	}
	if _, err := ParseIdentity("admin"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() || !c.IsProduction() {
		t.Error("expected production mode")
	}
}
