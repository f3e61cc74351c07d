package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ehr/epicconnect/internal/platform/apperr"
)

// Identity selects which SMART client registration a component works for.
type Identity string

const (
	Patient   Identity = "patient"
	Clinician Identity = "clinician"
)

// Identities lists every supported identity context.
var Identities = []Identity{Patient, Clinician}

// ParseIdentity converts a route or flag value into an Identity.
func ParseIdentity(s string) (Identity, error) {
	switch Identity(strings.ToLower(strings.TrimSpace(s))) {
	case Patient:
		return Patient, nil
	case Clinician:
		return Clinician, nil
	}
	return "", apperr.Validation("unknown identity %q", s)
}

// Epic sandbox endpoints used when nothing else is configured.
const (
	DefaultAuthorizeURL = "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/authorize"
	DefaultTokenURL     = "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/token"
	DefaultFHIRBaseURL  = "https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4/"
)

// MinKeyLength is the minimum length of TOKEN_ENCRYPTION_KEY.
const MinKeyLength = 32

var defaultScopes = map[Identity]string{
	Patient: "openid fhirUser launch/patient offline_access " +
		"patient/Patient.read patient/Appointment.read patient/Condition.read patient/Observation.read " +
		"patient/MedicationRequest.read patient/AllergyIntolerance.read patient/Immunization.read " +
		"patient/DocumentReference.read patient/ExplanationOfBenefit.read",
	Clinician: "openid fhirUser launch offline_access " +
		"user/Patient.read user/Patient.write user/Appointment.read user/Condition.read user/Condition.write " +
		"user/Observation.read user/Observation.write user/MedicationRequest.read user/AllergyIntolerance.read " +
		"user/Immunization.read user/DocumentReference.read user/ChargeItem.read",
}

// IdentityConfig is the resolved, immutable configuration of one SMART client.
type IdentityConfig struct {
	Identity      Identity `validate:"required,oneof=patient clinician"`
	ClientID      string   `validate:"required"`
	ClientSecret  string
	RedirectURI   string   `validate:"required,url"`
	AuthorizeURL  string   `validate:"required,url"`
	TokenURL      string   `validate:"required,url"`
	FHIRBaseURL   string   `validate:"required,url"`
	Scopes        []string `validate:"required,min=1"`
	PostLoginPath string
}

type Config struct {
	Env                string        `mapstructure:"ENV"`
	Port               string        `mapstructure:"PORT"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	UseMockData        bool          `mapstructure:"USE_MOCK_DATA"`
	TokenEncryptionKey string        `mapstructure:"TOKEN_ENCRYPTION_KEY"`
	TokenKeyGeneration int           `mapstructure:"TOKEN_KEY_GENERATION"`
	TokenPreviousKeys  string        `mapstructure:"TOKEN_PREVIOUS_KEYS"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	SessionDBPath      string        `mapstructure:"SESSION_DB_PATH"`
	HTTPTimeout        time.Duration `mapstructure:"HTTP_TIMEOUT"`
	FHIRMaxRetries     int           `mapstructure:"FHIR_MAX_RETRIES"`
	ExportPollInterval time.Duration `mapstructure:"EXPORT_POLL_INTERVAL"`
	EpicAuthorizeURL   string        `mapstructure:"EPIC_AUTHORIZE_URL"`
	EpicTokenURL       string        `mapstructure:"EPIC_TOKEN_URL"`
	EpicFHIRBaseURL    string        `mapstructure:"EPIC_FHIR_BASE_URL"`
	APIRateLimitRPS    float64       `mapstructure:"API_RATE_LIMIT_RPS"`
	APIRateLimitBurst  int           `mapstructure:"API_RATE_LIMIT_BURST"`

	identities map[Identity]IdentityConfig
}

var identityKeys = []string{
	"CLIENT_ID", "CLIENT_SECRET", "REDIRECT_URI", "SCOPES",
	"AUTHORIZE_URL", "TOKEN_URL", "FHIR_BASE_URL", "POST_LOGIN_PATH",
}

func envPrefix(id Identity) string {
	return strings.ToUpper(string(id)) + "_"
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("PORT", "3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("USE_MOCK_DATA", false)
	v.SetDefault("TOKEN_KEY_GENERATION", 1)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("FHIR_MAX_RETRIES", 3)
	v.SetDefault("EXPORT_POLL_INTERVAL", "5s")
	v.SetDefault("EPIC_AUTHORIZE_URL", DefaultAuthorizeURL)
	v.SetDefault("EPIC_TOKEN_URL", DefaultTokenURL)
	v.SetDefault("EPIC_FHIR_BASE_URL", DefaultFHIRBaseURL)
	v.SetDefault("API_RATE_LIMIT_RPS", 10)
	v.SetDefault("API_RATE_LIMIT_BURST", 20)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"ENV", "PORT", "LOG_LEVEL", "USE_MOCK_DATA",
		"TOKEN_ENCRYPTION_KEY", "TOKEN_KEY_GENERATION", "TOKEN_PREVIOUS_KEYS",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SESSION_DB_PATH",
		"HTTP_TIMEOUT", "FHIR_MAX_RETRIES", "EXPORT_POLL_INTERVAL",
		"EPIC_AUTHORIZE_URL", "EPIC_TOKEN_URL", "EPIC_FHIR_BASE_URL",
		"API_RATE_LIMIT_RPS", "API_RATE_LIMIT_BURST",
	} {
		v.BindEnv(key)
	}
	for _, id := range Identities {
		for _, key := range identityKeys {
			v.BindEnv(envPrefix(id) + key)
		}
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.identities = make(map[Identity]IdentityConfig, len(Identities))
	for _, id := range Identities {
		p := envPrefix(id)
		scopes := v.GetString(p + "SCOPES")
		if scopes == "" {
			scopes = defaultScopes[id]
		}
		cfg.identities[id] = IdentityConfig{
			Identity:      id,
			ClientID:      v.GetString(p + "CLIENT_ID"),
			ClientSecret:  v.GetString(p + "CLIENT_SECRET"),
			RedirectURI:   v.GetString(p + "REDIRECT_URI"),
			AuthorizeURL:  firstNonEmpty(v.GetString(p+"AUTHORIZE_URL"), cfg.EpicAuthorizeURL),
			TokenURL:      firstNonEmpty(v.GetString(p+"TOKEN_URL"), cfg.EpicTokenURL),
			FHIRBaseURL:   firstNonEmpty(v.GetString(p+"FHIR_BASE_URL"), cfg.EpicFHIRBaseURL),
			Scopes:        SplitScopes(scopes),
			PostLoginPath: firstNonEmpty(v.GetString(p+"POST_LOGIN_PATH"), "/"+string(id)+"/dashboard"),
		}
	}

	return cfg, nil
}

// SetIdentity overrides the configuration of one identity. It is used by
// tests and by the CLI when flags take precedence over the environment.
func (c *Config) SetIdentity(ic IdentityConfig) {
	if c.identities == nil {
		c.identities = make(map[Identity]IdentityConfig)
	}
	c.identities[ic.Identity] = ic
}

// Identity returns the configuration for id. The returned value is a copy.
func (c *Config) Identity(id Identity) (IdentityConfig, error) {
	ic, ok := c.identities[id]
	if !ok {
		return IdentityConfig{}, apperr.Configuration("no configuration for identity %q", id)
	}
	ic.Scopes = append([]string(nil), ic.Scopes...)
	return ic, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when running with ENV=production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside mock mode
// every identity must have a client id, redirect URI and endpoints, and the
// token encryption key must be at least MinKeyLength characters.
func (c *Config) Validate() error {
	if c.FHIRMaxRetries < 0 {
		return apperr.Configuration("FHIR_MAX_RETRIES must not be negative, got %d", c.FHIRMaxRetries)
	}
	if c.HTTPTimeout <= 0 {
		return apperr.Configuration("HTTP_TIMEOUT must be positive")
	}
	if c.TokenKeyGeneration < 1 {
		return apperr.Configuration("TOKEN_KEY_GENERATION must be >= 1, got %d", c.TokenKeyGeneration)
	}
	if _, err := c.PreviousKeys(); err != nil {
		return err
	}

	if c.UseMockData {
		if c.TokenEncryptionKey != "" && len(c.TokenEncryptionKey) < MinKeyLength {
			return apperr.Configuration("TOKEN_ENCRYPTION_KEY must be at least %d characters", MinKeyLength)
		}
		return nil
	}

	if len(c.TokenEncryptionKey) < MinKeyLength {
		return apperr.Configuration("TOKEN_ENCRYPTION_KEY must be at least %d characters", MinKeyLength)
	}

	validate := validator.New()
	for _, id := range Identities {
		ic, err := c.Identity(id)
		if err != nil {
			return err
		}
		if err := validate.Struct(ic); err != nil {
			return apperr.Wrap(apperr.KindConfiguration, err, fmt.Sprintf("%s client configuration is invalid", id))
		}
	}
	return nil
}

// PreviousKeys parses TOKEN_PREVIOUS_KEYS ("gen:secret,gen:secret") into a
// generation -> secret map.
func (c *Config) PreviousKeys() (map[int]string, error) {
	keys := make(map[int]string)
	if strings.TrimSpace(c.TokenPreviousKeys) == "" {
		return keys, nil
	}
	for _, part := range strings.Split(c.TokenPreviousKeys, ",") {
		genStr, secret, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, apperr.Configuration("TOKEN_PREVIOUS_KEYS entry must be gen:secret")
		}
		gen, err := strconv.Atoi(genStr)
		if err != nil || gen < 1 {
			return nil, apperr.Configuration("TOKEN_PREVIOUS_KEYS has invalid generation %q", genStr)
		}
		if gen == c.TokenKeyGeneration {
			return nil, apperr.Configuration("TOKEN_PREVIOUS_KEYS reuses current generation %d", gen)
		}
		if len(secret) < MinKeyLength {
			return nil, apperr.Configuration("previous key generation %d is shorter than %d characters", gen, MinKeyLength)
		}
		keys[gen] = secret
	}
	return keys, nil
}

// SplitScopes accepts space- or comma-separated scope lists.
func SplitScopes(s string) []string {
	return strings.Fields(strings.ReplaceAll(s, ",", " "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
