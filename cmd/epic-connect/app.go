package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/epicconnect/internal/config"
	"github.com/ehr/epicconnect/internal/platform/apperr"
	"github.com/ehr/epicconnect/internal/platform/auth"
	"github.com/ehr/epicconnect/internal/platform/db"
	"github.com/ehr/epicconnect/internal/platform/fhir"
	"github.com/ehr/epicconnect/internal/platform/hipaa"
	"github.com/ehr/epicconnect/internal/platform/middleware"
)

// mockAccessToken stands in for a session token when USE_MOCK_DATA is set.
const mockAccessToken = "mock-access-token"

const janitorInterval = time.Minute

// app holds every long-lived dependency of the process. It is built once in
// newApp and torn down with Close.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool     *pgxpool.Pool
	store    auth.SessionStore
	cipher   *hipaa.TokenCipher
	auditor  hipaa.Auditor
	sessions *auth.SessionManager
	clients  map[config.Identity]*fhir.Client

	cleanups []func(ctx context.Context) error
	closers  []func()
}

func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// resolveTokenKey returns the configured token key. In mock mode a missing
// key is replaced with a random one; the second return value reports that.
func resolveTokenKey(cfg *config.Config) (string, bool, error) {
	if cfg.TokenEncryptionKey != "" {
		return cfg.TokenEncryptionKey, false, nil
	}
	if !cfg.UseMockData {
		return "", false, apperr.Configuration("TOKEN_ENCRYPTION_KEY is required")
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", false, fmt.Errorf("generate ephemeral token key: %w", err)
	}
	return hex.EncodeToString(key), true, nil
}

func appMigrations() []db.Migration {
	return []db.Migration{
		{Version: 1, Name: "smart_sessions", SQL: auth.MigrationSessions},
		{Version: 2, Name: "client_audit_event", SQL: hipaa.MigrationAuditEvents},
	}
}

// newApp builds the process dependencies. On failure everything acquired so
// far is released before the error is returned.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	if err := cfg.Validate(); err != nil {
		return err
	}

	secret, ephemeral, err := resolveTokenKey(cfg)
	if err != nil {
		return err
	}
	if ephemeral {
		logger.Warn().Msg("TOKEN_ENCRYPTION_KEY not set; using an ephemeral key, sessions will not survive a restart")
	}
	previous, err := cfg.PreviousKeys()
	if err != nil {
		return err
	}
	if a.cipher, err = hipaa.NewTokenCipher(secret, cfg.TokenKeyGeneration, previous); err != nil {
		return err
	}

	auditors := hipaa.MultiAuditor{hipaa.NewLogAuditor(logger)}
	if cfg.DatabaseURL != "" {
		if a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger); err != nil {
			return err
		}
		a.closers = append(a.closers, a.pool.Close)

		migrator, err := db.NewMigrator(a.pool, logger, appMigrations()...)
		if err != nil {
			return err
		}
		if _, err := migrator.Up(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		auditors = append(auditors, hipaa.NewPGAuditor(a.pool, logger))
	}
	a.auditor = auditors

	if err := a.openStore(); err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	var oauthClients []*auth.Client
	a.clients = make(map[config.Identity]*fhir.Client, len(config.Identities))

	// One mock backend serves both identities so data written as a clinician
	// is visible to the patient view.
	var mock *fhir.MockBackend
	if cfg.UseMockData {
		mock = fhir.NewMockBackend(true, logger)
		logger.Warn().Msg("USE_MOCK_DATA enabled; FHIR calls are served from memory")
	}

	cache := fhir.NewMemoryCache(0)
	a.cleanups = append(a.cleanups, func(context.Context) error {
		cache.Cleanup()
		return nil
	})

	for _, id := range config.Identities {
		ic, err := cfg.Identity(id)
		if err != nil {
			return err
		}
		oauthClients = append(oauthClients, auth.NewClient(ic, httpClient, a.auditor, logger))

		var backend fhir.Backend
		if mock != nil {
			backend = mock
		} else {
			backend = fhir.NewLiveBackend(fhir.NewEngine(fhir.EngineConfig{
				BaseURL:    ic.FHIRBaseURL,
				HTTPClient: httpClient,
				MaxRetries: cfg.FHIRMaxRetries,
				Identity:   string(id),
				Auditor:    a.auditor,
				Logger:     logger,
			}))
		}
		a.clients[id] = fhir.NewClient(backend, identityCache{id: id, cache: cache}, a.auditor, logger)
	}

	a.sessions = auth.NewSessionManager(a.store, a.cipher, logger, oauthClients...)
	return nil
}

// openStore picks PostgreSQL when a pool exists, then bbolt when
// SESSION_DB_PATH is set, else memory.
func (a *app) openStore() error {
	switch {
	case a.pool != nil:
		s := auth.NewPGSessionStoreFromPool(a.pool)
		a.store = s
		a.cleanups = append(a.cleanups, s.Cleanup)
		a.logger.Info().Str("store", "postgres").Msg("session store ready")
	case a.cfg.SessionDBPath != "":
		s, err := auth.OpenBoltSessionStore(a.cfg.SessionDBPath)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, func() {
			if err := s.Close(); err != nil {
				a.logger.Error().Err(err).Msg("close session store")
			}
		})
		a.cleanups = append(a.cleanups, func(context.Context) error { return s.Cleanup() })
		a.logger.Info().Str("store", "bbolt").Str("path", a.cfg.SessionDBPath).Msg("session store ready")
	default:
		s := auth.NewMemorySessionStore()
		a.store = s
		a.cleanups = append(a.cleanups, func(context.Context) error {
			s.Cleanup()
			return nil
		})
		a.logger.Info().Str("store", "memory").Msg("session store ready")
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// runJanitor evicts expired sessions and cache entries until ctx is done.
func (a *app) runJanitor(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cleanup(ctx)
		}
	}
}

func (a *app) cleanup(ctx context.Context) {
	for _, fn := range a.cleanups {
		if err := fn(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("cleanup failed")
		}
	}
}

// tokenSource resolves the caller's session token. In mock mode a request
// without a session gets a placeholder token instead of a 401.
func (a *app) tokenSource(authHandler *auth.Handler) fhir.TokenSource {
	return func(c echo.Context, id config.Identity) (string, error) {
		token, err := authHandler.AccessToken(c, id)
		if err != nil && a.cfg.UseMockData && apperr.Is(err, apperr.KindUnauthenticated) {
			return mockAccessToken, nil
		}
		return token, err
	}
}

func (a *app) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders(a.cfg.IsProduction()))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "ok",
			"mock":   a.cfg.UseMockData,
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool, a.logger))
	}

	authHandler := auth.NewHandler(a.sessions, a.cfg.IsProduction(), a.logger)
	authHandler.RegisterRoutes(e)

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.APIRateLimitRPS,
		BurstSize:         a.cfg.APIRateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 || rateLimitCfg.BurstSize <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api := e.Group("/api")
	api.Use(middleware.RateLimit(rateLimitCfg))
	api.Use(authHandler.RequireScope())
	fhir.NewHandler(a.clients, a.tokenSource(authHandler), a.logger).RegisterRoutes(api)

	return e
}

// identityCache keeps the two identities' cached reads apart: a clinician
// may see fields a patient-scoped token cannot.
type identityCache struct {
	id    config.Identity
	cache fhir.Cache
}

func (c identityCache) Get(ctx context.Context, resourceType, id string) (fhir.Resource, bool, error) {
	return c.cache.Get(ctx, string(c.id)+":"+resourceType, id)
}

func (c identityCache) Put(ctx context.Context, resourceType, id string, resource fhir.Resource) error {
	return c.cache.Put(ctx, string(c.id)+":"+resourceType, id, resource)
}

func (c identityCache) Invalidate(ctx context.Context, resourceType, id string) error {
	return c.cache.Invalidate(ctx, string(c.id)+":"+resourceType, id)
}
