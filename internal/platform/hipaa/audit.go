package hipaa

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Audit categories.
const (
	CategoryAuth   = "auth"
	CategoryFHIR   = "fhir"
	CategoryExport = "export"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent records the metadata of one terminal outcome. It never carries
// token values, authorization codes, verifiers or clinical payloads.
type AuditEvent struct {
	ID               string        `json:"id"`
	Timestamp        time.Time     `json:"timestamp"`
	Category         string        `json:"category"`
	Action           string        `json:"action"`
	Outcome          string        `json:"outcome"`
	Identity         string        `json:"identity,omitempty"`
	Method           string        `json:"method,omitempty"`
	Endpoint         string        `json:"endpoint,omitempty"`
	Status           int           `json:"status,omitempty"`
	ResourceType     string        `json:"resource_type,omitempty"`
	Scope            string        `json:"scope,omitempty"`
	PatientContext   string        `json:"patient_context,omitempty"`
	EncounterContext string        `json:"encounter_context,omitempty"`
	FHIRUser         string        `json:"fhir_user,omitempty"`
	ErrorKind        string        `json:"error_kind,omitempty"`
	Attempts         int           `json:"attempts,omitempty"`
	Duration         time.Duration `json:"duration,omitempty"`
}

// Auditor receives audit events. Implementations must not block the caller
// on failure; a failed write is logged, never returned.
type Auditor interface {
	Record(ctx context.Context, event AuditEvent)
}

// AuditorFunc is a function adapter for Auditor.
type AuditorFunc func(ctx context.Context, event AuditEvent)

func (f AuditorFunc) Record(ctx context.Context, event AuditEvent) {
	f(ctx, event)
}

// NopAuditor discards every event.
type NopAuditor struct{}

func (NopAuditor) Record(context.Context, AuditEvent) {}

// MultiAuditor fans an event out to several auditors in order.
type MultiAuditor []Auditor

func (m MultiAuditor) Record(ctx context.Context, event AuditEvent) {
	for _, a := range m {
		a.Record(ctx, event)
	}
}

func stamp(event *AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
}

// ---------------------------------------------------------------------------
// LogAuditor
// ---------------------------------------------------------------------------

// LogAuditor writes audit events as structured zerolog entries.
type LogAuditor struct {
	logger zerolog.Logger
}

// NewLogAuditor creates an auditor that logs under the "audit" component.
func NewLogAuditor(logger zerolog.Logger) *LogAuditor {
	return &LogAuditor{logger: logger.With().Str("component", "audit").Logger()}
}

func (a *LogAuditor) Record(_ context.Context, event AuditEvent) {
	stamp(&event)

	evt := a.logger.Info()
	if event.Outcome == OutcomeFailure {
		evt = a.logger.Warn()
	}
	evt.
		Str("audit_id", event.ID).
		Time("recorded", event.Timestamp).
		Str("category", event.Category).
		Str("action", event.Action).
		Str("outcome", event.Outcome).
		Str("identity", event.Identity).
		Str("method", event.Method).
		Str("endpoint", event.Endpoint).
		Int("status", event.Status).
		Str("resource_type", event.ResourceType).
		Str("scope", event.Scope).
		Str("patient_context", event.PatientContext).
		Str("encounter_context", event.EncounterContext).
		Str("fhir_user", event.FHIRUser).
		Str("error_kind", event.ErrorKind).
		Int("attempts", event.Attempts).
		Dur("duration", event.Duration).
		Msg("audit event")
}

// ---------------------------------------------------------------------------
// PGAuditor
// ---------------------------------------------------------------------------

// MigrationAuditEvents is the SQL DDL for the client_audit_event table. It is
// safe to execute multiple times.
const MigrationAuditEvents = `
CREATE TABLE IF NOT EXISTS client_audit_event (
    id                TEXT PRIMARY KEY,
    recorded          TIMESTAMPTZ NOT NULL,
    category          TEXT NOT NULL,
    action            TEXT NOT NULL,
    outcome           TEXT NOT NULL,
    identity          TEXT,
    method            TEXT,
    endpoint          TEXT,
    status            INTEGER,
    resource_type     TEXT,
    scope             TEXT,
    patient_context   TEXT,
    encounter_context TEXT,
    fhir_user         TEXT,
    error_kind        TEXT,
    attempts          INTEGER,
    duration_ms       BIGINT
);

CREATE INDEX IF NOT EXISTS idx_client_audit_event_recorded
    ON client_audit_event (recorded);
`

// pgExecer is the minimal database interface required by PGAuditor.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

type poolExecer struct {
	pool *pgxpool.Pool
}

func (p poolExecer) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := p.pool.Exec(ctx, sql, args...)
	return err
}

// PGAuditor persists audit events to PostgreSQL.
type PGAuditor struct {
	db     pgExecer
	logger zerolog.Logger
}

// NewPGAuditor creates an auditor backed by the given pool.
func NewPGAuditor(pool *pgxpool.Pool, logger zerolog.Logger) *PGAuditor {
	return &PGAuditor{db: poolExecer{pool: pool}, logger: logger}
}

func (a *PGAuditor) Record(ctx context.Context, event AuditEvent) {
	stamp(&event)

	const query = `
		INSERT INTO client_audit_event (
			id, recorded, category, action, outcome, identity, method, endpoint,
			status, resource_type, scope, patient_context, encounter_context,
			fhir_user, error_kind, attempts, duration_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

	// Audit writes outlive a cancelled request.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := a.db.Exec(writeCtx, query,
		event.ID, event.Timestamp, event.Category, event.Action, event.Outcome,
		event.Identity, event.Method, event.Endpoint, event.Status, event.ResourceType,
		event.Scope, event.PatientContext, event.EncounterContext, event.FHIRUser,
		event.ErrorKind, event.Attempts, event.Duration.Milliseconds(),
	)
	if err != nil {
		a.logger.Error().Err(err).Str("audit_id", event.ID).Str("action", event.Action).Msg("failed to persist audit event")
	}
}
