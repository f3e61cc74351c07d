package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/epicconnect/internal/platform/apperr"
	"github.com/ehr/epicconnect/internal/platform/hipaa"
)

// ExportState is the state of a bulk export job.
type ExportState string

const (
	ExportIdle       ExportState = "idle"
	ExportInProgress ExportState = "in-progress"
	ExportComplete   ExportState = "complete"
	ExportFailed     ExportState = "failed"
)

// Export levels.
const (
	ExportLevelSystem  = "system"
	ExportLevelPatient = "patient"
	ExportLevelGroup   = "group"
)

// maxFetchConcurrency bounds parallel output file downloads.
const maxFetchConcurrency = 4

// ExportScope selects what a kick-off exports.
type ExportScope struct {
	Level   string     `json:"level,omitempty" validate:"omitempty,oneof=system patient group"`
	GroupID string     `json:"groupId,omitempty" validate:"required_if=Level group"`
	Types   []string   `json:"types,omitempty" validate:"dive,required"`
	Since   *time.Time `json:"since,omitempty"`
}

func (s ExportScope) path() (string, error) {
	switch s.Level {
	case "", ExportLevelSystem:
		return "$export", nil
	case ExportLevelPatient:
		return "Patient/$export", nil
	case ExportLevelGroup:
		if s.GroupID == "" {
			return "", apperr.Validation("group export requires a group id")
		}
		return "Group/" + url.PathEscape(s.GroupID) + "/$export", nil
	default:
		return "", apperr.Validation("unknown export level %q", s.Level)
	}
}

func (s ExportScope) query() url.Values {
	q := url.Values{}
	if len(s.Types) > 0 {
		q.Set("_type", strings.Join(s.Types, ","))
	}
	if s.Since != nil {
		q.Set("_since", s.Since.UTC().Format(time.RFC3339))
	}
	return q
}

// ExportManifest is the completed-job body of a status poll.
type ExportManifest struct {
	TransactionTime     string         `json:"transactionTime,omitempty"`
	Request             string         `json:"request,omitempty"`
	RequiresAccessToken bool           `json:"requiresAccessToken"`
	Output              []ExportOutput `json:"output"`
	Error               []ExportOutput `json:"error,omitempty"`
}

// ExportOutput is one output file listed in a manifest.
type ExportOutput struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count *int   `json:"count,omitempty"`
}

// ExportJob is the caller-owned state of one export. The orchestrator never
// retains it; each transition returns an updated copy.
type ExportJob struct {
	State     ExportState `json:"state"`
	Scope     ExportScope `json:"scope"`
	StatusURL string      `json:"statusUrl,omitempty"`
	Progress  string      `json:"progress,omitempty"`
	// RetryAfter is the server's suggested delay before the next poll.
	RetryAfter time.Duration   `json:"retryAfter,omitempty"`
	Manifest   *ExportManifest `json:"manifest,omitempty"`
	// ManifestRaw is the final status body exactly as received.
	ManifestRaw json.RawMessage `json:"manifestRaw,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt,omitempty"`
}

// Exporter drives the bulk export state machine. It owns no timer: the
// caller decides when to poll, and stops a job by no longer polling it.
type Exporter struct {
	backend Backend
	auditor hipaa.Auditor
	logger  zerolog.Logger
	now     func() time.Time
}

// NewExporter creates an Exporter over backend.
func NewExporter(backend Backend, auditor hipaa.Auditor, logger zerolog.Logger) *Exporter {
	if auditor == nil {
		auditor = hipaa.NopAuditor{}
	}
	return &Exporter{
		backend: backend,
		auditor: auditor,
		logger:  logger.With().Str("component", "export").Logger(),
		now:     time.Now,
	}
}

// KickOff starts an export. The server must answer 202 with a
// Content-Location header; anything else is a MalformedKickoff error and
// the job stays Idle.
func (x *Exporter) KickOff(ctx context.Context, accessToken string, scope ExportScope) (ExportJob, error) {
	job := ExportJob{State: ExportIdle, Scope: scope}

	resp, err := x.backend.KickOffExport(ctx, accessToken, scope)
	if err != nil {
		x.audit(ctx, "export.kickoff", 0, err)
		return job, err
	}
	if resp.Status != http.StatusAccepted {
		err := apperr.MalformedKickoff(resp.Status, kickoffDiagnostics(resp))
		x.audit(ctx, "export.kickoff", resp.Status, err)
		return job, err
	}
	if resp.ContentLocation == "" {
		err := apperr.MalformedKickoff(resp.Status, "kick-off response has no Content-Location header")
		x.audit(ctx, "export.kickoff", resp.Status, err)
		return job, err
	}

	now := x.now().UTC()
	job.State = ExportInProgress
	job.StatusURL = resp.ContentLocation
	job.RetryAfter = resp.RetryAfter
	job.StartedAt = now
	job.UpdatedAt = now
	x.audit(ctx, "export.kickoff", resp.Status, nil)
	x.logger.Info().Str("level", scope.Level).Strs("types", scope.Types).Msg("bulk export started")
	return job, nil
}

// PollStatus advances an InProgress job by one status request. 202 keeps it
// InProgress with the X-Progress text, 200 completes it with the manifest
// and any other status fails it with BulkExportFailed. Transport errors are
// returned without changing the job so the caller can poll again.
func (x *Exporter) PollStatus(ctx context.Context, accessToken string, job ExportJob) (ExportJob, error) {
	if job.State != ExportInProgress {
		return job, apperr.Validation("export job is %s, not in progress", job.State)
	}
	if job.StatusURL == "" {
		return job, apperr.Validation("export job has no status URL")
	}

	resp, err := x.backend.ExportStatus(ctx, accessToken, job.StatusURL)
	if err != nil {
		x.audit(ctx, "export.status", 0, err)
		return job, err
	}

	job.UpdatedAt = x.now().UTC()
	job.RetryAfter = resp.RetryAfter

	switch resp.Status {
	case http.StatusAccepted:
		job.Progress = resp.Progress
		x.audit(ctx, "export.status", resp.Status, nil)
		x.logger.Debug().Str("progress", resp.Progress).Msg("bulk export in progress")
		return job, nil

	case http.StatusOK:
		var manifest ExportManifest
		if err := json.Unmarshal(resp.Body, &manifest); err != nil {
			failure := apperr.BulkExportFailed(resp.Status, "invalid manifest: "+err.Error())
			job.State = ExportFailed
			job.Error = failure.Error()
			x.audit(ctx, "export.status", resp.Status, failure)
			return job, failure
		}
		job.State = ExportComplete
		job.Progress = ""
		job.Manifest = &manifest
		job.ManifestRaw = append(json.RawMessage(nil), resp.Body...)
		x.audit(ctx, "export.status", resp.Status, nil)
		x.logger.Info().Int("outputs", len(manifest.Output)).Msg("bulk export complete")
		return job, nil

	default:
		failure := apperr.BulkExportFailed(resp.Status, string(bytes.TrimSpace(resp.Body)))
		job.State = ExportFailed
		job.Error = failure.Error()
		x.audit(ctx, "export.status", resp.Status, failure)
		x.logger.Warn().Int("status", resp.Status).Msg("bulk export failed")
		return job, failure
	}
}

// FetchOutput downloads one output file and parses it as NDJSON.
func (x *Exporter) FetchOutput(ctx context.Context, accessToken string, output ExportOutput) ([]Resource, error) {
	data, err := x.backend.ExportFile(ctx, accessToken, output.URL)
	if err != nil {
		return nil, err
	}
	return ReadNDJSON(bytes.NewReader(data))
}

// FetchAll downloads every output file of a complete job concurrently and
// groups the resources by type. The first failure cancels the rest.
func (x *Exporter) FetchAll(ctx context.Context, accessToken string, job ExportJob) (map[string][]Resource, error) {
	if job.State != ExportComplete || job.Manifest == nil {
		return nil, apperr.Validation("export job is %s, not complete", job.State)
	}

	var mu sync.Mutex
	out := make(map[string][]Resource)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFetchConcurrency)
	for _, o := range job.Manifest.Output {
		o := o
		g.Go(func() error {
			resources, err := x.FetchOutput(gctx, accessToken, o)
			if err != nil {
				return err
			}
			mu.Lock()
			out[o.Type] = append(out[o.Type], resources...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (x *Exporter) audit(ctx context.Context, action string, status int, err error) {
	event := hipaa.AuditEvent{
		Category: hipaa.CategoryExport,
		Action:   action,
		Status:   status,
		Outcome:  hipaa.OutcomeSuccess,
	}
	if err != nil {
		event.Outcome = hipaa.OutcomeFailure
		event.ErrorKind = string(apperr.KindOf(err))
		if ae, ok := apperr.As(err); ok && event.Status == 0 {
			event.Status = ae.Status
		}
	}
	x.auditor.Record(ctx, event)
}

func kickoffDiagnostics(resp *ExportResponse) string {
	if msg, ok := OutcomeDiagnostics(resp.Body); ok {
		return msg
	}
	return errorDiagnostics(resp.Status, resp.Body)
}
