package hipaa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingExecer struct {
	sql  []string
	args [][]any
	err  error
}

func (r *recordingExecer) Exec(_ context.Context, sql string, args ...any) error {
	r.sql = append(r.sql, sql)
	r.args = append(r.args, args)
	return r.err
}

func TestLogAuditor_Record(t *testing.T) {
	var buf bytes.Buffer
	a := NewLogAuditor(zerolog.New(&buf))

	a.Record(context.Background(), AuditEvent{
		Category:     CategoryFHIR,
		Action:       "fhir.read",
		Outcome:      OutcomeSuccess,
		Identity:     "patient",
		Method:       "GET",
		Endpoint:     "https://fhir.example.com/Patient/123",
		Status:       200,
		ResourceType: "Patient",
		Attempts:     1,
		Duration:     150 * time.Millisecond,
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "audit" {
		t.Errorf("expected component audit, got %v", entry["component"])
	}
	if entry["level"] != "info" {
		t.Errorf("expected info level, got %v", entry["level"])
	}
	if entry["action"] != "fhir.read" {
		t.Errorf("expected action fhir.read, got %v", entry["action"])
	}
	if entry["audit_id"] == "" || entry["audit_id"] == nil {
		t.Error("expected generated audit id")
	}
}

func TestLogAuditor_FailureIsWarn(t *testing.T) {
	var buf bytes.Buffer
	a := NewLogAuditor(zerolog.New(&buf))

	a.Record(context.Background(), AuditEvent{
		Category:  CategoryAuth,
		Action:    "token.refresh",
		Outcome:   OutcomeFailure,
		ErrorKind: "token_refresh",
		Status:    400,
	})

	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Errorf("expected warn level for failure, got %s", buf.String())
	}
}

func TestMultiAuditor(t *testing.T) {
	var got []string
	first := AuditorFunc(func(_ context.Context, e AuditEvent) { got = append(got, "first:"+e.Action) })
	second := AuditorFunc(func(_ context.Context, e AuditEvent) { got = append(got, "second:"+e.Action) })

	MultiAuditor{first, NopAuditor{}, second}.Record(context.Background(), AuditEvent{Action: "token.exchange"})

	if len(got) != 2 || got[0] != "first:token.exchange" || got[1] != "second:token.exchange" {
		t.Errorf("unexpected fan-out order %v", got)
	}
}

func TestPGAuditor_Record(t *testing.T) {
	exec := &recordingExecer{}
	a := &PGAuditor{db: exec, logger: zerolog.Nop()}

	a.Record(context.Background(), AuditEvent{
		Category: CategoryExport,
		Action:   "export.kickoff",
		Outcome:  OutcomeSuccess,
		Status:   202,
		Duration: 2 * time.Second,
	})

	if len(exec.sql) != 1 {
		t.Fatalf("expected 1 insert, got %d", len(exec.sql))
	}
	if !strings.Contains(exec.sql[0], "INSERT INTO client_audit_event") {
		t.Errorf("unexpected query %q", exec.sql[0])
	}
	args := exec.args[0]
	if len(args) != 17 {
		t.Fatalf("expected 17 args, got %d", len(args))
	}
	if args[3] != "export.kickoff" {
		t.Errorf("expected action arg, got %v", args[3])
	}
	if args[16] != int64(2000) {
		t.Errorf("expected duration 2000ms, got %v", args[16])
	}
}

func TestPGAuditor_FailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	exec := &recordingExecer{err: errors.New("connection refused")}
	a := &PGAuditor{db: exec, logger: zerolog.New(&buf)}

	a.Record(context.Background(), AuditEvent{Action: "fhir.search", Outcome: OutcomeSuccess})

	if !strings.Contains(buf.String(), "failed to persist audit event") {
		t.Errorf("expected logged failure, got %q", buf.String())
	}
}
