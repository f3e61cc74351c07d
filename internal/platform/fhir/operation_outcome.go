package fhir

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by this client.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeNotFound     = "not-found"
	IssueTypeThrottled    = "throttled"
	IssueTypeNotSupported = "not-supported"
	IssueTypeException    = "exception"
	IssueTypeProcessing   = "processing"
)

type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// NewOperationOutcome creates a single-issue OperationOutcome.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// NotFoundOutcome creates a 404-style OperationOutcome.
func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound,
		fmt.Sprintf("Resource %s/%s not found", resourceType, id))
}

// OutcomeDiagnostics extracts a human-readable message from an error body.
// For an OperationOutcome it returns the first issue's diagnostics, falling
// back to its details text and then its code. ok is false when body is not
// an OperationOutcome.
//
// Upstream servers are not always well formed, so the body is probed with
// gjson rather than decoded into OperationOutcome.
func OutcomeDiagnostics(body []byte) (msg string, ok bool) {
	if !gjson.ValidBytes(body) {
		return "", false
	}
	doc := gjson.ParseBytes(body)
	if doc.Get("resourceType").String() != "OperationOutcome" {
		return "", false
	}
	for _, path := range []string{"issue.0.diagnostics", "issue.0.details.text", "issue.0.code"} {
		if v := strings.TrimSpace(doc.Get(path).String()); v != "" {
			return v, true
		}
	}
	return "", false
}

// errorDiagnostics renders a non-2xx response for an error payload.
func errorDiagnostics(status int, body []byte) string {
	if msg, ok := OutcomeDiagnostics(body); ok {
		return msg
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxDiagnosticsBody {
		text = text[:maxDiagnosticsBody] + "..."
	}
	if text == "" {
		return fmt.Sprintf("HTTP %d", status)
	}
	return fmt.Sprintf("HTTP %d: %s", status, text)
}

const maxDiagnosticsBody = 2048
