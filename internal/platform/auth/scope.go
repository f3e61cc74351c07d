package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// FHIR interactions as SMART v2 permission letters.
const (
	InteractionCreate = 'c'
	InteractionRead   = 'r'
	InteractionUpdate = 'u'
	InteractionDelete = 'd'
	InteractionSearch = 's'
)

const allPermissions = "cruds"

// SMARTScope represents a parsed SMART on FHIR resource scope.
// Format: <context>/<resourceType>.<permissions>
// Examples: patient/Patient.read, user/Observation.write, patient/*.rs
type SMARTScope struct {
	Context      string // "patient", "user", or "system"
	ResourceType string // e.g. "Patient", "Observation", "*"
	// Permissions holds the granted interaction letters, a subset of "cruds".
	Permissions string
}

// ParseSMARTScope parses one resource scope. SMART v1 operations (read,
// write, *) are normalised to v2 letters; a v2 query suffix such as
// "?category=laboratory" is dropped, so the scope is treated as broader than
// granted and the server stays the authority.
//
// Returns an error for scopes that are not resource-level SMART scopes
// (e.g. "openid", "fhirUser", "launch/patient").
func ParseSMARTScope(scope string) (*SMARTScope, error) {
	ctx, remainder, ok := strings.Cut(scope, "/")
	if !ok {
		return nil, fmt.Errorf("not a resource scope: %s", scope)
	}
	if ctx != "patient" && ctx != "user" && ctx != "system" {
		return nil, fmt.Errorf("invalid scope context %q: must be patient, user, or system", ctx)
	}

	remainder, _, _ = strings.Cut(remainder, "?")
	dotIdx := strings.LastIndex(remainder, ".")
	if dotIdx < 0 {
		return nil, fmt.Errorf("invalid scope format %q: missing operation", scope)
	}
	resourceType := remainder[:dotIdx]
	if resourceType == "" {
		return nil, fmt.Errorf("invalid scope %q: empty resource type", scope)
	}

	perms, err := permissions(remainder[dotIdx+1:])
	if err != nil {
		return nil, fmt.Errorf("invalid scope %q: %w", scope, err)
	}
	return &SMARTScope{Context: ctx, ResourceType: resourceType, Permissions: perms}, nil
}

func permissions(op string) (string, error) {
	// v1 operations are case-insensitive ("Patient.Read"); v2 letters are not.
	switch strings.ToLower(op) {
	case "read":
		return "rs", nil
	case "write":
		return "cud", nil
	case "*":
		return allPermissions, nil
	case "":
		return "", fmt.Errorf("empty operation")
	}
	// v2 letters must appear in cruds order, each at most once.
	last := -1
	for _, ch := range op {
		i := strings.IndexRune(allPermissions, ch)
		if i <= last {
			return "", fmt.Errorf("invalid operation %q", op)
		}
		last = i
	}
	return op, nil
}

// ParseSMARTScopes parses a list of scope strings, returning only the valid
// SMART resource scopes. Non-resource scopes are skipped.
func ParseSMARTScopes(scopes []string) []SMARTScope {
	var result []SMARTScope
	for _, s := range scopes {
		parsed, err := ParseSMARTScope(s)
		if err != nil {
			continue
		}
		result = append(result, *parsed)
	}
	return result
}

// ScopeAllows reports whether any scope grants interaction on resourceType.
func ScopeAllows(scopes []SMARTScope, resourceType string, interaction rune) bool {
	for _, s := range scopes {
		if s.ResourceType != "*" && s.ResourceType != resourceType {
			continue
		}
		if strings.ContainsRune(s.Permissions, interaction) {
			return true
		}
	}
	return false
}

// interactionFor maps a FHIR route to the interaction it performs.
func interactionFor(method string, hasID bool) rune {
	switch method {
	case http.MethodPost:
		return InteractionCreate
	case http.MethodPut, http.MethodPatch:
		return InteractionUpdate
	case http.MethodDelete:
		return InteractionDelete
	}
	if hasID {
		return InteractionRead
	}
	return InteractionSearch
}

func interactionName(i rune) string {
	switch i {
	case InteractionCreate:
		return "create"
	case InteractionUpdate:
		return "update"
	case InteractionDelete:
		return "delete"
	case InteractionSearch:
		return "search"
	}
	return "read"
}
