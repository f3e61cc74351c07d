package fhir

import (
	"encoding/json"
	"fmt"
)

// Resource types the client exposes typed operations for.
const (
	ResourcePatient              = "Patient"
	ResourceAppointment          = "Appointment"
	ResourceCondition            = "Condition"
	ResourceObservation          = "Observation"
	ResourceMedicationRequest    = "MedicationRequest"
	ResourceAllergyIntolerance   = "AllergyIntolerance"
	ResourceImmunization         = "Immunization"
	ResourceDocumentReference    = "DocumentReference"
	ResourceExplanationOfBenefit = "ExplanationOfBenefit"
	ResourceChargeItem           = "ChargeItem"
)

// SupportedResourceTypes lists every resource type with typed operations.
var SupportedResourceTypes = []string{
	ResourcePatient,
	ResourceAppointment,
	ResourceCondition,
	ResourceObservation,
	ResourceMedicationRequest,
	ResourceAllergyIntolerance,
	ResourceImmunization,
	ResourceDocumentReference,
	ResourceExplanationOfBenefit,
	ResourceChargeItem,
}

var supportedResourceTypes = func() map[string]bool {
	m := make(map[string]bool, len(SupportedResourceTypes))
	for _, t := range SupportedResourceTypes {
		m[t] = true
	}
	return m
}()

// IsSupportedResourceType reports whether t has typed operations.
func IsSupportedResourceType(t string) bool {
	return supportedResourceTypes[t]
}

// Resource is a FHIR resource as decoded JSON. The client does not model
// resource semantics beyond resourceType and id.
type Resource map[string]interface{}

// ResourceType returns the resourceType element, or "".
func (r Resource) ResourceType() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the id element, or "".
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// Clone returns a shallow copy of r.
func (r Resource) Clone() Resource {
	out := make(Resource, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// DecodeResource parses a single resource from JSON.
func DecodeResource(data []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("decode resource: body is not a JSON object")
	}
	return r, nil
}
