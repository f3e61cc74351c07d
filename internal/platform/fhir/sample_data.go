package fhir

// Sample ids used by the seeded mock backend.
const (
	SamplePatientID = "mock-patient-1"
)

func patientRef() map[string]interface{} {
	return map[string]interface{}{"reference": "Patient/" + SamplePatientID}
}

func codeable(system, code, display string) map[string]interface{} {
	return map[string]interface{}{
		"coding": []interface{}{
			map[string]interface{}{"system": system, "code": code, "display": display},
		},
		"text": display,
	}
}

// SampleResources returns one synthetic resource of every supported type,
// all belonging to SamplePatientID. No real patient data.
func SampleResources() []Resource {
	return []Resource{
		{
			"resourceType": ResourcePatient,
			"id":           SamplePatientID,
			"active":       true,
			"name": []interface{}{
				map[string]interface{}{"use": "official", "family": "Testpatient", "given": []interface{}{"Jamie"}},
			},
			"gender":    "unknown",
			"birthDate": "1980-01-01",
		},
		{
			"resourceType": ResourceAppointment,
			"id":           "mock-appointment-1",
			"status":       "booked",
			"start":        "2030-01-15T09:00:00Z",
			"end":          "2030-01-15T09:30:00Z",
			"participant": []interface{}{
				map[string]interface{}{"actor": patientRef(), "status": "accepted"},
			},
			"patient": patientRef(),
		},
		{
			"resourceType":   ResourceCondition,
			"id":             "mock-condition-1",
			"subject":        patientRef(),
			"clinicalStatus": codeable("http://terminology.hl7.org/CodeSystem/condition-clinical", "active", "Active"),
			"code":           codeable("http://snomed.info/sct", "38341003", "Hypertension"),
		},
		{
			"resourceType": ResourceObservation,
			"id":           "mock-observation-1",
			"status":       "final",
			"subject":      patientRef(),
			"code":         codeable("http://loinc.org", "8867-4", "Heart rate"),
			"valueQuantity": map[string]interface{}{
				"value": 72, "unit": "beats/minute", "system": "http://unitsofmeasure.org", "code": "/min",
			},
		},
		{
			"resourceType":              ResourceMedicationRequest,
			"id":                        "mock-medicationrequest-1",
			"status":                    "active",
			"intent":                    "order",
			"subject":                   patientRef(),
			"medicationCodeableConcept": codeable("http://www.nlm.nih.gov/research/umls/rxnorm", "197361", "Amlodipine 5 MG Oral Tablet"),
		},
		{
			"resourceType": ResourceAllergyIntolerance,
			"id":           "mock-allergyintolerance-1",
			"patient":      patientRef(),
			"code":         codeable("http://snomed.info/sct", "91936005", "Allergy to penicillin"),
		},
		{
			"resourceType":       ResourceImmunization,
			"id":                 "mock-immunization-1",
			"status":             "completed",
			"patient":            patientRef(),
			"vaccineCode":        codeable("http://hl7.org/fhir/sid/cvx", "140", "Influenza, seasonal, injectable"),
			"occurrenceDateTime": "2029-10-01",
		},
		{
			"resourceType": ResourceDocumentReference,
			"id":           "mock-documentreference-1",
			"status":       "current",
			"subject":      patientRef(),
			"type":         codeable("http://loinc.org", "34133-9", "Summary of episode note"),
			"content": []interface{}{
				map[string]interface{}{"attachment": map[string]interface{}{"contentType": "text/plain", "title": "Visit summary"}},
			},
		},
		{
			"resourceType": ResourceExplanationOfBenefit,
			"id":           "mock-eob-1",
			"status":       "active",
			"use":          "claim",
			"outcome":      "complete",
			"patient":      patientRef(),
		},
		{
			"resourceType": ResourceChargeItem,
			"id":           "mock-chargeitem-1",
			"status":       "billable",
			"subject":      patientRef(),
			"code":         codeable("http://www.ama-assn.org/go/cpt", "99213", "Office visit"),
		},
	}
}
