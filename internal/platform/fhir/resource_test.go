package fhir

import "testing"

func TestDecodeResource(t *testing.T) {
	r, err := DecodeResource([]byte(`{"resourceType":"Patient","id":"p1","active":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ResourceType() != "Patient" || r.ID() != "p1" {
		t.Errorf("unexpected resource %v", r)
	}

	for _, in := range []string{`null`, `[1]`, `"x"`, `{`} {
		if _, err := DecodeResource([]byte(in)); err == nil {
			t.Errorf("DecodeResource(%s): expected error", in)
		}
	}
}

func TestResource_Clone(t *testing.T) {
	r := Resource{"id": "1"}
	c := r.Clone()
	c["id"] = "2"
	if r.ID() != "1" {
		t.Error("clone must not alias the original")
	}
}

func TestIsSupportedResourceType(t *testing.T) {
	for _, rt := range SupportedResourceTypes {
		if !IsSupportedResourceType(rt) {
			t.Errorf("%s should be supported", rt)
		}
	}
	if IsSupportedResourceType("patient") || IsSupportedResourceType("Practitioner") {
		t.Error("unexpected supported type")
	}
}
