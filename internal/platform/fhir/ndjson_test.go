package fhir

import (
	"bytes"
	"strings"
	"testing"
)

func TestNDJSONWriter_MultipleResources(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf)

	for _, id := range []string{"p1", "p2", "p3"} {
		if err := w.WriteResource(Resource{"resourceType": "Patient", "id": id}); err != nil {
			t.Fatalf("WriteResource failed: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if w.Count() != 3 {
		t.Errorf("expected count 3, got %d", w.Count())
	}

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[1] != `{"id":"p2","resourceType":"Patient"}` {
		t.Errorf("unexpected line %q", lines[1])
	}
}

func TestNDJSONWriter_MarshalError(t *testing.T) {
	w := NewNDJSONWriter(&bytes.Buffer{})
	if err := w.WriteResource(map[string]interface{}{"bad": make(chan int)}); err == nil {
		t.Error("expected error for un-marshallable resource")
	}
	if w.Count() != 0 {
		t.Errorf("failed write must not be counted, got %d", w.Count())
	}
}

func TestReadNDJSON(t *testing.T) {
	in := "{\"resourceType\":\"Patient\",\"id\":\"a\"}\n\n  \n{\"resourceType\":\"Patient\",\"id\":\"b\"}\n"
	got, err := ReadNDJSON(strings.NewReader(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(got))
	}
	if got[0].ID() != "a" || got[1].ID() != "b" {
		t.Errorf("unexpected ids %q, %q", got[0].ID(), got[1].ID())
	}
}

func TestReadNDJSON_Empty(t *testing.T) {
	got, err := ReadNDJSON(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no resources, got %d", len(got))
	}
}

func TestReadNDJSON_InvalidLine(t *testing.T) {
	_, err := ReadNDJSON(strings.NewReader("{\"id\":\"a\"}\nnot json\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected line number in error, got %v", err)
	}
}

func TestNDJSON_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf)
	_ = w.WriteResource(Resource{"resourceType": "Observation", "id": "o1", "status": "final"})
	_ = w.Flush()

	got, err := ReadNDJSON(&buf)
	if err != nil || len(got) != 1 {
		t.Fatalf("got %v, %v", got, err)
	}
	if got[0]["status"] != "final" {
		t.Errorf("unexpected resource %v", got[0])
	}
}
