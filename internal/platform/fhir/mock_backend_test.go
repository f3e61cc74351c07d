package fhir

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/epicconnect/internal/platform/apperr"
)

func TestMockBackend_CRUD(t *testing.T) {
	b := NewMockBackend(false, zerolog.Nop())
	ctx := context.Background()

	created, err := b.Create(ctx, "", ResourcePatient, Resource{"name": []interface{}{map[string]interface{}{"family": "Test"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := created.ID()
	if id == "" || created.ResourceType() != ResourcePatient {
		t.Fatalf("expected id and resourceType assigned, got %v", created)
	}
	if metaVersion(created) != 1 {
		t.Errorf("expected version 1, got %d", metaVersion(created))
	}

	// Returned values are copies.
	created["active"] = true
	got, err := b.Read(ctx, "", ResourcePatient, id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := got["active"]; ok {
		t.Error("mutating a returned resource must not change the store")
	}

	updated, err := b.Update(ctx, "", ResourcePatient, id, Resource{"active": false})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID() != id || metaVersion(updated) != 2 {
		t.Errorf("expected version 2 of %s, got %v", id, updated)
	}

	if err := b.Delete(ctx, "", ResourcePatient, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = b.Read(ctx, "", ResourcePatient, id)
	ae, ok := apperr.As(err)
	if !ok || ae.Kind != apperr.KindFHIROperation || ae.Status != http.StatusNotFound {
		t.Fatalf("expected 404 FHIROperation after delete, got %v", err)
	}
	if err := b.Delete(ctx, "", ResourcePatient, id); err == nil {
		t.Error("expected second delete to fail")
	}
}

func TestMockBackend_SeededSearch(t *testing.T) {
	b := NewMockBackend(true, zerolog.Nop())
	ctx := context.Background()

	for _, rt := range SupportedResourceTypes {
		bundle, err := b.Search(ctx, "", rt, url.Values{"patient": {SamplePatientID}})
		if err != nil {
			t.Fatalf("search %s: %v", rt, err)
		}
		if len(bundle.Resources()) != 1 {
			t.Errorf("%s: expected 1 seeded resource for the sample patient, got %d", rt, len(bundle.Resources()))
		}
	}

	bundle, _ := b.Search(ctx, "", ResourceObservation, url.Values{"patient": {"someone-else"}})
	if *bundle.Total != 0 {
		t.Errorf("expected no matches for another patient, got %d", *bundle.Total)
	}
}

func TestMockBackend_SearchCount(t *testing.T) {
	b := NewMockBackend(false, zerolog.Nop())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.Create(ctx, "", ResourceCondition, Resource{})
	}
	bundle, err := b.Search(ctx, "", ResourceCondition, url.Values{"_count": {"2"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bundle.Entry) != 2 || *bundle.Total != 5 {
		t.Errorf("expected 2 of 5 entries, got %d of %d", len(bundle.Entry), *bundle.Total)
	}
}

func TestMockBackend_ExportThroughExporter(t *testing.T) {
	b := NewMockBackend(true, zerolog.Nop())
	b.SetExportPolls(3)
	x := NewExporter(b, nil, zerolog.Nop())
	ctx := context.Background()

	job, err := x.KickOff(ctx, "", ExportScope{Types: []string{ResourcePatient, ResourceObservation}})
	if err != nil {
		t.Fatalf("kick-off: %v", err)
	}

	polls := 0
	for job.State == ExportInProgress {
		job, err = x.PollStatus(ctx, "", job)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		polls++
	}
	if polls != 4 || job.State != ExportComplete {
		t.Fatalf("expected completion on the 4th poll, got %s after %d", job.State, polls)
	}
	if len(job.Manifest.Output) != 2 {
		t.Fatalf("expected 2 output files, got %+v", job.Manifest.Output)
	}

	out, err := x.FetchAll(ctx, "", job)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(out[ResourcePatient]) != 1 || out[ResourcePatient][0].ID() != SamplePatientID {
		t.Errorf("unexpected patient output %v", out[ResourcePatient])
	}
}

func TestMockBackend_ExportUnknownStatus(t *testing.T) {
	b := NewMockBackend(false, zerolog.Nop())
	x := NewExporter(b, nil, zerolog.Nop())

	job, err := x.PollStatus(context.Background(), "", ExportJob{State: ExportInProgress, StatusURL: MockBaseURL + "/export/nope/status"})
	if !apperr.Is(err, apperr.KindBulkExportFailed) || job.State != ExportFailed {
		t.Fatalf("expected failed job, got %s, %v", job.State, err)
	}
}

func TestMockBackend_FileBeforeComplete(t *testing.T) {
	b := NewMockBackend(true, zerolog.Nop())
	resp, err := b.KickOffExport(context.Background(), "", ExportScope{Types: []string{ResourcePatient}})
	if err != nil {
		t.Fatalf("kick-off: %v", err)
	}
	id, _ := mockJobID(resp.ContentLocation, "/status")
	if _, err := b.ExportFile(context.Background(), "", MockBaseURL+"/export/"+id+"/Patient.ndjson"); err == nil {
		t.Error("expected file fetch before completion to fail")
	}
}
