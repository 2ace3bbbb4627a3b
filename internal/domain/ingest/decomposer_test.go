package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/tracker-bridge/internal/domain/transform"
	"github.com/ehr/tracker-bridge/internal/platform/fhir"
)

// -- Recording Transformer --

type call struct {
	kind string
	res  interface{}
}

type recordingTransformer struct {
	mu    sync.Mutex
	calls []call
}

func (r *recordingTransformer) record(kind, id string, res interface{}) transform.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{kind: kind, res: res})
	return transform.Result{ResourceType: kind, ID: id, Outcome: transform.OutcomeCreated}
}

func (r *recordingTransformer) Person(_ context.Context, p *fhir.Patient) transform.Result {
	return r.record("Patient", p.ID, p)
}

func (r *recordingTransformer) Episode(_ context.Context, e *fhir.EpisodeOfCare) transform.Result {
	return r.record("EpisodeOfCare", e.ID, e)
}

func (r *recordingTransformer) Visit(_ context.Context, e *fhir.Encounter) transform.Result {
	return r.record("Encounter", e.ID, e)
}

func (r *recordingTransformer) Observation(_ context.Context, o *fhir.Observation) transform.Result {
	return r.record("Observation", o.ID, o)
}

func bundleOf(t *testing.T, resources ...string) *fhir.Bundle {
	t.Helper()
	b := &fhir.Bundle{ResourceType: "Bundle", Type: "batch"}
	for _, r := range resources {
		b.Entry = append(b.Entry, fhir.BundleEntry{Resource: json.RawMessage(r)})
	}
	return b
}

var phaseRank = map[string]int{"Patient": 0, "EpisodeOfCare": 1, "Encounter": 2, "Observation": 3}

func TestProcessBundle_PhaseOrder(t *testing.T) {
	rt := &recordingTransformer{}
	d := NewDecomposer(rt, 4, zerolog.Nop())

	items := d.ProcessBundle(context.Background(), bundleOf(t,
		`{"resourceType":"Observation","id":"o1"}`,
		`{"resourceType":"Encounter","id":"v1"}`,
		`{"resourceType":"EpisodeOfCare","id":"e1"}`,
		`{"resourceType":"Patient","id":"p1"}`,
		`{"resourceType":"Patient","id":"p2"}`,
	))

	last := -1
	for _, c := range rt.calls {
		rank := phaseRank[c.kind]
		if rank < last {
			t.Fatalf("phase %s ran after a later phase", c.kind)
		}
		last = rank
	}

	wantIDs := []string{"p1", "p2", "e1", "v1", "o1"}
	if len(items) != len(wantIDs) {
		t.Fatalf("expected %d items, got %d", len(wantIDs), len(items))
	}
	for i, id := range wantIDs {
		if items[i].Result.ID != id {
			t.Errorf("item %d: expected %s, got %s", i, id, items[i].Result.ID)
		}
	}
	if items[0].Entry != 3 || items[4].Entry != 0 {
		t.Errorf("expected entry indexes to be preserved, got %d and %d", items[0].Entry, items[4].Entry)
	}
}

func TestProcessBundle_GroupedObservations(t *testing.T) {
	rt := &recordingTransformer{}
	d := NewDecomposer(rt, 2, zerolog.Nop())

	items := d.ProcessBundle(context.Background(), bundleOf(t,
		`{"resourceType":"Observation","id":"P",
		  "code":{"coding":[{"system":"UgandaEMR","code":"ART_VISIT"}]},
		  "subject":{"reference":"Patient/p1"},
		  "effectiveDateTime":"2023-04-01T09:00:00Z",
		  "performer":[{"reference":"Practitioner/dr"},{"reference":"Organization/org-1"}],
		  "hasMember":[{"reference":"Observation/A"},{"reference":"Observation/B"}]}`,
		`{"resourceType":"Observation","id":"A","code":{"coding":[{"code":"x"}]},"valueString":"a"}`,
		`{"resourceType":"Observation","id":"B","code":{"coding":[{"code":"y"}]},"valueString":"b",
		  "encounter":{"reference":"Encounter/old"}}`,
		`{"resourceType":"Observation","id":"C","code":{"coding":[{"code":"z"}]},"valueString":"c",
		  "encounter":{"reference":"Encounter/enc-9"}}`,
	))

	var visits []*fhir.Encounter
	observations := map[string]*fhir.Observation{}
	for _, c := range rt.calls {
		switch r := c.res.(type) {
		case *fhir.Encounter:
			visits = append(visits, r)
		case *fhir.Observation:
			observations[r.ID] = r
		}
	}

	if len(visits) != 1 {
		t.Fatalf("expected one synthetic visit, got %d", len(visits))
	}
	v := visits[0]
	if v.ID != "P" || v.Subject.Reference != "Patient/p1" || v.Period.Start != "2023-04-01T09:00:00Z" {
		t.Errorf("unexpected synthetic visit %+v", v)
	}
	if v.ServiceProvider == nil || v.ServiceProvider.Reference != "Organization/org-1" {
		t.Errorf("expected the organization performer as service provider, got %+v", v.ServiceProvider)
	}
	if v.Type[0].FirstCoding().Code != "ART_VISIT" {
		t.Errorf("expected the parent code as visit type")
	}

	if _, ok := observations["P"]; ok {
		t.Error("grouping observation must not be transformed itself")
	}
	for _, id := range []string{"A", "B"} {
		o, ok := observations[id]
		if !ok {
			t.Fatalf("member %s was dropped", id)
		}
		if o.Encounter == nil || o.Encounter.Reference != "Encounter/P" {
			t.Errorf("member %s: expected Encounter/P, got %+v", id, o.Encounter)
		}
	}
	if observations["C"].Encounter.Reference != "Encounter/enc-9" {
		t.Error("ungrouped observation must pass through unchanged")
	}

	var synthetic int
	for _, it := range items {
		if it.Synthetic {
			synthetic++
			if it.Entry != 0 {
				t.Errorf("synthetic visit should report the parent entry, got %d", it.Entry)
			}
		}
	}
	if synthetic != 1 {
		t.Errorf("expected one synthetic item, got %d", synthetic)
	}
}

func TestProcessBundle_RejectsUnsupportedAndBroken(t *testing.T) {
	rt := &recordingTransformer{}
	d := NewDecomposer(rt, 1, zerolog.Nop())

	b := bundleOf(t,
		`{"resourceType":"Condition","id":"c1"}`,
		`{"id":"no-type"}`,
		`{"resourceType":"Patient","id":"p1"}`,
	)
	b.Entry = append(b.Entry, fhir.BundleEntry{FullURL: "urn:uuid:empty"})

	items := d.ProcessBundle(context.Background(), b)
	if len(items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(items))
	}
	if items[0].Result.ID != "p1" || items[0].Result.Outcome != transform.OutcomeCreated {
		t.Errorf("valid patient should still be processed, got %+v", items[0])
	}
	for _, it := range items[1:] {
		if it.Result.Outcome != transform.OutcomeMalformedResource {
			t.Errorf("expected malformed resource, got %+v", it.Result)
		}
	}
	if items[1].Result.Detail != "unsupported resource type Condition" {
		t.Errorf("unexpected detail %q", items[1].Result.Detail)
	}
	if items[3].FullURL != "urn:uuid:empty" {
		t.Errorf("expected fullUrl to be echoed, got %q", items[3].FullURL)
	}
}

func TestProcess_SingleResource(t *testing.T) {
	rt := &recordingTransformer{}
	d := NewDecomposer(rt, 1, zerolog.Nop())

	items, err := d.Process(context.Background(), json.RawMessage(`{"resourceType":"EpisodeOfCare","id":"e1"}`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(items) != 1 || len(rt.calls) != 1 || rt.calls[0].kind != "EpisodeOfCare" {
		t.Errorf("expected a direct episode call, got %+v", rt.calls)
	}

	items, err = d.Process(context.Background(), json.RawMessage(`{"resourceType":"Medication"}`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if items[0].Result.Outcome != transform.OutcomeMalformedResource {
		t.Errorf("expected unsupported type to be rejected, got %+v", items[0].Result)
	}

	if _, err := d.Process(context.Background(), json.RawMessage(`{"id":"x"}`)); err == nil {
		t.Error("expected error for payload without resourceType")
	}
}
