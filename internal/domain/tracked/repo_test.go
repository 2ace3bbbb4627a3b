package tracked

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/tracker-bridge/internal/domain/mapping"
)

func newTestRepo(t *testing.T, records ...Record) *Repository {
	t.Helper()
	repo := NewRepository(mapping.NewMemStore(), zerolog.Nop())
	for i := range records {
		if err := repo.Save(context.Background(), &records[i]); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	return repo
}

func TestFindPerson_ByIDFirst(t *testing.T) {
	repo := newTestRepo(t,
		Record{ID: "pat-1", TrackedEntityInstance: "tei00000002", Attributes: []string{"NIN-1"}},
		Record{ID: "pat-9", TrackedEntityInstance: "tei00000001", Attributes: []string{"NIN-1"}},
	)

	m, err := repo.FindPerson(context.Background(), "pat-1", []string{"NIN-1"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if m == nil || m.Record.TrackedEntityInstance != "tei00000002" {
		t.Fatalf("expected the id match, got %+v", m)
	}
	if m.Ambiguous {
		t.Error("single id match must not be ambiguous")
	}
}

func TestFindPerson_ByIdentifier(t *testing.T) {
	repo := newTestRepo(t,
		Record{TrackedEntityInstance: "tei00000001", Attributes: []string{"A", "B"}},
	)

	m, err := repo.FindPerson(context.Background(), "unknown", []string{"Z", "B"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if m == nil || m.Record.TrackedEntityInstance != "tei00000001" {
		t.Fatalf("expected identifier match, got %+v", m)
	}
}

func TestFindPerson_AmbiguousPicksLowestID(t *testing.T) {
	repo := newTestRepo(t,
		Record{TrackedEntityInstance: "teiB", Attributes: []string{"X"}},
		Record{TrackedEntityInstance: "teiA", Attributes: []string{"X"}},
	)

	m, _ := repo.FindPerson(context.Background(), "", []string{"X"})
	if m == nil || !m.Ambiguous || m.Candidates != 2 {
		t.Fatalf("expected ambiguous match of 2, got %+v", m)
	}
	if m.Record.TrackedEntityInstance != "teiA" {
		t.Errorf("expected teiA, got %s", m.Record.TrackedEntityInstance)
	}
}

func TestFindPerson_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	m, err := repo.FindPerson(context.Background(), "", []string{"", ""})
	if err != nil || m != nil {
		t.Errorf("expected no match, got %+v %v", m, err)
	}
}

func TestGetAndSave(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if rec, err := repo.Get(ctx, "missing"); err != nil || rec != nil {
		t.Fatalf("expected nil for missing record, got %+v %v", rec, err)
	}

	rec := &Record{TrackedEntityInstance: "tei00000001"}
	if err := repo.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := repo.Get(ctx, "tei00000001")
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attributes == nil || got.Enrollments == nil || got.Encounters == nil {
		t.Error("expected empty lists rather than null")
	}

	if err := repo.Save(ctx, &Record{}); err == nil {
		t.Error("expected error saving a record without an entity id")
	}
}

func TestRecord_Lookups(t *testing.T) {
	rec := Record{
		Enrollments: []Enrollment{
			{ID: "eoc-1", Enrollment: "en1", Program: "P1", OrgUnit: "OU1"},
			{ID: "eoc-2", Enrollment: "en2", Program: "P1", OrgUnit: "OU2"},
		},
		Encounters: []Encounter{
			{ID: "enc-1", Event: "ev1", Program: "P1", ProgramStage: "S1", OrgUnit: "OU1"},
		},
	}

	if e := rec.FindEnrollment("P1", "OU2", "eoc-2"); e == nil || e.Enrollment != "en2" {
		t.Errorf("expected en2, got %+v", e)
	}
	if e := rec.FindEnrollment("P1", "OU2", "eoc-1"); e != nil {
		t.Errorf("expected no match on partial key, got %+v", e)
	}
	if e := rec.EnrollmentForProgram("P1"); e == nil || e.Enrollment != "en1" {
		t.Errorf("expected first enrollment in program, got %+v", e)
	}
	if e := rec.EnrollmentByEpisode("eoc-2"); e == nil || e.Enrollment != "en2" {
		t.Errorf("expected en2 by episode, got %+v", e)
	}
	if e := rec.FindEncounter("P1", "S1", "OU1", "enc-1"); e == nil || e.Event != "ev1" {
		t.Errorf("expected ev1, got %+v", e)
	}
	if e := rec.EncounterByID("enc-2"); e != nil {
		t.Errorf("expected no encounter, got %+v", e)
	}
}

func TestRecord_MergeIdentifiers(t *testing.T) {
	rec := Record{Attributes: []string{"A"}}
	rec.MergeIdentifiers([]string{"B", "A", "", "C", "B"})
	want := []string{"A", "B", "C"}
	if len(rec.Attributes) != len(want) {
		t.Fatalf("expected %v, got %v", want, rec.Attributes)
	}
	for i := range want {
		if rec.Attributes[i] != want[i] {
			t.Errorf("expected %v, got %v", want, rec.Attributes)
		}
	}
}

func TestFindPerson_BySourceIDAlias(t *testing.T) {
	repo := newTestRepo(t,
		Record{ID: "pat-1", SourceIDs: []string{"pat-2"}, TrackedEntityInstance: "tei00000001"},
	)

	m, err := repo.FindPerson(context.Background(), "pat-2", nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if m == nil || m.Record.ID != "pat-1" {
		t.Fatalf("expected the aliased record, got %+v", m)
	}
}

func TestRecord_MergeSourceID(t *testing.T) {
	var r Record
	r.MergeSourceID("pat-1")
	r.MergeSourceID("pat-2")
	r.MergeSourceID("pat-1")
	r.MergeSourceID("pat-2")
	r.MergeSourceID("")

	if r.ID != "pat-1" {
		t.Errorf("expected the first id kept, got %q", r.ID)
	}
	if len(r.SourceIDs) != 1 || r.SourceIDs[0] != "pat-2" {
		t.Errorf("expected one alias, got %v", r.SourceIDs)
	}
}
