package transform

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/tracker-bridge/internal/domain/mapping"
	"github.com/ehr/tracker-bridge/internal/domain/tracked"
	"github.com/ehr/tracker-bridge/internal/platform/fhir"
	"github.com/ehr/tracker-bridge/internal/platform/tracker"
	"github.com/ehr/tracker-bridge/internal/platform/uid"
)

const (
	emr     = "UgandaEMR"
	options = "http://options.example.org"
)

// -- Fake Tracker --

type valueUpdate struct {
	Event       string
	DataElement string
	Value       string
}

type fakeTracker struct {
	mu          sync.Mutex
	persons     []tracker.TrackedEntity
	enrollments []tracker.Enrollment
	events      []tracker.Event
	updates     []valueUpdate
	fail        error
}

func (f *fakeTracker) CreateOrUpdatePerson(_ context.Context, te tracker.TrackedEntity) (*tracker.WebMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.persons = append(f.persons, te)
	return &tracker.WebMessage{Status: "OK"}, nil
}

func (f *fakeTracker) CreateEnrollment(_ context.Context, e tracker.Enrollment) (*tracker.WebMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.enrollments = append(f.enrollments, e)
	return &tracker.WebMessage{Status: "OK"}, nil
}

func (f *fakeTracker) CreateEvent(_ context.Context, e tracker.Event) (*tracker.WebMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.events = append(f.events, e)
	return &tracker.WebMessage{Status: "OK"}, nil
}

func (f *fakeTracker) UpdateEventValues(_ context.Context, e tracker.Event, de, value string) (*tracker.WebMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.updates = append(f.updates, valueUpdate{Event: e.Event, DataElement: de, Value: value})
	return &tracker.WebMessage{Status: "OK"}, nil
}

func (f *fakeTracker) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.persons) + len(f.enrollments) + len(f.events) + len(f.updates)
}

// failingStore rejects writes to the patients index.
type failingStore struct {
	mapping.Store
}

func (s failingStore) BulkUpsert(ctx context.Context, index, idField string, bodies []json.RawMessage) error {
	if index == mapping.IndexPatients {
		return errors.New("store unavailable")
	}
	return s.Store.BulkUpsert(ctx, index, idField, bodies)
}

type fixture struct {
	store   mapping.Store
	tracker *fakeTracker
	people  *tracked.Repository
	engine  *Engine
}

func seedCatalog(t *testing.T, s mapping.Store, index string, records ...mapping.Record) {
	t.Helper()
	bodies, err := mapping.Encode(records)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := s.BulkUpsert(context.Background(), index, "id", bodies); err != nil {
		t.Fatalf("seed %s: %v", index, err)
	}
}

func dhis(code string) mapping.Entry { return mapping.Entry{System: "DHIS2", Code: code} }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, mapping.NewMemStore())
}

func newFixtureWithStore(t *testing.T, store mapping.Store) *fixture {
	t.Helper()
	seedCatalog(t, store, mapping.IndexEntities,
		mapping.Record{ID: "tet1", Name: "Person", Type: mapping.EntityTypePerson, Mappings: mapping.Mappings{dhis("tetPerson")}},
	)
	seedCatalog(t, store, mapping.IndexOrganisations,
		mapping.Record{ID: "org-1", Name: "Kampala HC", Mappings: mapping.Mappings{dhis("OU1")}},
	)
	seedCatalog(t, store, mapping.IndexAttributes,
		mapping.Record{ID: "a1", Identifier: true, Mappings: mapping.Mappings{{System: emr, Code: "NIN"}, dhis("attNIN")}},
		mapping.Record{ID: "a2", Identifier: true, Mappings: mapping.Mappings{{System: "ART Number", Code: "art-id"}, dhis("attART")}},
		mapping.Record{ID: "a3", Type: mapping.AttrName, Mappings: mapping.Mappings{dhis("attName")}},
		mapping.Record{ID: "a4", Type: mapping.AttrGender, Mappings: mapping.Mappings{dhis("attSex")}},
		mapping.Record{ID: "a5", Type: mapping.AttrBirthDate, Mappings: mapping.Mappings{dhis("attDob")}},
		mapping.Record{ID: "a6", Type: mapping.AttrMaritalStatus, Mappings: mapping.Mappings{dhis("attMarital")}},
		mapping.Record{ID: "a7", Type: mapping.AttrExtension, Mappings: mapping.Mappings{{System: "http://ext/occupation", Code: "occ"}, dhis("attOcc")}},
	)
	seedCatalog(t, store, mapping.IndexPrograms,
		mapping.Record{ID: "progHIV", Mappings: mapping.Mappings{{System: emr, Code: "HIV"}, dhis("progHIV")}},
	)
	seedCatalog(t, store, mapping.IndexStages,
		mapping.Record{ID: "stageART", ProgramID: "progHIV", Mappings: mapping.Mappings{{System: emr, Code: "ART_VISIT"}, dhis("stageART")}},
	)
	seedCatalog(t, store, mapping.IndexConcepts,
		mapping.Record{ID: "deSys", Mappings: mapping.Mappings{{System: "http://loinc.org", Code: "8480-6"}, dhis("deSys")}},
		mapping.Record{ID: "deTB", Mappings: mapping.Mappings{{System: emr, Code: "TB_STATUS"}, dhis("deTB")}},
		mapping.Record{ID: "optNeg", Mappings: mapping.Mappings{{System: emr, Code: "664"}, {System: options, Code: "Negative"}}},
		mapping.Record{ID: "optMarried", Mappings: mapping.Mappings{{System: "http://hl7.org/fhir/v3/MaritalStatus", Code: "M"}, {System: options, Code: "Married"}}},
	)

	logger := zerolog.Nop()
	people := tracked.NewRepository(store, logger)
	ft := &fakeTracker{}
	engine := NewEngine(Deps{
		Mappings:   mapping.NewResolver(store, mapping.ResolverConfig{TargetSystem: "DHIS2", OptionSystem: options}),
		Identities: people,
		Tracker:    ft,
		IDs:        uid.NewAllocator(),
		Logger:     logger,
	})
	return &fixture{store: store, tracker: ft, people: people, engine: engine}
}

func decode[T any](t *testing.T, raw string) *T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &v
}

func (f *fixture) records(t *testing.T) []tracked.Record {
	t.Helper()
	docs, err := f.store.All(context.Background(), mapping.IndexPatients)
	if err != nil {
		t.Fatalf("all patients: %v", err)
	}
	recs, err := mapping.Decode[tracked.Record](docs)
	if err != nil {
		t.Fatalf("decode patients: %v", err)
	}
	return recs
}

const patientJSON = `{
	"resourceType": "Patient",
	"id": "pat-1",
	"identifier": [
		{"type": {"coding": [{"system": "UgandaEMR", "code": "NIN"}]}, "value": "CM123"},
		{"id": "art-id", "type": {"text": "ART Number"}, "value": "ART-9"}
	],
	"name": [{"family": "Doe", "given": ["Jane", "Mary"]}],
	"gender": "female",
	"birthDate": "1990-04-01",
	"maritalStatus": {"coding": [{"system": "http://hl7.org/fhir/v3/MaritalStatus", "code": "M"}]},
	"managingOrganization": {"reference": "Organization/org-1"},
	"extension": [
		{"url": "http://ext/wrapper", "extension": [
			{"url": "http://ext/occupation", "valueString": "Nurse"}
		]}
	]
}`

const episodeJSON = `{
	"resourceType": "EpisodeOfCare",
	"id": "eoc-1",
	"type": [{"coding": [{"system": "UgandaEMR", "code": "HIV"}]}],
	"period": {"start": "2023-01-10"},
	"patient": {"reference": "Patient/pat-1"},
	"managingOrganization": {"reference": "Organization/org-1"}
}`

const encounterJSON = `{
	"resourceType": "Encounter",
	"id": "enc-1",
	"type": [{"coding": [{"system": "UgandaEMR", "code": "ART_VISIT"}]}],
	"period": {"start": "2023-02-01"},
	"subject": {"reference": "Patient/pat-1"},
	"serviceProvider": {"reference": "Organization/org-1"},
	"episodeOfCare": [{"reference": "EpisodeOfCare/eoc-1"}]
}`

func (f *fixture) enrollPatient(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if res := f.engine.Person(ctx, decode[fhir.Patient](t, patientJSON)); !res.Outcome.Success() {
		t.Fatalf("person: %+v", res)
	}
	if res := f.engine.Episode(ctx, decode[fhir.EpisodeOfCare](t, episodeJSON)); !res.Outcome.Success() {
		t.Fatalf("episode: %+v", res)
	}
}
