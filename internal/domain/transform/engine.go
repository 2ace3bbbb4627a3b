// Package transform turns inbound clinical resources into tracker writes.
// Every transformer resolves first and commits second: one tracker write,
// then at most one mapping store update. A failed tracker write leaves the
// store untouched.
package transform

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/tracker-bridge/internal/domain/mapping"
	"github.com/ehr/tracker-bridge/internal/domain/tracked"
	"github.com/ehr/tracker-bridge/internal/platform/fhir"
	"github.com/ehr/tracker-bridge/internal/platform/lock"
	"github.com/ehr/tracker-bridge/internal/platform/tracker"
)

// Tracker is the write side of the target system.
type Tracker interface {
	CreateOrUpdatePerson(ctx context.Context, te tracker.TrackedEntity) (*tracker.WebMessage, error)
	CreateEnrollment(ctx context.Context, e tracker.Enrollment) (*tracker.WebMessage, error)
	CreateEvent(ctx context.Context, e tracker.Event) (*tracker.WebMessage, error)
	UpdateEventValues(ctx context.Context, e tracker.Event, dataElement, value string) (*tracker.WebMessage, error)
}

// Mappings translates source codes into target codes.
type Mappings interface {
	TargetSystem() string
	Lookup(ctx context.Context, catalog, system, code string) (*mapping.Record, bool, error)
	Resolve(ctx context.Context, catalog, system, code string) (string, bool, error)
	ResolveOption(ctx context.Context, system, code string) (string, bool, error)
	ResolveByID(ctx context.Context, catalog, id string) (string, bool, error)
	PersonEntityType(ctx context.Context) (string, bool, error)
	Attributes(ctx context.Context) (*mapping.AttributeCatalog, error)
}

// Identities finds and stores tracked records.
type Identities interface {
	FindPerson(ctx context.Context, id string, identifiers []string) (*tracked.Match, error)
	Get(ctx context.Context, tei string) (*tracked.Record, error)
	Save(ctx context.Context, rec *tracked.Record) error
}

type IDAllocator interface {
	Allocate(ctx context.Context) (string, error)
}

type Deps struct {
	Mappings   Mappings
	Identities Identities
	Tracker    Tracker
	IDs        IDAllocator
	// Locker serializes identity work; nil uses an in-process keyed mutex.
	Locker lock.Locker
	Logger zerolog.Logger
}

type Engine struct {
	mappings Mappings
	people   Identities
	tracker  Tracker
	ids      IDAllocator
	locker   lock.Locker
	logger   zerolog.Logger
}

func NewEngine(d Deps) *Engine {
	locker := d.Locker
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Engine{
		mappings: d.Mappings,
		people:   d.Identities,
		tracker:  d.Tracker,
		ids:      d.IDs,
		locker:   locker,
		logger:   d.Logger.With().Str("component", "transform").Logger(),
	}
}

// orgUnit resolves an organisation reference by identifier value, then by
// literal reference id. An identifier with a system is also tried as a
// mapping entry.
func (e *Engine) orgUnit(ctx context.Context, ref *fhir.Reference) (string, bool, error) {
	if ref == nil {
		return "", false, nil
	}
	id := fhir.ReferenceID(ref.Reference, "Organization")
	if ref.Identifier != nil && ref.Identifier.Value != "" {
		id = ref.Identifier.Value
	}
	code, ok, err := e.mappings.ResolveByID(ctx, mapping.IndexOrganisations, id)
	if err != nil || ok {
		return code, ok, err
	}
	if ref.Identifier != nil && ref.Identifier.System != "" {
		return e.mappings.Resolve(ctx, mapping.IndexOrganisations, ref.Identifier.System, ref.Identifier.Value)
	}
	return "", false, nil
}

// findOwner resolves the person a patient reference points at.
func (e *Engine) findOwner(ctx context.Context, ref *fhir.Reference) (*tracked.Match, error) {
	id := fhir.ReferenceID(ref.Reference, "Patient")
	var identifiers []string
	if ref.Identifier != nil && ref.Identifier.Value != "" {
		identifiers = append(identifiers, ref.Identifier.Value)
	}
	if id == "" && len(identifiers) == 0 {
		return nil, nil
	}
	return e.people.FindPerson(ctx, id, identifiers)
}

// lockRecord serializes read-modify-write on one tracked record and returns
// the freshest stored copy.
func (e *Engine) lockRecord(ctx context.Context, m *tracked.Match) (*tracked.Record, func(), error) {
	tei := m.Record.TrackedEntityInstance
	unlock, err := e.locker.Lock(ctx, "record:"+tei)
	if err != nil {
		return nil, nil, fmt.Errorf("lock record %s: %w", tei, err)
	}
	rec, err := e.people.Get(ctx, tei)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	if rec == nil {
		rec = m.Record
	}
	return rec, unlock, nil
}

func (e *Engine) finish(res Result) Result {
	ev := e.logger.Debug()
	switch {
	case res.Outcome == OutcomeUpstreamWriteFailure || res.Outcome == OutcomeStoreFailure || res.Outcome == OutcomeLookupFailure:
		ev = e.logger.Error()
	case !res.Outcome.Success():
		ev = e.logger.Warn()
	}
	if res.Err != nil {
		ev = ev.Err(res.Err)
	}
	ev.Str("resource_type", res.ResourceType).
		Str("resource_id", res.ID).
		Str("outcome", string(res.Outcome)).
		Str("target_id", res.TargetID).
		Bool("ambiguous", res.Ambiguous).
		Msg(res.Detail)
	return res
}
