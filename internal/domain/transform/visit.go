package transform

import (
	"context"

	"github.com/ehr/tracker-bridge/internal/domain/mapping"
	"github.com/ehr/tracker-bridge/internal/domain/tracked"
	"github.com/ehr/tracker-bridge/internal/platform/fhir"
	"github.com/ehr/tracker-bridge/internal/platform/tracker"
)

// Visit creates an empty stage event for an Encounter under the person's
// enrollment.
func (e *Engine) Visit(ctx context.Context, enc *fhir.Encounter) Result {
	res := result("Encounter", enc.ID)
	if err := enc.Validate(); err != nil {
		return e.finish(res.failed(OutcomeMalformedResource, nil, err.Error()))
	}

	coding := enc.Type[0].FirstCoding()
	stageRec, ok, err := e.mappings.Lookup(ctx, mapping.IndexStages, coding.System, coding.Code)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "resolve program stage"))
	}
	var stage string
	if ok {
		stage, ok = stageRec.Mappings.Code(e.mappings.TargetSystem())
	}
	if !ok {
		return e.finish(res.with(OutcomeUnresolvedMapping, "program stage %s|%s is not mapped", coding.System, coding.Code))
	}

	orgUnit, ok, err := e.orgUnit(ctx, enc.ServiceProvider)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "resolve service provider"))
	}
	if !ok {
		return e.finish(res.with(OutcomeUnresolvedMapping, "service provider %s is not mapped", describeRef(enc.ServiceProvider)))
	}

	match, err := e.findOwner(ctx, enc.Subject)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "find patient"))
	}
	if match == nil {
		return e.finish(res.with(OutcomeUnresolvedIdentity, "patient %s not found", describeRef(enc.Subject)))
	}
	res.Ambiguous = match.Ambiguous

	rec, unlock, err := e.lockRecord(ctx, match)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "load tracked record"))
	}
	defer unlock()

	var enrollment *tracked.Enrollment
	if len(enc.EpisodeOfCare) > 0 {
		episodeID := fhir.ReferenceID(enc.EpisodeOfCare[0].Reference, "EpisodeOfCare")
		if enrollment = rec.EnrollmentByEpisode(episodeID); enrollment == nil {
			return e.finish(res.with(OutcomeUnresolvedIdentity, "episode of care %s not found", episodeID))
		}
	} else if enrollment = rec.EnrollmentForProgram(stageRec.ProgramID); enrollment == nil {
		return e.finish(res.with(OutcomeUnresolvedIdentity, "no enrollment in program %s for patient", stageRec.ProgramID))
	}

	if prev := rec.FindEncounter(enrollment.Program, stage, orgUnit, enc.ID); prev != nil {
		res.TargetID = prev.Event
		return e.finish(res.with(OutcomeDuplicate, "Already inserted"))
	}

	id, err := e.ids.Allocate(ctx)
	if err != nil {
		return e.finish(res.failed(OutcomeUpstreamWriteFailure, err, "allocate event id"))
	}
	event := tracker.Event{
		Event:                 id,
		Enrollment:            enrollment.Enrollment,
		TrackedEntityInstance: rec.TrackedEntityInstance,
		Program:               enrollment.Program,
		ProgramStage:          stage,
		OrgUnit:               orgUnit,
		EventDate:             enc.Period.Start,
		DataValues:            []tracker.DataValue{},
	}
	res.TargetID = id
	if _, err := e.tracker.CreateEvent(ctx, event); err != nil {
		return e.finish(res.failed(OutcomeUpstreamWriteFailure, err, "write event"))
	}

	rec.Encounters = append(rec.Encounters, tracked.Encounter{
		ID:                    enc.ID,
		Event:                 id,
		Program:               event.Program,
		ProgramStage:          stage,
		OrgUnit:               orgUnit,
		EventDate:             event.EventDate,
		Enrollment:            event.Enrollment,
		TrackedEntityInstance: rec.TrackedEntityInstance,
	})
	if err := e.people.Save(ctx, rec); err != nil {
		return e.finish(res.failed(OutcomeStoreFailure, err, "event written but not recorded"))
	}
	return e.finish(res.with(OutcomeCreated, "event created"))
}
