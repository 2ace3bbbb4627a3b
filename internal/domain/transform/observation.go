package transform

import (
	"context"

	"github.com/ehr/tracker-bridge/internal/domain/mapping"
	"github.com/ehr/tracker-bridge/internal/platform/fhir"
	"github.com/ehr/tracker-bridge/internal/platform/tracker"
)

// Observation sets one data value on the event of the referenced encounter.
// Nothing is written to the mapping store.
func (e *Engine) Observation(ctx context.Context, obs *fhir.Observation) Result {
	res := result("Observation", obs.ID)
	if err := obs.Validate(); err != nil {
		return e.finish(res.failed(OutcomeMalformedResource, nil, err.Error()))
	}

	value, ok, err := e.observationValue(ctx, obs.Value)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "resolve coded value"))
	}
	if !ok {
		return e.finish(res.with(OutcomeMalformedResource, "observation has no value"))
	}

	coding := obs.Code.FirstCoding()
	dataElement, ok, err := e.mappings.Resolve(ctx, mapping.IndexConcepts, coding.System, coding.Code)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "resolve data element"))
	}
	if !ok {
		return e.finish(res.with(OutcomeUnresolvedMapping, "concept %s|%s is not mapped", coding.System, coding.Code))
	}

	match, err := e.findOwner(ctx, obs.Subject)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "find patient"))
	}
	if match == nil {
		return e.finish(res.with(OutcomeUnresolvedIdentity, "patient %s not found", describeRef(obs.Subject)))
	}
	res.Ambiguous = match.Ambiguous

	encounterID := fhir.ReferenceID(obs.Encounter.Reference, "Encounter")
	enc := match.Record.EncounterByID(encounterID)
	if enc == nil {
		return e.finish(res.with(OutcomeUnresolvedIdentity, "encounter not found: %s", encounterID))
	}
	res.TargetID = enc.Event

	event := tracker.Event{
		Event:                 enc.Event,
		Enrollment:            enc.Enrollment,
		TrackedEntityInstance: enc.TrackedEntityInstance,
		Program:               enc.Program,
		ProgramStage:          enc.ProgramStage,
		OrgUnit:               enc.OrgUnit,
		EventDate:             enc.EventDate,
	}
	if _, err := e.tracker.UpdateEventValues(ctx, event, dataElement, value); err != nil {
		return e.finish(res.failed(OutcomeUpstreamWriteFailure, err, "write data value"))
	}
	return e.finish(res.with(OutcomeUpdated, "data value %s set", dataElement))
}
