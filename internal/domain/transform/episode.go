package transform

import (
	"context"

	"github.com/ehr/tracker-bridge/internal/domain/mapping"
	"github.com/ehr/tracker-bridge/internal/domain/tracked"
	"github.com/ehr/tracker-bridge/internal/platform/fhir"
	"github.com/ehr/tracker-bridge/internal/platform/tracker"
)

// Episode enrolls the owning person in the program an EpisodeOfCare maps to.
func (e *Engine) Episode(ctx context.Context, eoc *fhir.EpisodeOfCare) Result {
	res := result("EpisodeOfCare", eoc.ID)
	if err := eoc.Validate(); err != nil {
		return e.finish(res.failed(OutcomeMalformedResource, nil, err.Error()))
	}

	coding := eoc.Type[0].FirstCoding()
	system := coding.System
	if system == "" {
		system = coding.Display
	}
	program, ok, err := e.mappings.Resolve(ctx, mapping.IndexPrograms, system, coding.Code)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "resolve program"))
	}
	if !ok {
		return e.finish(res.with(OutcomeUnresolvedMapping, "program %s|%s is not mapped", system, coding.Code))
	}

	orgUnit, ok, err := e.orgUnit(ctx, eoc.ManagingOrganization)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "resolve managing organization"))
	}
	if !ok {
		return e.finish(res.with(OutcomeUnresolvedMapping, "managing organization %s is not mapped", describeRef(eoc.ManagingOrganization)))
	}

	match, err := e.findOwner(ctx, eoc.Patient)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "find patient"))
	}
	if match == nil {
		return e.finish(res.with(OutcomeUnresolvedIdentity, "patient %s not found", describeRef(eoc.Patient)))
	}
	res.Ambiguous = match.Ambiguous

	rec, unlock, err := e.lockRecord(ctx, match)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "load tracked record"))
	}
	defer unlock()

	if prev := rec.FindEnrollment(program, orgUnit, eoc.ID); prev != nil {
		res.TargetID = prev.Enrollment
		return e.finish(res.with(OutcomeDuplicate, "Already enrolled"))
	}

	id, err := e.ids.Allocate(ctx)
	if err != nil {
		return e.finish(res.failed(OutcomeUpstreamWriteFailure, err, "allocate enrollment id"))
	}
	enrollment := tracker.Enrollment{
		Enrollment:            id,
		TrackedEntityInstance: rec.TrackedEntityInstance,
		Program:               program,
		OrgUnit:               orgUnit,
		EnrollmentDate:        eoc.Period.Start,
		IncidentDate:          eoc.Period.Start,
	}
	res.TargetID = id
	if _, err := e.tracker.CreateEnrollment(ctx, enrollment); err != nil {
		return e.finish(res.failed(OutcomeUpstreamWriteFailure, err, "write enrollment"))
	}

	rec.Enrollments = append(rec.Enrollments, tracked.Enrollment{
		ID:                    eoc.ID,
		Enrollment:            id,
		Program:               program,
		OrgUnit:               orgUnit,
		EnrollmentDate:        enrollment.EnrollmentDate,
		IncidentDate:          enrollment.IncidentDate,
		TrackedEntityInstance: rec.TrackedEntityInstance,
	})
	if err := e.people.Save(ctx, rec); err != nil {
		return e.finish(res.failed(OutcomeStoreFailure, err, "enrollment written but not recorded"))
	}
	return e.finish(res.with(OutcomeCreated, "enrollment created"))
}
