package transform

import (
	"context"
	"sort"
	"strings"

	"github.com/ehr/tracker-bridge/internal/domain/mapping"
	"github.com/ehr/tracker-bridge/internal/domain/tracked"
	"github.com/ehr/tracker-bridge/internal/platform/fhir"
	"github.com/ehr/tracker-bridge/internal/platform/tracker"
)

// Person creates or updates the tracked entity for a Patient.
func (e *Engine) Person(ctx context.Context, p *fhir.Patient) Result {
	res := result("Patient", p.ID)
	if err := p.Validate(); err != nil {
		return e.finish(res.failed(OutcomeMalformedResource, nil, err.Error()))
	}

	entityType, ok, err := e.mappings.PersonEntityType(ctx)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "resolve person entity type"))
	}
	if !ok {
		return e.finish(res.with(OutcomeUnresolvedMapping, "no entity type is tagged %s", mapping.EntityTypePerson))
	}

	orgUnit, ok, err := e.orgUnit(ctx, p.ManagingOrganization)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "resolve managing organization"))
	}
	if !ok {
		return e.finish(res.with(OutcomeUnresolvedMapping, "managing organization %s is not mapped", describeRef(p.ManagingOrganization)))
	}

	catalog, err := e.mappings.Attributes(ctx)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "load attributes"))
	}
	identifiers, values := identifierAttributes(p, catalog)
	biodata, err := e.biodata(ctx, p, catalog)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "resolve marital status"))
	}
	biodata = append(biodata, extensionAttributes(p, catalog)...)

	if len(identifiers) == 0 && len(biodata) == 0 && p.ID == "" {
		return e.finish(res.with(OutcomeUnresolvedMapping, "patient has no id and no identifier or biodata maps to an attribute"))
	}

	unlock, err := e.locker.Lock(ctx, personLockKeys(p.ID, values)...)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "lock person"))
	}
	defer unlock()

	match, err := e.people.FindPerson(ctx, p.ID, values)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "find person"))
	}

	if match == nil {
		tei, err := e.ids.Allocate(ctx)
		if err != nil {
			return e.finish(res.failed(OutcomeUpstreamWriteFailure, err, "allocate tracked entity id"))
		}
		match = &tracked.Match{Record: &tracked.Record{TrackedEntityInstance: tei}}
		res.Outcome = OutcomeCreated
	} else {
		res.Ambiguous = match.Ambiguous
		res.Outcome = OutcomeUpdated
	}

	// Record writers share this lock; rec is the stored copy, not the match.
	rec, unlockRecord, err := e.lockRecord(ctx, match)
	if err != nil {
		return e.finish(res.failed(OutcomeLookupFailure, err, "load tracked record"))
	}
	defer unlockRecord()

	rec.MergeIdentifiers(values)
	rec.MergeSourceID(p.ID)
	res.TargetID = rec.TrackedEntityInstance

	te := tracker.TrackedEntity{
		TrackedEntityInstance: rec.TrackedEntityInstance,
		TrackedEntityType:     entityType,
		OrgUnit:               orgUnit,
		Attributes:            append(identifiers, biodata...),
	}
	if _, err := e.tracker.CreateOrUpdatePerson(ctx, te); err != nil {
		return e.finish(res.failed(OutcomeUpstreamWriteFailure, err, "write tracked entity"))
	}
	if err := e.people.Save(ctx, rec); err != nil {
		return e.finish(res.failed(OutcomeStoreFailure, err, "tracked entity written but not recorded"))
	}
	res.Detail = "tracked entity " + string(res.Outcome)
	return e.finish(res)
}

// identifierAttributes maps identifiers by their type coding, or by
// (type.text, identifier id) when the type is uncoded.
func identifierAttributes(p *fhir.Patient, catalog *mapping.AttributeCatalog) ([]tracker.Attribute, []string) {
	var (
		attrs  []tracker.Attribute
		values []string
	)
	for _, ident := range p.Identifier {
		if ident.Type == nil || ident.Value == "" {
			continue
		}
		var system, code string
		if c := ident.Type.FirstCoding(); c != nil {
			system, code = c.System, c.Code
		} else if ident.Type.Text != "" && ident.ID != "" {
			system, code = ident.Type.Text, ident.ID
		} else {
			continue
		}
		attr, ok := catalog.Identifier(system, code)
		if !ok {
			continue
		}
		attrs = append(attrs, tracker.Attribute{Attribute: attr, Value: ident.Value})
		values = append(values, ident.Value)
	}
	return attrs, values
}

func (e *Engine) biodata(ctx context.Context, p *fhir.Patient, catalog *mapping.AttributeCatalog) ([]tracker.Attribute, error) {
	marital, err := e.maritalStatus(ctx, p.MaritalStatus)
	if err != nil {
		return nil, err
	}

	var name, telecom, address string
	if len(p.Name) > 0 {
		n := p.Name[0]
		name = strings.Join(append([]string{n.Family}, n.Given...), " ")
		name = strings.TrimSpace(name)
	}
	if len(p.Telecom) > 0 {
		telecom = p.Telecom[0].Value
	}
	if len(p.Address) > 0 {
		address = p.Address[0].Text
	}

	fields := []struct {
		attrType string
		value    string
	}{
		{mapping.AttrBirthDate, p.BirthDate},
		{mapping.AttrMaritalStatus, marital},
		{mapping.AttrName, name},
		{mapping.AttrGender, capitalize(p.Gender)},
		{mapping.AttrTelecom, telecom},
		{mapping.AttrAddress, address},
	}
	var attrs []tracker.Attribute
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if attr, ok := catalog.ByType(f.attrType); ok {
			attrs = append(attrs, tracker.Attribute{Attribute: attr, Value: f.value})
		}
	}
	return attrs, nil
}

func (e *Engine) maritalStatus(ctx context.Context, cc *fhir.CodeableConcept) (string, error) {
	if cc == nil {
		return "", nil
	}
	if c := cc.FirstCoding(); c != nil && c.Code != "" {
		option, ok, err := e.mappings.ResolveOption(ctx, c.System, c.Code)
		if err != nil {
			return "", err
		}
		if ok {
			return option, nil
		}
	}
	return cc.Text, nil
}

// extensionAttributes walks patient and address extensions depth first. A
// URL seen twice keeps its last value.
func extensionAttributes(p *fhir.Patient, catalog *mapping.AttributeCatalog) []tracker.Attribute {
	var (
		order []string
		byURL = make(map[string]fhir.Extension)
	)
	var walk func(exts []fhir.Extension)
	walk = func(exts []fhir.Extension) {
		for _, ext := range exts {
			if _, seen := byURL[ext.URL]; !seen {
				order = append(order, ext.URL)
			}
			byURL[ext.URL] = ext
			walk(ext.Extension)
		}
	}
	walk(p.Extension)
	for _, a := range p.Address {
		walk(a.Extension)
	}

	var attrs []tracker.Attribute
	for _, url := range order {
		value, ok := extensionValue(byURL[url].Value)
		if !ok {
			continue
		}
		if attr, ok := catalog.Extension(url); ok {
			attrs = append(attrs, tracker.Attribute{Attribute: attr, Value: value})
		}
	}
	return attrs
}

func personLockKeys(id string, identifiers []string) []string {
	keys := make([]string, 0, len(identifiers)+1)
	if id != "" {
		keys = append(keys, "person:id:"+id)
	}
	for _, v := range identifiers {
		keys = append(keys, "person:ident:"+v)
	}
	sort.Strings(keys)
	return keys
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func describeRef(ref *fhir.Reference) string {
	if ref == nil {
		return "<none>"
	}
	if ref.Identifier != nil && ref.Identifier.Value != "" {
		return ref.Identifier.Value
	}
	return ref.Reference
}
