package fhir

import "fmt"

// MissingFieldError reports a required element absent from an inbound resource.
type MissingFieldError struct {
	ResourceType string
	Field        string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s.%s is required", e.ResourceType, e.Field)
}

func missing(rt, field string) error {
	return &MissingFieldError{ResourceType: rt, Field: field}
}

// Patient is the subset of the FHIR Patient resource the bridge consumes.
type Patient struct {
	Resource
	Identifier           []Identifier     `json:"identifier,omitempty"`
	Name                 []HumanName      `json:"name,omitempty"`
	Gender               string           `json:"gender,omitempty"`
	BirthDate            string           `json:"birthDate,omitempty"`
	Telecom              []ContactPoint   `json:"telecom,omitempty"`
	Address              []Address        `json:"address,omitempty"`
	MaritalStatus        *CodeableConcept `json:"maritalStatus,omitempty"`
	ManagingOrganization *Reference       `json:"managingOrganization,omitempty"`
	Extension            []Extension      `json:"extension,omitempty"`
}

func (p *Patient) Validate() error {
	if p.ManagingOrganization == nil {
		return missing("Patient", "managingOrganization")
	}
	return nil
}

type EpisodeOfCare struct {
	Resource
	Status               string            `json:"status,omitempty"`
	Type                 []CodeableConcept `json:"type,omitempty"`
	Period               *Period           `json:"period,omitempty"`
	Patient              *Reference        `json:"patient,omitempty"`
	ManagingOrganization *Reference        `json:"managingOrganization,omitempty"`
}

func (e *EpisodeOfCare) Validate() error {
	switch {
	case e.ID == "":
		return missing("EpisodeOfCare", "id")
	case len(e.Type) == 0 || e.Type[0].FirstCoding() == nil:
		return missing("EpisodeOfCare", "type.coding")
	case e.Period == nil || e.Period.Start == "":
		return missing("EpisodeOfCare", "period.start")
	case e.Patient == nil:
		return missing("EpisodeOfCare", "patient")
	case e.ManagingOrganization == nil:
		return missing("EpisodeOfCare", "managingOrganization")
	}
	return nil
}

type Encounter struct {
	Resource
	Status          string            `json:"status,omitempty"`
	Type            []CodeableConcept `json:"type,omitempty"`
	Period          *Period           `json:"period,omitempty"`
	Subject         *Reference        `json:"subject,omitempty"`
	ServiceProvider *Reference        `json:"serviceProvider,omitempty"`
	EpisodeOfCare   []Reference       `json:"episodeOfCare,omitempty"`
}

func (e *Encounter) Validate() error {
	switch {
	case e.ID == "":
		return missing("Encounter", "id")
	case len(e.Type) == 0 || e.Type[0].FirstCoding() == nil:
		return missing("Encounter", "type.coding")
	case e.Period == nil || e.Period.Start == "":
		return missing("Encounter", "period.start")
	case e.Subject == nil:
		return missing("Encounter", "subject")
	case e.ServiceProvider == nil:
		return missing("Encounter", "serviceProvider")
	}
	return nil
}

type Observation struct {
	Resource
	Status            string          `json:"status,omitempty"`
	Code              CodeableConcept `json:"code"`
	Subject           *Reference      `json:"subject,omitempty"`
	Encounter         *Reference      `json:"encounter,omitempty"`
	EffectiveDateTime string          `json:"effectiveDateTime,omitempty"`
	Performer         []Reference     `json:"performer,omitempty"`
	HasMember         []Reference     `json:"hasMember,omitempty"`
	Value
}

// IsGroup reports whether the observation only groups member observations.
func (o *Observation) IsGroup() bool {
	return len(o.HasMember) > 0
}

func (o *Observation) Validate() error {
	switch {
	case o.Code.FirstCoding() == nil:
		return missing("Observation", "code.coding")
	case o.Subject == nil:
		return missing("Observation", "subject")
	case o.Encounter == nil || o.Encounter.Reference == "":
		return missing("Observation", "encounter")
	}
	return nil
}
