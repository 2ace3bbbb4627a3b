package fhir

import (
	"errors"
	"testing"
)

func TestEpisodeOfCare_Validate(t *testing.T) {
	valid := EpisodeOfCare{
		Resource:             Resource{ResourceType: "EpisodeOfCare", ID: "eoc-1"},
		Type:                 []CodeableConcept{{Coding: []Coding{{System: "s", Code: "TB"}}}},
		Period:               &Period{Start: "2023-01-02"},
		Patient:              &Reference{Reference: "Patient/p1"},
		ManagingOrganization: &Reference{Reference: "Organization/o1"},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid episode, got %v", err)
	}

	tests := []struct {
		name  string
		mut   func(e *EpisodeOfCare)
		field string
	}{
		{"no id", func(e *EpisodeOfCare) { e.ID = "" }, "id"},
		{"no coding", func(e *EpisodeOfCare) { e.Type = []CodeableConcept{{Text: "tb"}} }, "type.coding"},
		{"no period", func(e *EpisodeOfCare) { e.Period = nil }, "period.start"},
		{"no patient", func(e *EpisodeOfCare) { e.Patient = nil }, "patient"},
		{"no org", func(e *EpisodeOfCare) { e.ManagingOrganization = nil }, "managingOrganization"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mut(&e)
			err := e.Validate()
			var mf *MissingFieldError
			if !errors.As(err, &mf) {
				t.Fatalf("expected MissingFieldError, got %v", err)
			}
			if mf.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, mf.Field)
			}
		})
	}
}

func TestEncounter_Validate(t *testing.T) {
	e := Encounter{
		Resource:        Resource{ID: "enc-1"},
		Type:            []CodeableConcept{{Coding: []Coding{{Code: "visit"}}}},
		Period:          &Period{Start: "2023-02-01"},
		Subject:         &Reference{Reference: "Patient/p1"},
		ServiceProvider: &Reference{Reference: "Organization/o1"},
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("expected valid encounter, got %v", err)
	}
	e.ServiceProvider = nil
	if err := e.Validate(); err == nil {
		t.Error("expected error without serviceProvider")
	}
}

func TestObservation_Validate(t *testing.T) {
	o := Observation{
		Code:      CodeableConcept{Coding: []Coding{{System: "loinc", Code: "8867-4"}}},
		Subject:   &Reference{Reference: "Patient/p1"},
		Encounter: &Reference{Reference: "Encounter/e1"},
	}
	if err := o.Validate(); err != nil {
		t.Fatalf("expected valid observation, got %v", err)
	}
	o.Encounter = nil
	if err := o.Validate(); err == nil {
		t.Error("expected error without encounter")
	}
	o.Code = CodeableConcept{}
	if err := o.Validate(); err == nil || err.Error() != "Observation.code.coding is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPatient_Validate(t *testing.T) {
	p := Patient{}
	if err := p.Validate(); err == nil {
		t.Error("expected error without managingOrganization")
	}
	p.ManagingOrganization = &Reference{Reference: "Organization/o1"}
	if err := p.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
