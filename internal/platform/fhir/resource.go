package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Resource is the envelope common to every inbound resource.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCoding returns the first coding, or nil when the concept carries none.
func (c *CodeableConcept) FirstCoding() *Coding {
	if c == nil || len(c.Coding) == 0 {
		return nil
	}
	return &c.Coding[0]
}

type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

type Identifier struct {
	ID     string           `json:"id,omitempty"`
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

type Address struct {
	Use        string      `json:"use,omitempty"`
	Type       string      `json:"type,omitempty"`
	Text       string      `json:"text,omitempty"`
	Line       []string    `json:"line,omitempty"`
	City       string      `json:"city,omitempty"`
	District   string      `json:"district,omitempty"`
	State      string      `json:"state,omitempty"`
	PostalCode string      `json:"postalCode,omitempty"`
	Country    string      `json:"country,omitempty"`
	Extension  []Extension `json:"extension,omitempty"`
}

type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
}

// Period keeps FHIR date/dateTime values as strings; partial dates such as
// "2021" or "2021-04" are legal and are passed through to the tracker as-is.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Quantity struct {
	Value  *float64 `json:"value,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	System string   `json:"system,omitempty"`
	Code   string   `json:"code,omitempty"`
}

// Value holds the value[x] choice shared by Observation and Extension.
// Pointers distinguish an absent element from a zero value.
type Value struct {
	ValueQuantity        *Quantity        `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueString          *string          `json:"valueString,omitempty"`
	ValueBoolean         *bool            `json:"valueBoolean,omitempty"`
	ValueInteger         *int64           `json:"valueInteger,omitempty"`
	ValueTime            *string          `json:"valueTime,omitempty"`
	ValueDateTime        *string          `json:"valueDateTime,omitempty"`
}

type Extension struct {
	URL       string      `json:"url"`
	Extension []Extension `json:"extension,omitempty"`
	Value
}

// ReferenceID extracts the logical id from a literal reference. It accepts
// relative ("Patient/123"), absolute ("https://host/fhir/Patient/123"),
// versioned ("Patient/123/_history/2") and "urn:uuid:" forms. An empty string
// is returned when ref does not point at resourceType.
func ReferenceID(ref, resourceType string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(ref, "urn:uuid:"); ok {
		return rest
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(ref, "/")
	if len(parts) < 2 {
		// A bare id is accepted as-is.
		return ref
	}
	if parts[len(parts)-2] != resourceType {
		return ""
	}
	return parts[len(parts)-1]
}

// PeekResourceType reads resourceType without decoding the whole payload.
func PeekResourceType(raw json.RawMessage) (string, error) {
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", fmt.Errorf("decode resource envelope: %w", err)
	}
	if r.ResourceType == "" {
		return "", fmt.Errorf("resourceType is required")
	}
	return r.ResourceType, nil
}
