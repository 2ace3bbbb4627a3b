package mapping

import (
	"encoding/json"
	"fmt"
)

// Catalog index names in the mapping store.
const (
	IndexAttributes    = "attributes"
	IndexConcepts      = "concepts"
	IndexEntities      = "entities"
	IndexPrograms      = "programs"
	IndexStages        = "stages"
	IndexOrganisations = "organisations"
	IndexPatients      = "patients"
)

// AllIndexes lists every index the bridge reads or writes.
var AllIndexes = []string{
	IndexPrograms, IndexStages, IndexConcepts, IndexAttributes,
	IndexPatients, IndexEntities, IndexOrganisations,
}

// Attribute types recognised on attribute records. An attribute with an
// empty type is only usable as an identifier attribute.
const (
	AttrBirthDate     = "birthDate"
	AttrName          = "given"
	AttrGender        = "gender"
	AttrTelecom       = "telecom"
	AttrAddress       = "address"
	AttrMaritalStatus = "maritalStatus"
	AttrExtension     = "extension"
)

// EntityTypePerson tags the entity-type record used for people.
const EntityTypePerson = "Person"

// Entry pairs a code with the code space it belongs to.
type Entry struct {
	System string `json:"system"`
	Code   string `json:"code"`
}

// Mappings is the ordered entry list of a catalog record; at most one entry
// per system.
type Mappings []Entry

// Code returns the record's code in system.
func (m Mappings) Code(system string) (string, bool) {
	for _, e := range m {
		if e.System == system {
			return e.Code, true
		}
	}
	return "", false
}

// Has reports whether the exact (system, code) pair is present.
func (m Mappings) Has(system, code string) bool {
	for _, e := range m {
		if e.System == system && e.Code == code {
			return true
		}
	}
	return false
}

// With returns a copy of m where e replaces any entry of the same system, or
// is appended when the system is new.
func (m Mappings) With(e Entry) Mappings {
	out := make(Mappings, 0, len(m)+1)
	replaced := false
	for _, cur := range m {
		if cur.System == e.System {
			if !replaced {
				out = append(out, e)
				replaced = true
			}
			continue
		}
		out = append(out, cur)
	}
	if !replaced {
		out = append(out, e)
	}
	return out
}

// Record is a mapping-carrying catalog record. Kind-specific fields are left
// empty for kinds that do not use them.
type Record struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	ShortName   string   `json:"shortName,omitempty"`
	Description string   `json:"description,omitempty"`
	Code        string   `json:"code,omitempty"`
	ValueType   string   `json:"valueType,omitempty"`
	Identifier  bool     `json:"identifier,omitempty"`
	Type        string   `json:"type,omitempty"`
	Repeatable  *bool    `json:"repeatable,omitempty"`
	ProgramID   string   `json:"programId,omitempty"`
	ProgramName string   `json:"programName,omitempty"`
	Mappings    Mappings `json:"mappings"`
}

// Decode unmarshals every document body into T.
func Decode[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := json.Unmarshal(d.Body, &v); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", d.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Encode marshals values into document bodies for BulkUpsert.
func Encode[T any](values []T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode document: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}
