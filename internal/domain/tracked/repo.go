package tracked

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/tracker-bridge/internal/domain/mapping"
)

const idField = "trackedEntityInstance"

// Match is the outcome of a person lookup. Ambiguous is set when more than
// one stored record matched; Record is then the one with the lowest tracked
// entity id.
type Match struct {
	Record     *Record
	Ambiguous  bool
	Candidates int
}

// Repository keeps tracked records in the patients index.
type Repository struct {
	store  mapping.Store
	logger zerolog.Logger
}

func NewRepository(store mapping.Store, logger zerolog.Logger) *Repository {
	return &Repository{store: store, logger: logger.With().Str("component", "identity").Logger()}
}

// FindPerson looks the person up by source id first (primary, then alias),
// then by any shared identifier value. It returns nil when nothing matches.
func (r *Repository) FindPerson(ctx context.Context, id string, identifiers []string) (*Match, error) {
	if id != "" {
		docs, err := r.store.SearchByField(ctx, mapping.IndexPatients, "id", id)
		if err != nil {
			return nil, fmt.Errorf("find person by id: %w", err)
		}
		if len(docs) > 0 {
			return r.match(docs, "id", id)
		}
		docs, err = r.store.SearchByValues(ctx, mapping.IndexPatients, "sourceIds", []string{id})
		if err != nil {
			return nil, fmt.Errorf("find person by source id: %w", err)
		}
		if len(docs) > 0 {
			return r.match(docs, "sourceIds", id)
		}
	}

	values := nonEmpty(identifiers)
	if len(values) == 0 {
		return nil, nil
	}
	docs, err := r.store.SearchByValues(ctx, mapping.IndexPatients, "attributes", values)
	if err != nil {
		return nil, fmt.Errorf("find person by identifier: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return r.match(docs, "identifiers", fmt.Sprint(values))
}

func (r *Repository) match(docs []mapping.Document, by, key string) (*Match, error) {
	records, err := mapping.Decode[Record](docs[:1])
	if err != nil {
		return nil, err
	}
	m := &Match{Record: &records[0], Candidates: len(docs), Ambiguous: len(docs) > 1}
	if m.Ambiguous {
		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.ID
		}
		r.logger.Warn().
			Str("by", by).
			Str("key", key).
			Strs("candidates", ids).
			Str("chosen", m.Record.TrackedEntityInstance).
			Msg("person lookup matched more than one tracked entity")
	}
	return m, nil
}

// Get returns the record for a tracked entity, or nil when absent.
func (r *Repository) Get(ctx context.Context, tei string) (*Record, error) {
	doc, err := r.store.Get(ctx, mapping.IndexPatients, tei)
	if errors.Is(err, mapping.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tracked record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(doc.Body, &rec); err != nil {
		return nil, fmt.Errorf("decode tracked record %s: %w", tei, err)
	}
	return &rec, nil
}

// Save upserts rec keyed by its tracked entity id.
func (r *Repository) Save(ctx context.Context, rec *Record) error {
	if rec.TrackedEntityInstance == "" {
		return fmt.Errorf("save tracked record: trackedEntityInstance is empty")
	}
	if rec.Attributes == nil {
		rec.Attributes = []string{}
	}
	if rec.Enrollments == nil {
		rec.Enrollments = []Enrollment{}
	}
	if rec.Encounters == nil {
		rec.Encounters = []Encounter{}
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode tracked record: %w", err)
	}
	if err := r.store.BulkUpsert(ctx, mapping.IndexPatients, idField, []json.RawMessage{body}); err != nil {
		return fmt.Errorf("save tracked record: %w", err)
	}
	return nil
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
