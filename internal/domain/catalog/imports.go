package catalog

import (
	"context"
	"fmt"

	"github.com/ehr/tracker-bridge/internal/domain/mapping"
)

// OptionRow is one option of a tracker option set with the source system's
// code for it.
type OptionRow struct {
	OptionSet  string `json:"optionSet"`
	Code       string `json:"code"`
	Name       string `json:"name"`
	SourceCode string `json:"sourceCode"`
}

// ConceptRow is a tracker data element with the source system's code for it.
type ConceptRow struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Code       string `json:"code"`
	SourceCode string `json:"sourceCode"`
}

type ImportReport struct {
	Received int `json:"received"`
	Stored   int `json:"stored"`
	Skipped  int `json:"skipped"`
}

// ImportOptions stores each option as a concept keyed optionSet+code,
// mapped from the source code to the option code.
func (s *Synchronizer) ImportOptions(ctx context.Context, rows []OptionRow) (*ImportReport, error) {
	rep := &ImportReport{Received: len(rows)}
	existing, err := s.existing(ctx, mapping.IndexConcepts)
	if err != nil {
		return nil, err
	}

	var records []mapping.Record
	for _, row := range rows {
		if row.OptionSet == "" || row.Code == "" {
			rep.Skipped++
			continue
		}
		rec := mapping.Record{ID: row.OptionSet + row.Code, Name: row.Name, Code: row.Code}
		if prev := existing[rec.ID]; prev != nil {
			rec.Mappings = prev.Mappings
			if rec.Name == "" {
				rec.Name = prev.Name
			}
		}
		if row.SourceCode != "" {
			rec.Mappings = rec.Mappings.With(mapping.Entry{System: s.cfg.SourceSystem, Code: row.SourceCode})
		}
		rec.Mappings = rec.Mappings.With(mapping.Entry{System: s.cfg.OptionSystem, Code: row.Code})
		records = append(records, rec)
		saved := rec
		existing[rec.ID] = &saved
	}
	return s.storeConcepts(ctx, records, rep)
}

// ImportConcepts attaches source codes to data element concepts, creating
// the concept when a sync has not stored it yet.
func (s *Synchronizer) ImportConcepts(ctx context.Context, rows []ConceptRow) (*ImportReport, error) {
	rep := &ImportReport{Received: len(rows)}
	existing, err := s.existing(ctx, mapping.IndexConcepts)
	if err != nil {
		return nil, err
	}

	var records []mapping.Record
	for _, row := range rows {
		if row.ID == "" || row.SourceCode == "" {
			rep.Skipped++
			continue
		}
		source := mapping.Entry{System: s.cfg.SourceSystem, Code: row.SourceCode}
		var rec mapping.Record
		if prev := existing[row.ID]; prev != nil {
			rec = *prev
			rec.Mappings = prev.Mappings.With(source)
			if rec.Code == "" {
				rec.Code = row.Code
			}
		} else {
			rec = mapping.Record{
				ID:   row.ID,
				Name: row.Name,
				Code: row.Code,
				Mappings: mapping.Mappings{
					source,
					{System: s.cfg.TargetSystem, Code: row.ID},
				},
			}
		}
		records = append(records, rec)
		saved := rec
		existing[rec.ID] = &saved
	}
	return s.storeConcepts(ctx, records, rep)
}

func (s *Synchronizer) storeConcepts(ctx context.Context, records []mapping.Record, rep *ImportReport) (*ImportReport, error) {
	if len(records) == 0 {
		return rep, nil
	}
	if err := s.store.CreateIndex(ctx, mapping.IndexConcepts); err != nil {
		return nil, fmt.Errorf("create index %s: %w", mapping.IndexConcepts, err)
	}
	bodies, err := mapping.Encode(records)
	if err != nil {
		return nil, err
	}
	if err := s.store.BulkUpsert(ctx, mapping.IndexConcepts, "id", bodies); err != nil {
		return nil, fmt.Errorf("store concepts: %w", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(mapping.IndexConcepts)
	}
	rep.Stored = len(records)
	s.logger.Info().Int("received", rep.Received).Int("stored", rep.Stored).Int("skipped", rep.Skipped).Msg("concepts imported")
	return rep, nil
}
