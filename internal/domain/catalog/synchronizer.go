// Package catalog keeps the mapping store's catalogs in step with the
// tracker's metadata and imports source-system code lists.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/tracker-bridge/internal/domain/mapping"
	"github.com/ehr/tracker-bridge/internal/platform/tracker"
)

// Fetcher reads one metadata collection from the tracker.
type Fetcher interface {
	FetchCatalog(ctx context.Context, q tracker.CatalogQuery) ([]json.RawMessage, error)
}

// Invalidator drops cached catalog indexes after their documents change.
type Invalidator interface {
	Invalidate(catalogs ...string)
}

type Config struct {
	TargetSystem string
	OptionSystem string
	SourceSystem string
	// PersonLabels are lower-cased entity type names tagged as people.
	PersonLabels []string
	OrgUnitLevel int
}

// remote is the union of the metadata fields requested across catalogs.
type remote struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ShortName   string `json:"shortName"`
	Description string `json:"description"`
	ValueType   string `json:"valueType"`
	Unique      bool   `json:"unique"`
	Repeatable  *bool  `json:"repeatable"`
	Program     *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"program"`
}

type source struct {
	index string
	query tracker.CatalogQuery
	// shape sets the kind-specific fields on a record built from r.
	shape func(rec *mapping.Record, r remote)
}

func (s *Synchronizer) sources() []source {
	const basic = "id,name,shortName,description"
	return []source{
		{
			index: mapping.IndexConcepts,
			query: tracker.CatalogQuery{
				Resource: "dataElements",
				Fields:   basic + ",valueType",
				Filter:   []string{"domainType:eq:TRACKER"},
			},
			shape: func(rec *mapping.Record, r remote) { rec.ValueType = r.ValueType },
		},
		{
			index: mapping.IndexAttributes,
			query: tracker.CatalogQuery{Resource: "trackedEntityAttributes", Fields: basic + ",valueType,unique"},
			shape: func(rec *mapping.Record, r remote) {
				rec.ValueType = r.ValueType
				rec.Identifier = r.Unique
			},
		},
		{
			index: mapping.IndexEntities,
			query: tracker.CatalogQuery{Resource: "trackedEntityTypes", Fields: basic},
			shape: func(rec *mapping.Record, r remote) {
				if s.isPerson(r.Name) {
					rec.Type = mapping.EntityTypePerson
				}
			},
		},
		{
			index: mapping.IndexPrograms,
			query: tracker.CatalogQuery{Resource: "programs", Fields: basic},
		},
		{
			index: mapping.IndexStages,
			query: tracker.CatalogQuery{Resource: "programStages", Fields: "id,name,description,repeatable,program[id,name]"},
			shape: func(rec *mapping.Record, r remote) {
				rec.Repeatable = r.Repeatable
				if r.Program != nil {
					rec.ProgramID = r.Program.ID
					rec.ProgramName = r.Program.Name
				}
			},
		},
		{
			index: mapping.IndexOrganisations,
			query: tracker.CatalogQuery{Resource: "organisationUnits", Fields: basic, Level: s.cfg.OrgUnitLevel},
		},
	}
}

// CatalogReport is the outcome of one catalog within a run.
type CatalogReport struct {
	Index    string `json:"index"`
	Resource string `json:"resource"`
	Fetched  int    `json:"fetched"`
	Stored   int    `json:"stored"`
	Error    string `json:"error,omitempty"`
}

type Report struct {
	RunID      string          `json:"runId"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Catalogs   []CatalogReport `json:"catalogs"`
}

// Failed reports whether any catalog failed.
func (r *Report) Failed() bool {
	for _, c := range r.Catalogs {
		if c.Error != "" {
			return true
		}
	}
	return false
}

type Synchronizer struct {
	store   mapping.Store
	fetcher Fetcher
	cache   Invalidator
	cfg     Config
	logger  zerolog.Logger

	// running serializes whole runs.
	running sync.Mutex
}

func NewSynchronizer(store mapping.Store, fetcher Fetcher, cache Invalidator, cfg Config, logger zerolog.Logger) *Synchronizer {
	if cfg.TargetSystem == "" {
		cfg.TargetSystem = "DHIS2"
	}
	labels := make([]string, 0, len(cfg.PersonLabels))
	for _, l := range cfg.PersonLabels {
		labels = append(labels, strings.ToLower(strings.TrimSpace(l)))
	}
	cfg.PersonLabels = labels
	return &Synchronizer{
		store:   store,
		fetcher: fetcher,
		cache:   cache,
		cfg:     cfg,
		logger:  logger.With().Str("component", "catalog").Logger(),
	}
}

func (s *Synchronizer) isPerson(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, l := range s.cfg.PersonLabels {
		if l == name {
			return true
		}
	}
	return false
}

// EnsureIndexes creates every index the bridge uses.
func (s *Synchronizer) EnsureIndexes(ctx context.Context) error {
	for _, idx := range mapping.AllIndexes {
		if err := s.store.CreateIndex(ctx, idx); err != nil {
			return fmt.Errorf("create index %s: %w", idx, err)
		}
	}
	return nil
}

// Sync pulls every catalog and merges it into the store. A catalog that
// fails is recorded in the report; the error is reserved for index setup.
func (s *Synchronizer) Sync(ctx context.Context) (*Report, error) {
	s.running.Lock()
	defer s.running.Unlock()

	report := &Report{RunID: uuid.New().String(), StartedAt: time.Now().UTC()}
	log := s.logger.With().Str("run_id", report.RunID).Logger()

	if err := s.EnsureIndexes(ctx); err != nil {
		return nil, err
	}

	sources := s.sources()
	report.Catalogs = make([]CatalogReport, len(sources))

	var g errgroup.Group
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			report.Catalogs[i] = s.syncOne(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	if s.cache != nil {
		s.cache.Invalidate()
	}
	report.FinishedAt = time.Now().UTC()

	for _, c := range report.Catalogs {
		ev := log.Info()
		if c.Error != "" {
			ev = log.Error().Str("error", c.Error)
		}
		ev.Str("index", c.Index).Int("fetched", c.Fetched).Int("stored", c.Stored).Msg("catalog synchronized")
	}
	return report, nil
}

func (s *Synchronizer) syncOne(ctx context.Context, src source) CatalogReport {
	rep := CatalogReport{Index: src.index, Resource: src.query.Resource}

	items, err := s.fetcher.FetchCatalog(ctx, src.query)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.Fetched = len(items)

	existing, err := s.existing(ctx, src.index)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}

	records := make([]mapping.Record, 0, len(items))
	for _, raw := range items {
		var r remote
		if err := json.Unmarshal(raw, &r); err != nil || r.ID == "" {
			s.logger.Warn().Str("index", src.index).Msg("skipping metadata item without id")
			continue
		}
		rec := mapping.Record{
			ID:          r.ID,
			Name:        r.Name,
			ShortName:   r.ShortName,
			Description: r.Description,
		}
		if src.shape != nil {
			src.shape(&rec, r)
		}
		records = append(records, s.merge(rec, existing[rec.ID]))
	}
	if len(records) == 0 {
		return rep
	}

	bodies, err := mapping.Encode(records)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	if err := s.store.BulkUpsert(ctx, src.index, "id", bodies); err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.Stored = len(records)
	return rep
}

// merge keeps what local curation added to a record: non-target mappings,
// the attribute type and a source code.
func (s *Synchronizer) merge(rec mapping.Record, prev *mapping.Record) mapping.Record {
	target := mapping.Entry{System: s.cfg.TargetSystem, Code: rec.ID}
	if prev == nil {
		rec.Mappings = mapping.Mappings{target}
		return rec
	}
	rec.Mappings = prev.Mappings.With(target)
	if rec.Type == "" {
		rec.Type = prev.Type
	}
	if rec.Code == "" {
		rec.Code = prev.Code
	}
	return rec
}

func (s *Synchronizer) existing(ctx context.Context, index string) (map[string]*mapping.Record, error) {
	docs, err := s.store.All(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", index, err)
	}
	records, err := mapping.Decode[mapping.Record](docs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*mapping.Record, len(records))
	for i := range records {
		out[records[i].ID] = &records[i]
	}
	return out, nil
}
