// Package ingest splits inbound submissions into resources and runs them
// through the transformers in dependency order.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/tracker-bridge/internal/domain/transform"
	"github.com/ehr/tracker-bridge/internal/platform/fhir"
)

// Transformer is the per-resource engine.
type Transformer interface {
	Person(ctx context.Context, p *fhir.Patient) transform.Result
	Episode(ctx context.Context, e *fhir.EpisodeOfCare) transform.Result
	Visit(ctx context.Context, e *fhir.Encounter) transform.Result
	Observation(ctx context.Context, o *fhir.Observation) transform.Result
}

// Item is the result for one entry. Entry is the index in the submitted
// bundle; Synthetic marks a visit derived from a grouping observation.
type Item struct {
	Entry     int
	FullURL   string
	Synthetic bool
	Result    transform.Result
}

type Decomposer struct {
	engine      Transformer
	concurrency int
	logger      zerolog.Logger
}

func NewDecomposer(engine Transformer, concurrency int, logger zerolog.Logger) *Decomposer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Decomposer{
		engine:      engine,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "ingest").Logger(),
	}
}

type entryRef struct {
	index     int
	fullURL   string
	synthetic bool
}

type patientEntry struct {
	entryRef
	res *fhir.Patient
}

type episodeEntry struct {
	entryRef
	res *fhir.EpisodeOfCare
}

type encounterEntry struct {
	entryRef
	res *fhir.Encounter
}

type observationEntry struct {
	entryRef
	res *fhir.Observation
}

// plan holds a bundle's resources grouped by phase.
type plan struct {
	patients     []patientEntry
	episodes     []episodeEntry
	encounters   []encounterEntry
	observations []observationEntry
	rejected     []Item
}

// Process accepts a Bundle or a single supported resource. The error is
// reserved for payloads that are not a resource at all.
func (d *Decomposer) Process(ctx context.Context, raw json.RawMessage) ([]Item, error) {
	rt, err := fhir.PeekResourceType(raw)
	if err != nil {
		return nil, err
	}
	if rt == "Bundle" {
		var b fhir.Bundle
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode bundle: %w", err)
		}
		return d.ProcessBundle(ctx, &b), nil
	}

	var p plan
	p.add(0, "", raw)
	return d.run(ctx, &p), nil
}

// ProcessBundle runs every entry and returns one item per processed
// resource: patients, then episodes, then visits, then observations, each in
// input order, followed by rejected entries.
func (d *Decomposer) ProcessBundle(ctx context.Context, b *fhir.Bundle) []Item {
	var p plan
	for i, entry := range b.Entry {
		p.add(i, entry.FullURL, entry.Resource)
	}
	p.expandGroups()

	d.logger.Debug().
		Int("entries", len(b.Entry)).
		Int("patients", len(p.patients)).
		Int("episodes", len(p.episodes)).
		Int("encounters", len(p.encounters)).
		Int("observations", len(p.observations)).
		Int("rejected", len(p.rejected)).
		Msg("bundle decomposed")

	return d.run(ctx, &p)
}

func (p *plan) add(index int, fullURL string, raw json.RawMessage) {
	ref := entryRef{index: index, fullURL: fullURL}
	reject := func(rt, id, detail string) {
		p.rejected = append(p.rejected, Item{
			Entry:   index,
			FullURL: fullURL,
			Result: transform.Result{
				ResourceType: rt,
				ID:           id,
				Outcome:      transform.OutcomeMalformedResource,
				Detail:       detail,
			},
		})
	}

	if len(raw) == 0 {
		reject("", "", "entry has no resource")
		return
	}
	rt, err := fhir.PeekResourceType(raw)
	if err != nil {
		reject("", "", err.Error())
		return
	}

	var decodeErr error
	switch rt {
	case "Patient":
		var r fhir.Patient
		if decodeErr = json.Unmarshal(raw, &r); decodeErr == nil {
			p.patients = append(p.patients, patientEntry{ref, &r})
		}
	case "EpisodeOfCare":
		var r fhir.EpisodeOfCare
		if decodeErr = json.Unmarshal(raw, &r); decodeErr == nil {
			p.episodes = append(p.episodes, episodeEntry{ref, &r})
		}
	case "Encounter":
		var r fhir.Encounter
		if decodeErr = json.Unmarshal(raw, &r); decodeErr == nil {
			p.encounters = append(p.encounters, encounterEntry{ref, &r})
		}
	case "Observation":
		var r fhir.Observation
		if decodeErr = json.Unmarshal(raw, &r); decodeErr == nil {
			p.observations = append(p.observations, observationEntry{ref, &r})
		}
	default:
		var env fhir.Resource
		_ = json.Unmarshal(raw, &env)
		reject(rt, env.ID, "unsupported resource type "+rt)
		return
	}
	if decodeErr != nil {
		reject(rt, "", "decode "+rt+": "+decodeErr.Error())
	}
}

// expandGroups turns every grouping observation into a synthetic visit keyed
// by its own id and points its members at that visit. The grouping
// observation itself is not transformed.
func (p *plan) expandGroups() {
	byID := make(map[string]*fhir.Observation, len(p.observations))
	for _, o := range p.observations {
		if o.res.ID != "" {
			byID[o.res.ID] = o.res
		}
	}

	kept := p.observations[:0]
	for _, o := range p.observations {
		if !o.res.IsGroup() {
			kept = append(kept, o)
			continue
		}
		parent := o.res
		for _, member := range parent.HasMember {
			if m, ok := byID[fhir.ReferenceID(member.Reference, "Observation")]; ok {
				m.Encounter = &fhir.Reference{Reference: "Encounter/" + parent.ID}
			}
		}
		ref := o.entryRef
		ref.synthetic = true
		p.encounters = append(p.encounters, encounterEntry{ref, syntheticVisit(parent)})
	}
	p.observations = kept
}

func syntheticVisit(parent *fhir.Observation) *fhir.Encounter {
	enc := &fhir.Encounter{
		Resource: fhir.Resource{ResourceType: "Encounter", ID: parent.ID},
		Status:   "finished",
		Type:     []fhir.CodeableConcept{parent.Code},
		Subject:  parent.Subject,
	}
	if parent.EffectiveDateTime != "" {
		enc.Period = &fhir.Period{Start: parent.EffectiveDateTime}
	}
	for i := range parent.Performer {
		ref := parent.Performer[i].Reference
		if strings.HasPrefix(ref, "Organization/") || strings.Contains(ref, "/Organization/") {
			enc.ServiceProvider = &parent.Performer[i]
			break
		}
	}
	return enc
}

func (d *Decomposer) run(ctx context.Context, p *plan) []Item {
	var items []Item

	items = append(items, runPhase(ctx, d.concurrency, p.patients, func(ctx context.Context, e patientEntry) Item {
		return e.item(d.engine.Person(ctx, e.res))
	})...)
	items = append(items, runPhase(ctx, d.concurrency, p.episodes, func(ctx context.Context, e episodeEntry) Item {
		return e.item(d.engine.Episode(ctx, e.res))
	})...)
	items = append(items, runPhase(ctx, d.concurrency, p.encounters, func(ctx context.Context, e encounterEntry) Item {
		return e.item(d.engine.Visit(ctx, e.res))
	})...)
	items = append(items, runPhase(ctx, d.concurrency, p.observations, func(ctx context.Context, e observationEntry) Item {
		return e.item(d.engine.Observation(ctx, e.res))
	})...)

	return append(items, p.rejected...)
}

func (r entryRef) item(res transform.Result) Item {
	return Item{Entry: r.index, FullURL: r.fullURL, Synthetic: r.synthetic, Result: res}
}

// runPhase transforms entries concurrently and returns results in input
// order.
func runPhase[T any](ctx context.Context, limit int, entries []T, fn func(context.Context, T) Item) []Item {
	out := make([]Item, len(entries))
	var g errgroup.Group
	g.SetLimit(limit)
	for i := range entries {
		i := i
		g.Go(func() error {
			out[i] = fn(ctx, entries[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}
