package mapping

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ResolverConfig names the code spaces the resolver translates into.
type ResolverConfig struct {
	TargetSystem string
	OptionSystem string
	// TTL bounds how long a loaded catalog is served before reloading.
	// Zero keeps catalogs until Invalidate is called.
	TTL time.Duration
}

// Resolver answers (catalog, system, code) lookups from per-catalog indexes
// built from the store. When several records carry the same (system, code)
// the record with the lowest id wins.
type Resolver struct {
	store  Store
	target string
	option string
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	catalogs map[string]*catalogIndex
}

type catalogIndex struct {
	loaded  time.Time
	records []Record
	byID    map[string]int
	byEntry map[Entry]int
}

func NewResolver(store Store, cfg ResolverConfig) *Resolver {
	return &Resolver{
		store:    store,
		target:   cfg.TargetSystem,
		option:   cfg.OptionSystem,
		ttl:      cfg.TTL,
		now:      time.Now,
		catalogs: make(map[string]*catalogIndex),
	}
}

// TargetSystem is the system whose codes Resolve returns.
func (r *Resolver) TargetSystem() string { return r.target }

// Invalidate drops the cached indexes of the named catalogs, or of every
// catalog when none are named.
func (r *Resolver) Invalidate(catalogs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(catalogs) == 0 {
		r.catalogs = make(map[string]*catalogIndex)
		return
	}
	for _, c := range catalogs {
		delete(r.catalogs, c)
	}
}

func (r *Resolver) index(ctx context.Context, catalog string) (*catalogIndex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, ok := r.catalogs[catalog]; ok {
		if r.ttl <= 0 || r.now().Sub(idx.loaded) < r.ttl {
			return idx, nil
		}
	}

	docs, err := r.store.All(ctx, catalog)
	if err != nil {
		return nil, fmt.Errorf("load %s catalog: %w", catalog, err)
	}
	records, err := Decode[Record](docs)
	if err != nil {
		return nil, fmt.Errorf("load %s catalog: %w", catalog, err)
	}

	idx := &catalogIndex{
		loaded:  r.now(),
		records: records,
		byID:    make(map[string]int, len(records)),
		byEntry: make(map[Entry]int),
	}
	// Documents arrive ordered by id, so the first writer of a key is the
	// lowest id.
	for i, rec := range records {
		if _, ok := idx.byID[rec.ID]; !ok {
			idx.byID[rec.ID] = i
		}
		for _, e := range rec.Mappings {
			if _, ok := idx.byEntry[e]; !ok {
				idx.byEntry[e] = i
			}
		}
	}
	r.catalogs[catalog] = idx
	return idx, nil
}

// Lookup returns the catalog record carrying (system, code). A miss in the
// cached index is checked against the store, and a hit there drops the
// stale index.
func (r *Resolver) Lookup(ctx context.Context, catalog, system, code string) (*Record, bool, error) {
	if code == "" {
		return nil, false, nil
	}
	idx, err := r.index(ctx, catalog)
	if err != nil {
		return nil, false, err
	}
	if i, ok := idx.byEntry[Entry{System: system, Code: code}]; ok {
		rec := idx.records[i]
		return &rec, true, nil
	}

	docs, err := r.store.SearchByMapping(ctx, catalog, system, code)
	if err != nil {
		return nil, false, fmt.Errorf("search %s catalog: %w", catalog, err)
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	records, err := Decode[Record](docs[:1])
	if err != nil {
		return nil, false, err
	}
	r.Invalidate(catalog)
	return &records[0], true, nil
}

// Resolve translates (system, code) into the target system's code using the
// named catalog.
func (r *Resolver) Resolve(ctx context.Context, catalog, system, code string) (string, bool, error) {
	rec, ok, err := r.Lookup(ctx, catalog, system, code)
	if err != nil || !ok {
		return "", false, err
	}
	target, ok := rec.Mappings.Code(r.target)
	return target, ok, nil
}

// ResolveOption translates a coded answer into its option code.
func (r *Resolver) ResolveOption(ctx context.Context, system, code string) (string, bool, error) {
	rec, ok, err := r.Lookup(ctx, IndexConcepts, system, code)
	if err != nil || !ok {
		return "", false, err
	}
	option, ok := rec.Mappings.Code(r.option)
	return option, ok, nil
}

// ResolveByID returns the target code of the record keyed id.
func (r *Resolver) ResolveByID(ctx context.Context, catalog, id string) (string, bool, error) {
	if id == "" {
		return "", false, nil
	}
	idx, err := r.index(ctx, catalog)
	if err != nil {
		return "", false, err
	}
	i, ok := idx.byID[id]
	if !ok {
		return "", false, nil
	}
	target, ok := idx.records[i].Mappings.Code(r.target)
	return target, ok, nil
}

// PersonEntityType returns the target code of the entity type tagged Person.
func (r *Resolver) PersonEntityType(ctx context.Context) (string, bool, error) {
	idx, err := r.index(ctx, IndexEntities)
	if err != nil {
		return "", false, err
	}
	for _, rec := range idx.records {
		if rec.Type == EntityTypePerson {
			target, ok := rec.Mappings.Code(r.target)
			return target, ok, nil
		}
	}
	return "", false, nil
}

// Attributes returns the attribute catalog as currently indexed.
func (r *Resolver) Attributes(ctx context.Context) (*AttributeCatalog, error) {
	idx, err := r.index(ctx, IndexAttributes)
	if err != nil {
		return nil, err
	}
	return &AttributeCatalog{target: r.target, records: idx.records}, nil
}

// AttributeCatalog resolves person attributes. Records are in id order.
type AttributeCatalog struct {
	target  string
	records []Record
}

// Identifier returns the identifier attribute mapped to (system, code).
func (c *AttributeCatalog) Identifier(system, code string) (string, bool) {
	for _, rec := range c.records {
		if rec.Identifier && rec.Mappings.Has(system, code) {
			return rec.Mappings.Code(c.target)
		}
	}
	return "", false
}

// ByType returns the attribute tagged with the given biodata type.
func (c *AttributeCatalog) ByType(attrType string) (string, bool) {
	for _, rec := range c.records {
		if rec.Type == attrType {
			return rec.Mappings.Code(c.target)
		}
	}
	return "", false
}

// Extension returns the extension attribute with a mapping in the url system.
func (c *AttributeCatalog) Extension(url string) (string, bool) {
	for _, rec := range c.records {
		if rec.Type != AttrExtension {
			continue
		}
		if _, ok := rec.Mappings.Code(url); ok {
			return rec.Mappings.Code(c.target)
		}
	}
	return "", false
}
