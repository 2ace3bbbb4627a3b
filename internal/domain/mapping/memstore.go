package mapping

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemStore is an in-memory Store used when no database is configured and in
// tests. Bodies are copied on the way in and out.
type MemStore struct {
	mu      sync.RWMutex
	indexes map[string]map[string]json.RawMessage
}

func NewMemStore() *MemStore {
	return &MemStore{indexes: make(map[string]map[string]json.RawMessage)}
}

func (m *MemStore) Ping(context.Context) error { return nil }

func (m *MemStore) CreateIndex(_ context.Context, index string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[index]; !ok {
		m.indexes[index] = make(map[string]json.RawMessage)
	}
	return nil
}

func (m *MemStore) Get(_ context.Context, index, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.indexes[index][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &Document{ID: id, Body: cloneBody(body)}, nil
}

func (m *MemStore) All(_ context.Context, index string) ([]Document, error) {
	return m.filter(index, func(json.RawMessage) bool { return true }), nil
}

func (m *MemStore) SearchByField(_ context.Context, index, field, value string) ([]Document, error) {
	return m.filter(index, func(body json.RawMessage) bool {
		var fields map[string]json.RawMessage
		if json.Unmarshal(body, &fields) != nil {
			return false
		}
		var s string
		if json.Unmarshal(fields[field], &s) != nil {
			return false
		}
		return s == value
	}), nil
}

func (m *MemStore) SearchByValues(_ context.Context, index, field string, values []string) ([]Document, error) {
	if len(values) == 0 {
		return nil, nil
	}
	want := make(map[string]struct{}, len(values))
	for _, v := range values {
		want[v] = struct{}{}
	}
	return m.filter(index, func(body json.RawMessage) bool {
		var fields map[string]json.RawMessage
		if json.Unmarshal(body, &fields) != nil {
			return false
		}
		var have []string
		if json.Unmarshal(fields[field], &have) != nil {
			return false
		}
		for _, v := range have {
			if _, ok := want[v]; ok {
				return true
			}
		}
		return false
	}), nil
}

func (m *MemStore) SearchByMapping(_ context.Context, index, system, code string) ([]Document, error) {
	return m.filter(index, func(body json.RawMessage) bool {
		var r struct {
			Mappings Mappings `json:"mappings"`
		}
		if json.Unmarshal(body, &r) != nil {
			return false
		}
		return r.Mappings.Has(system, code)
	}), nil
}

func (m *MemStore) BulkUpsert(_ context.Context, index, idField string, bodies []json.RawMessage) error {
	ids := make([]string, len(bodies))
	for i, body := range bodies {
		id, err := documentID(body, idField)
		if err != nil {
			return err
		}
		ids[i] = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	docs, ok := m.indexes[index]
	if !ok {
		docs = make(map[string]json.RawMessage)
		m.indexes[index] = docs
	}
	for i, body := range bodies {
		docs[ids[i]] = cloneBody(body)
	}
	return nil
}

func (m *MemStore) filter(index string, match func(json.RawMessage) bool) []Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Document
	for id, body := range m.indexes[index] {
		if match(body) {
			out = append(out, Document{ID: id, Body: cloneBody(body)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneBody(b json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
