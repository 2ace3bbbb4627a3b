package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is one stored JSON body and its key within an index.
type Document struct {
	ID   string
	Body json.RawMessage
}

// Store is the mapping store capability. Search methods return hits ordered
// by document id; an empty result is not an error.
type Store interface {
	CreateIndex(ctx context.Context, index string) error
	Get(ctx context.Context, index, id string) (*Document, error)
	All(ctx context.Context, index string) ([]Document, error)
	// SearchByField matches documents whose top-level string field equals value.
	SearchByField(ctx context.Context, index, field, value string) ([]Document, error)
	// SearchByValues matches documents whose top-level string-array field
	// contains any of values.
	SearchByValues(ctx context.Context, index, field string, values []string) ([]Document, error)
	// SearchByMapping matches documents whose mappings contain (system, code).
	SearchByMapping(ctx context.Context, index, system, code string) ([]Document, error)
	// BulkUpsert inserts or replaces bodies keyed by their idField value.
	BulkUpsert(ctx context.Context, index, idField string, bodies []json.RawMessage) error
	Ping(ctx context.Context) error
}

// documentID reads the string key idField from body.
func documentID(body json.RawMessage, idField string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("decode document: %w", err)
	}
	raw, ok := fields[idField]
	if !ok {
		return "", fmt.Errorf("document has no %q field", idField)
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return "", fmt.Errorf("document field %q is not a non-empty string", idField)
	}
	return id, nil
}
