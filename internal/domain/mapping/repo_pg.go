package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/tracker-bridge/internal/platform/db"
)

type storePG struct {
	pool *pgxpool.Pool
}

// NewStorePG returns a Store keeping each index as rows of mapping_document.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

// queryable abstracts pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (s *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *storePG) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *storePG) CreateIndex(ctx context.Context, index string) error {
	_, err := s.conn(ctx).Exec(ctx,
		`INSERT INTO mapping_index (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, index)
	if err != nil {
		return fmt.Errorf("create index %s: %w", index, err)
	}
	return nil
}

func (s *storePG) Get(ctx context.Context, index, id string) (*Document, error) {
	var d Document
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT id, body FROM mapping_document WHERE index_name = $1 AND id = $2`, index, id,
	).Scan(&d.ID, &d.Body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", index, id, err)
	}
	return &d, nil
}

func (s *storePG) All(ctx context.Context, index string) ([]Document, error) {
	return s.query(ctx, `SELECT id, body FROM mapping_document
		WHERE index_name = $1 ORDER BY id`, index)
}

func (s *storePG) SearchByField(ctx context.Context, index, field, value string) ([]Document, error) {
	return s.query(ctx, `SELECT id, body FROM mapping_document
		WHERE index_name = $1 AND body->>($2::text) = $3 ORDER BY id`, index, field, value)
}

func (s *storePG) SearchByValues(ctx context.Context, index, field string, values []string) ([]Document, error) {
	if len(values) == 0 {
		return nil, nil
	}
	return s.query(ctx, `SELECT id, body FROM mapping_document
		WHERE index_name = $1 AND (body->($2::text)) ?| $3::text[] ORDER BY id`, index, field, values)
}

func (s *storePG) SearchByMapping(ctx context.Context, index, system, code string) ([]Document, error) {
	needle, err := json.Marshal([]Entry{{System: system, Code: code}})
	if err != nil {
		return nil, err
	}
	return s.query(ctx, `SELECT id, body FROM mapping_document
		WHERE index_name = $1 AND body->'mappings' @> $2::jsonb ORDER BY id`, index, string(needle))
}

func (s *storePG) BulkUpsert(ctx context.Context, index, idField string, bodies []json.RawMessage) error {
	if len(bodies) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	batch.Queue(`INSERT INTO mapping_index (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, index)
	for _, body := range bodies {
		id, err := documentID(body, idField)
		if err != nil {
			return fmt.Errorf("bulk upsert %s: %w", index, err)
		}
		batch.Queue(`INSERT INTO mapping_document (index_name, id, body)
			VALUES ($1, $2, $3::jsonb)
			ON CONFLICT (index_name, id) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`,
			index, id, string(body))
	}

	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		br := db.TxFromContext(ctx).SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("bulk upsert %s: %w", index, err)
			}
		}
		return br.Close()
	})
}

func (s *storePG) query(ctx context.Context, sql string, args ...interface{}) ([]Document, error) {
	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Body); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
