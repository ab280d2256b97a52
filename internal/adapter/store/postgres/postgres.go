// Package postgres implements the repository ports on PostgreSQL.
//
// Documents are stored as scalar columns plus JSONB trees for the
// args/metadata/summary payloads. Optimistic concurrency uses an etag
// column: every UPDATE matches (id, etag) and bumps etag, so a stale
// writer affects zero rows and gets domain.ErrConflict.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func marshalDoc(v docval.Value) ([]byte, error) {
	if v.IsNull() {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalDoc(raw []byte) (docval.Value, error) {
	if len(raw) == 0 {
		return docval.Object(nil), nil
	}
	return docval.FromJSON(raw)
}

// casOutcome classifies a zero-row UPDATE: the document is either gone
// or was modified by another writer.
func casOutcome(ctx context.Context, p PgxPool, table, op, id string) error {
	var exists bool
	if err := p.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	if !exists {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("op=%s: %w", op, domain.ErrConflict)
}
