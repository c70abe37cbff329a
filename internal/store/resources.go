package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"accesscache/internal/rules"
)

// ResourceTable describes the catalog table that holds one resource type.
type ResourceTable struct {
	Type        string
	Table       string
	KeyColumn   string
	TitleColumn string
	// LinkColumn is optional.
	LinkColumn string
}

// TableResolver resolves resource ids against a catalog table.
type TableResolver struct {
	store *Store
	table ResourceTable
}

func (s *Store) Resolver(table ResourceTable) *TableResolver {
	return &TableResolver{store: s, table: table}
}

func (r *TableResolver) Resolve(ctx context.Context, ids []int64) ([]rules.Resource, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	link := "''"
	if r.table.LinkColumn != "" {
		link = pgx.Identifier{r.table.LinkColumn}.Sanitize()
	}
	query := fmt.Sprintf(`SELECT %s, %s, %s FROM %s WHERE %s = ANY($1)`,
		pgx.Identifier{r.table.KeyColumn}.Sanitize(),
		pgx.Identifier{r.table.TitleColumn}.Sanitize(),
		link,
		pgx.Identifier{r.table.Table}.Sanitize(),
		pgx.Identifier{r.table.KeyColumn}.Sanitize(),
	)
	rows, err := r.store.q.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", r.table.Table, err)
	}
	defer rows.Close()

	var out []rules.Resource
	for rows.Next() {
		res := rules.Resource{Type: r.table.Type}
		if err := rows.Scan(&res.ID, &res.Title, &res.Link); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// RegisterResolvers adds a TableResolver for every table to reg.
func (s *Store) RegisterResolvers(reg *rules.Registry, tables []ResourceTable) {
	for _, t := range tables {
		reg.Register(t.Type, s.Resolver(t))
	}
}
