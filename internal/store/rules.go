package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"

	"accesscache/internal/access"
	"accesscache/internal/rules"
)

var (
	_ rules.RuleStore      = (*Store)(nil)
	_ rules.RuleTransactor = (*Store)(nil)
	_ rules.CacheReader    = (*Store)(nil)
	_ rules.SortOrders     = (*Store)(nil)
)

// InRuleTx runs fn against a store bound to one transaction.
func (s *Store) InRuleTx(ctx context.Context, fn func(rules.RuleStore) error) error {
	return s.runInTx(ctx, func(scoped *Store) error { return fn(scoped) })
}

func (s *Store) CreateRule(ctx context.Context, rule access.AccessRule) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO resource_access (resource_id, resource_type, fn, id, start_days, start_payments, stop_days, date_based)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING resource_access_id`,
		rule.ResourceID, rule.ResourceType, rule.Key.Kind.String(), rule.Key.ID,
		nullInt(rule.Window.StartDays), rule.Window.StartPayments, nullInt(rule.Window.StopDays), rule.Window.DateBased,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert rule for %s %d: %w", rule.ResourceType, rule.ResourceID, err)
	}
	return id, nil
}

const ruleColumns = `resource_access_id, resource_id, resource_type, fn, id, start_days, start_payments, stop_days, date_based`

func (s *Store) ListRules(ctx context.Context, resourceID int64, resourceType string) ([]access.AccessRule, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM resource_access
		WHERE resource_id = $1 AND resource_type = $2
		ORDER BY resource_access_id`, resourceID, resourceType)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	return scanRules(rows)
}

func (s *Store) DeleteRules(ctx context.Context, resourceID int64, resourceType string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM resource_access WHERE resource_id = $1 AND resource_type = $2`, resourceID, resourceType)
	if err != nil {
		return fmt.Errorf("delete rules for %s %d: %w", resourceType, resourceID, err)
	}
	return nil
}

func (s *Store) RulesByTypes(ctx context.Context, types []string) ([]access.AccessRule, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if types == nil {
		rows, err = s.q.QueryContext(ctx, `SELECT `+ruleColumns+` FROM resource_access ORDER BY resource_access_id`)
	} else {
		rows, err = s.q.QueryContext(ctx, `
			SELECT `+ruleColumns+`
			FROM resource_access
			WHERE resource_type = ANY($1)
			ORDER BY resource_access_id`, types)
	}
	if err != nil {
		return nil, fmt.Errorf("query rules by type: %w", err)
	}
	return scanRules(rows)
}

// scanRules closes rows. A rule with an unknown fn keeps a zero Kind so the
// evaluator can skip it.
func scanRules(rows *sql.Rows) ([]access.AccessRule, error) {
	defer rows.Close()
	var out []access.AccessRule
	for rows.Next() {
		var (
			r                   access.AccessRule
			fn                  string
			startDays, stopDays sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.ResourceID, &r.ResourceType, &fn, &r.Key.ID,
			&startDays, &r.Window.StartPayments, &stopDays, &r.Window.DateBased); err != nil {
			return nil, err
		}
		if kind, err := access.ParseKind(fn); err == nil {
			r.Key.Kind = kind
		}
		if startDays.Valid {
			r.Window.StartDays = access.Days(int(startDays.Int64))
		}
		if stopDays.Valid {
			r.Window.StopDays = access.Days(int(stopDays.Int64))
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SortOrders(ctx context.Context, refs []rules.ResourceRef) (map[rules.ResourceRef]int, error) {
	out := make(map[rules.ResourceRef]int, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	want := make(map[rules.ResourceRef]bool, len(refs))
	typeSet := make(map[string]bool)
	var types []string
	var ids []int64
	for _, ref := range refs {
		want[ref] = true
		if !typeSet[ref.Type] {
			typeSet[ref.Type] = true
			types = append(types, ref.Type)
		}
		ids = append(ids, ref.ID)
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT resource_type, resource_id, sort_order
		FROM resource_access_sort
		WHERE resource_type = ANY($1) AND resource_id = ANY($2)`, types, ids)
	if err != nil {
		return nil, fmt.Errorf("query sort order: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ref   rules.ResourceRef
			order int
		)
		if err := rows.Scan(&ref.Type, &ref.ID, &order); err != nil {
			return nil, err
		}
		if want[ref] {
			out[ref] = order
		}
	}
	return out, rows.Err()
}

// SortBase is the first sort order handed to resources when the sort table
// is empty.
const SortBase = 3000

// SyncSortOrder removes sort rows of resources that no longer exist and
// appends the resources that have none, offset past the current maximum.
func (s *Store) SyncSortOrder(ctx context.Context, tables []ResourceTable) error {
	return s.runInTx(ctx, func(scoped *Store) error {
		for _, t := range tables {
			table := pgx.Identifier{t.Table}.Sanitize()
			key := pgx.Identifier{t.KeyColumn}.Sanitize()

			if _, err := scoped.q.ExecContext(ctx, `
				DELETE FROM resource_access_sort s
				WHERE s.resource_type = $1
				  AND NOT EXISTS (SELECT 1 FROM `+table+` t WHERE t.`+key+` = s.resource_id)`, t.Type); err != nil {
				return fmt.Errorf("prune sort order for %s: %w", t.Type, err)
			}

			var base int
			if err := scoped.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(sort_order), 0) FROM resource_access_sort`).Scan(&base); err != nil {
				return fmt.Errorf("read max sort order: %w", err)
			}
			if base == 0 {
				base = SortBase
			}
			if _, err := scoped.q.ExecContext(ctx, `
				INSERT INTO resource_access_sort (resource_id, resource_type, sort_order)
				SELECT t.`+key+`, $1, t.`+key+` + $2
				FROM `+table+` t
				ON CONFLICT (resource_type, resource_id) DO NOTHING`, t.Type, base); err != nil {
				return fmt.Errorf("append sort order for %s: %w", t.Type, err)
			}
		}
		return nil
	})
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
