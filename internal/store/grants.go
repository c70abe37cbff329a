package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"accesscache/internal/access"
	"accesscache/internal/cachebuild"
)

type grantCursor struct {
	rows  *sql.Rows
	grant access.Grant
	err   error
}

func (c *grantCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	var (
		g   access.Grant
		end sql.NullTime
	)
	if err := c.rows.Scan(&g.UserID, &g.ProductID, &g.Begin, &end); err != nil {
		c.err = err
		return false
	}
	if end.Valid {
		e := end.Time
		g.End = &e
	}
	c.grant = g
	return true
}

func (c *grantCursor) Grant() access.Grant { return c.grant }

func (c *grantCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *grantCursor) Close() error { return c.rows.Close() }

// Grants streams grants with begin date <= asOf ordered by user. Inside a
// transaction the rows are read up front so the connection is free for the
// cache writes that follow.
func (s *Store) Grants(ctx context.Context, scope access.Scope, asOf time.Time) (cachebuild.GrantCursor, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT user_id, product_id, begin_date, expire_date
		FROM access
		WHERE begin_date <= $1 AND ($2::bigint = 0 OR user_id = $2)
		ORDER BY user_id, product_id, begin_date`,
		access.Day(asOf), scope.UserID,
	)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	cursor := &grantCursor{rows: rows}
	if !s.tx {
		return cursor, nil
	}

	defer cursor.Close()
	var grants []access.Grant
	for cursor.Next() {
		grants = append(grants, cursor.Grant())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("read grants: %w", err)
	}
	return cachebuild.NewSliceCursor(grants), nil
}

func (s *Store) CategoryProducts(ctx context.Context) (access.CategoryMembership, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT product_category_id, product_id
		FROM product_product_category
		ORDER BY product_category_id, product_id`)
	if err != nil {
		return nil, fmt.Errorf("query category products: %w", err)
	}
	defer rows.Close()

	out := make(access.CategoryMembership)
	for rows.Next() {
		var categoryID, productID int64
		if err := rows.Scan(&categoryID, &productID); err != nil {
			return nil, err
		}
		out[categoryID] = append(out[categoryID], productID)
	}
	return out, rows.Err()
}

func (s *Store) GroupMemberships(ctx context.Context, scope access.Scope) ([]access.GroupMembership, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT user_id, user_group_id
		FROM user_user_group
		WHERE $1::bigint = 0 OR user_id = $1
		ORDER BY user_id, user_group_id`, scope.UserID)
	if err != nil {
		return nil, fmt.Errorf("query group memberships: %w", err)
	}
	defer rows.Close()

	var out []access.GroupMembership
	for rows.Next() {
		var gm access.GroupMembership
		if err := rows.Scan(&gm.UserID, &gm.GroupID); err != nil {
			return nil, err
		}
		out = append(out, gm)
	}
	return out, rows.Err()
}

// ElevatedStatuses reports affiliates as SpecialAffiliate flags.
func (s *Store) ElevatedStatuses(ctx context.Context, scope access.Scope) ([]access.ElevatedStatus, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT user_id
		FROM users
		WHERE is_affiliate AND ($1::bigint = 0 OR user_id = $1)
		ORDER BY user_id`, scope.UserID)
	if err != nil {
		return nil, fmt.Errorf("query elevated statuses: %w", err)
	}
	defer rows.Close()

	var out []access.ElevatedStatus
	for rows.Next() {
		st := access.ElevatedStatus{Flag: access.SpecialAffiliate}
		if err := rows.Scan(&st.UserID); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
