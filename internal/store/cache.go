package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"accesscache/internal/access"
)

func (s *Store) ResetCache(ctx context.Context, scope access.Scope) error {
	var err error
	if scope.IsAll() {
		_, err = s.q.ExecContext(ctx, `TRUNCATE access_cache`)
	} else {
		_, err = s.q.ExecContext(ctx, `DELETE FROM access_cache WHERE user_id = $1`, scope.UserID)
	}
	if err != nil {
		return fmt.Errorf("reset cache %s: %w", scope, err)
	}
	return nil
}

const (
	cacheColumns = 8
	// maxParams is the Postgres limit on bind parameters per statement.
	maxParams      = 65535
	maxInsertBatch = maxParams / cacheColumns
)

// InsertEntries writes entries, at most maxInsertBatch rows per statement.
// Rows that collide with an existing (user, key) are dropped.
func (s *Store) InsertEntries(ctx context.Context, entries []access.CacheEntry) error {
	for _, chunk := range chunkEntries(entries, maxInsertBatch) {
		query, args := insertStatement(chunk)
		if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert %d cache entries: %w", len(chunk), err)
		}
	}
	return nil
}

func chunkEntries(entries []access.CacheEntry, size int) [][]access.CacheEntry {
	var out [][]access.CacheEntry
	for len(entries) > size {
		out = append(out, entries[:size:size])
		entries = entries[size:]
	}
	if len(entries) > 0 {
		out = append(out, entries)
	}
	return out
}

func insertStatement(entries []access.CacheEntry) (string, []any) {
	var b strings.Builder
	b.WriteString(`INSERT INTO access_cache (user_id, fn, id, days, begin_date, expire_date, payments_count, status) VALUES `)
	args := make([]any, 0, len(entries)*cacheColumns)
	for i, e := range entries {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * cacheColumns
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8)
		args = append(args,
			e.UserID, e.Key.Kind.String(), e.Key.ID, e.CoveredDays,
			nullDate(e.RangeStart), nullDate(e.RangeEnd),
			e.PaymentCount, string(e.Status),
		)
	}
	b.WriteString(` ON CONFLICT (user_id, fn, id) DO NOTHING`)
	return b.String(), args
}

// RefreshPaymentCounts sets payments_count of product rows to the number of
// payments that were not fully refunded.
func (s *Store) RefreshPaymentCounts(ctx context.Context, scope access.Scope) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE access_cache ac
		SET payments_count = (
			SELECT COUNT(ip.invoice_payment_id)
			FROM invoice_payment ip
			JOIN invoice_item ii ON ii.invoice_id = ip.invoice_id
			WHERE ip.amount - COALESCE(ip.refund_amount, 0) > 0
			  AND ip.user_id = ac.user_id
			  AND ii.item_id = ac.id
		)
		WHERE ac.fn = $1 AND ($2::bigint = 0 OR ac.user_id = $2)`,
		access.KindProduct.String(), scope.UserID,
	)
	if err != nil {
		return fmt.Errorf("refresh payment counts %s: %w", scope, err)
	}
	return nil
}

// EntriesForUser returns the user's cache rows. Rows with an unknown fn are
// skipped.
func (s *Store) EntriesForUser(ctx context.Context, userID int64) ([]access.CacheEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT fn, id, days, begin_date, expire_date, payments_count, status
		FROM access_cache
		WHERE user_id = $1
		ORDER BY fn, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query cache for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []access.CacheEntry
	for rows.Next() {
		var (
			fn, status   string
			begin, until sql.NullTime
			e            = access.CacheEntry{UserID: userID}
		)
		if err := rows.Scan(&fn, &e.Key.ID, &e.CoveredDays, &begin, &until, &e.PaymentCount, &status); err != nil {
			return nil, err
		}
		kind, err := access.ParseKind(fn)
		if err != nil {
			continue
		}
		e.Key.Kind = kind
		e.Status = access.Status(status)
		if begin.Valid {
			e.RangeStart = begin.Time.UTC()
		}
		if until.Valid {
			e.RangeEnd = until.Time.UTC()
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullDate(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: access.Day(t), Valid: true}
}
