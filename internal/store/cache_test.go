package store

import (
	"fmt"
	"strings"
	"testing"

	"accesscache/internal/access"
)

func TestChunkEntriesStaysUnderParamLimit(t *testing.T) {
	entries := make([]access.CacheEntry, 2*maxInsertBatch+5)
	for i := range entries {
		entries[i] = access.CacheEntry{UserID: 1, Key: access.ProductKey(int64(i)), Status: access.StatusActive}
	}

	chunks := chunkEntries(entries, maxInsertBatch)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	total := 0
	for i, chunk := range chunks {
		total += len(chunk)
		query, args := insertStatement(chunk)
		if len(args) > maxParams {
			t.Fatalf("chunk %d binds %d params", i, len(args))
		}
		if len(args) != len(chunk)*cacheColumns {
			t.Fatalf("chunk %d: %d args for %d rows", i, len(args), len(chunk))
		}
		last := fmt.Sprintf("$%d)", len(args))
		if !strings.Contains(query, last) {
			t.Fatalf("chunk %d: statement does not end its placeholders at %s", i, last)
		}
	}
	if total != len(entries) {
		t.Fatalf("chunks hold %d rows, want %d", total, len(entries))
	}
	if got := chunks[2][4].Key.ID; got != int64(len(entries)-1) {
		t.Fatalf("chunks reordered rows: last id %d", got)
	}
}

func TestChunkEntriesEmpty(t *testing.T) {
	if chunks := chunkEntries(nil, maxInsertBatch); len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %d", len(chunks))
	}
}
