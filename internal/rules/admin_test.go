package rules_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accesscache/internal/access"
	"accesscache/internal/memstore"
	"accesscache/internal/rules"
)

func TestSetAccessReplacesRules(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	addRule(t, st, 1, "page", access.ProductKey(1), "", "")
	addRule(t, st, 2, "page", access.ProductKey(1), "", "")

	err := rules.SetAccess(ctx, st, 1, "page", []rules.Item{
		{Key: access.CategoryKey(5), Start: "7d", Stop: "forever"},
		{Key: access.ProductKey(2), Start: "3p"},
	})
	require.NoError(t, err)

	got, err := st.ListRules(ctx, 1, "page")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, access.CategoryKey(5), got[0].Key)
	assert.Equal(t, "from 7d to forever", got[0].Window.String())
	assert.Equal(t, 3, got[1].Window.StartPayments)

	other, err := st.ListRules(ctx, 2, "page")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestSetAccessKeepsRulesOnMalformedItem(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	addRule(t, st, 1, "page", access.ProductKey(1), "", "")

	err := rules.SetAccess(ctx, st, 1, "page", []rules.Item{
		{Key: access.ProductKey(2), Start: "7x"},
	})
	require.ErrorIs(t, err, access.ErrMalformedWindow)

	got, err := st.ListRules(ctx, 1, "page")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestAccessListHash(t *testing.T) {
	a, err := rules.ParseItems(1, "page", []rules.Item{
		{Key: access.ProductKey(1), Start: "7d"},
		{Key: access.CategoryKey(2), Stop: "forever"},
	})
	require.NoError(t, err)
	b, err := rules.ParseItems(1, "page", []rules.Item{
		{Key: access.CategoryKey(2), Stop: "forever"},
		{Key: access.ProductKey(1), Start: "7d"},
	})
	require.NoError(t, err)
	b[0].ID, b[1].ID = 40, 41

	assert.Equal(t, rules.AccessListHash(a), rules.AccessListHash(b))

	b[1].Window.StartDays = access.Days(8)
	assert.NotEqual(t, rules.AccessListHash(a), rules.AccessListHash(b))
	assert.Len(t, rules.AccessListHash(nil), 64)
}

const importYAML = `
resources:
  - type: page
    id: 10
    access:
      - key: product_id
        id: 3
        start: 7d
        stop: forever
      - key: free_without_login
  - type: folder
    id: 2
    access: []
`

func TestParseImportAndApply(t *testing.T) {
	doc, err := rules.ParseImport([]byte(importYAML))
	require.NoError(t, err)
	require.Len(t, doc.Resources, 2)

	st := memstore.New()
	ctx := context.Background()
	addRule(t, st, 2, "folder", access.ProductKey(1), "", "")

	report, err := doc.Apply(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Resources)
	assert.Equal(t, 2, report.Rules)

	page, err := st.ListRules(ctx, 10, "page")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].Window.IsForever())
	assert.Equal(t, access.KindFreeWithoutLogin, page[1].Key.Kind)

	folder, err := st.ListRules(ctx, 2, "folder")
	require.NoError(t, err)
	assert.Empty(t, folder)

	again, err := doc.Apply(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Unchanged)
	assert.Zero(t, again.Resources)
}

func TestParseImportRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "unknown key", doc: "resources:\n  - {type: page, id: 1, access: [{key: coupon}]}\n"},
		{name: "missing id", doc: "resources:\n  - {type: page, access: []}\n"},
		{name: "extra field", doc: "resources: []\nowner: me\n"},
		{name: "not yaml", doc: "resources: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rules.ParseImport([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestSetAccessRollsBackOnFailedInsert(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	addRule(t, st, 1, "page", access.ProductKey(1), "", "")
	addRule(t, st, 1, "page", access.CategoryKey(4), "10d", "")

	writeErr := errors.New("connection reset")
	creates := 0
	st.CreateRuleHook = func(access.AccessRule) error {
		creates++
		if creates == 2 {
			return writeErr
		}
		return nil
	}

	err := rules.SetAccess(ctx, st, 1, "page", []rules.Item{
		{Key: access.ProductKey(2)},
		{Key: access.ProductKey(3)},
	})
	require.ErrorIs(t, err, writeErr)

	got, err := st.ListRules(ctx, 1, "page")
	require.NoError(t, err)
	require.Len(t, got, 2, "the old access list survives a failed replace")
	assert.Equal(t, access.ProductKey(1), got[0].Key)
	assert.Equal(t, access.CategoryKey(4), got[1].Key)

	st.CreateRuleHook = nil
	require.NoError(t, rules.SetAccess(ctx, st, 1, "page", []rules.Item{{Key: access.ProductKey(2)}}))
	got, err = st.ListRules(ctx, 1, "page")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, access.ProductKey(2), got[0].Key)
}
