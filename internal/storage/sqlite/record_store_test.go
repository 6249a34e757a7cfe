package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/permit-crawler/internal/permit"
)

func newTestStore(t *testing.T) *RecordStore {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "permits.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 10, 9, 15, 0, 0, 0, time.UTC)
	rec := permit.Record{
		StatusNo:       permit.Ptr("906213"),
		OperatorName:   permit.Ptr("ACME ENERGY"),
		County:         permit.Ptr("REEVES"),
		Acres:          permit.Ptr(1280.5),
		Amended:        permit.Ptr(true),
		StatusDate:     permit.Ptr("2024-10-01"),
		ParseStatus:    permit.Ptr(permit.ParseStatusSuccess),
		Confidence:     permit.Ptr(0.75),
		LastEnrichedAt: &at,
	}
	require.NoError(t, store.Upsert(ctx, rec))

	got, ok, err := store.Get(ctx, "906213")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Fields(), got.Fields())
	assert.Equal(t, permit.ParseStatusSuccess, *got.ParseStatus)
	assert.InDelta(t, 0.75, *got.Confidence, 1e-9)
	require.NotNil(t, got.LastEnrichedAt)
	assert.True(t, at.Equal(*got.LastEnrichedAt))
	assert.Nil(t, got.Section)
}

func TestUpsertNeverNullsKnownValues(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, permit.Record{
		StatusNo: permit.Ptr("1"),
		County:   permit.Ptr("REEVES"),
		Section:  permit.Ptr("3"),
	}))
	require.NoError(t, store.Upsert(ctx, permit.Record{
		StatusNo: permit.Ptr("1"),
		Section:  permit.Ptr("4"),
		Block:    permit.Ptr("7"),
	}))

	got, ok, err := store.Get(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "REEVES", *got.County)
	assert.Equal(t, "4", *got.Section)
	assert.Equal(t, "7", *got.Block)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, ok, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRejectsBadTable(t *testing.T) {
	t.Parallel()

	_, err := New(filepath.Join(t.TempDir(), "x.db"), "drop table")
	require.Error(t, err)
}
