package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/model"
)

func newClockedStore(start time.Time) (*MemoryStore, *time.Time) {
	s := NewMemoryStore()
	now := start
	s.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return s, &now
}

func TestCreateGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := &model.Attachment{Category: config.CategoryImage, OriginalName: "a.png", Hash: "h1"}
	require.NoError(t, s.Create(ctx, a))
	require.NotEmpty(t, a.ID)
	assert.Equal(t, model.StatusActive, a.Status)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	got.OriginalName = "mutated"
	again, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.png", again.OriginalName)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindActiveByHashIgnoresDeletedAndOtherCategories(t *testing.T) {
	ctx := context.Background()
	s, _ := newClockedStore(time.Unix(0, 0))
	old := &model.Attachment{Category: config.CategoryImage, Hash: "h"}
	require.NoError(t, s.Create(ctx, old))
	other := &model.Attachment{Category: config.CategoryDocument, Hash: "h"}
	require.NoError(t, s.Create(ctx, other))

	found, err := s.FindActiveByHash(ctx, "h", config.CategoryImage)
	require.NoError(t, err)
	assert.Equal(t, old.ID, found.ID)

	old.Status = model.StatusDeleted
	require.NoError(t, s.Update(ctx, old))
	_, err = s.FindActiveByHash(ctx, "h", config.CategoryImage)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s, _ := newClockedStore(time.Unix(0, 0))
	var ids []string
	for i := 0; i < 5; i++ {
		a := &model.Attachment{Category: config.CategoryImage, OriginalName: fmt.Sprintf("f%d", i)}
		require.NoError(t, s.Create(ctx, a))
		ids = append(ids, a.ID)
	}
	require.NoError(t, s.Create(ctx, &model.Attachment{Category: config.CategoryVideo}))

	items, total, err := s.List(ctx, model.ListQuery{Category: config.CategoryImage, Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, items, 2)
	assert.Equal(t, ids[4], items[0].ID)
	assert.Equal(t, ids[3], items[1].ID)

	items, _, err = s.List(ctx, model.ListQuery{Category: config.CategoryImage, Page: 3, Limit: 2})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ids[0], items[0].ID)

	items, total, err = s.List(ctx, model.ListQuery{Page: 9, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.Empty(t, items)
}

func TestSearchAndStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, &model.Attachment{Category: config.CategoryImage, OriginalName: "Holiday.PNG", Size: 10}))
	require.NoError(t, s.Create(ctx, &model.Attachment{Category: config.CategoryImage, OriginalName: "work.png", Size: 5}))
	require.NoError(t, s.Create(ctx, &model.Attachment{Category: config.CategoryDocument, OriginalName: "holiday-plan.pdf", Size: 7}))

	found, err := s.Search(ctx, "holiday", 10)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = s.Search(ctx, "holiday", 1)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.CategoryStats{
		{Category: config.CategoryDocument, Count: 1, Bytes: 7},
		{Category: config.CategoryImage, Count: 2, Bytes: 15},
	}, stats)
}

func TestListDeletedBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, age := range []time.Duration{48 * time.Hour, time.Hour} {
		deletedAt := base.Add(-age)
		a := &model.Attachment{ID: fmt.Sprintf("d%d", i), Status: model.StatusDeleted, DeletedAt: &deletedAt, DiskFilename: fmt.Sprintf("d%d.bin", i)}
		require.NoError(t, s.Create(ctx, a))
	}
	out, err := s.ListDeletedBefore(ctx, base.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "d0", out[0].ID)

	ok, err := s.HasDiskFilename(ctx, "d1.bin")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.Remove(ctx, "d1"))
	ok, err = s.HasDiskFilename(ctx, "d1.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryReferencesPull(t *testing.T) {
	refs := NewMemoryReferences()
	refs.Attach("document:1", "a")
	refs.Attach("document:1", "b")
	refs.Attach("quote:9", "a")
	require.NoError(t, refs.PullAttachment(context.Background(), "a"))
	assert.Equal(t, []string{"b"}, refs.References("document:1"))
	assert.Empty(t, refs.References("quote:9"))
}
