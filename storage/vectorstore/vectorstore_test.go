package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func vec(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)*0.01
	}
	return v
}

func TestCollection_InsertAndSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	col, err := s.Collection(ctx, CollectionNameForProject("proj_x"), 4)
	require.NoError(t, err)

	err = col.Insert(ctx, []Entry{
		{ChunkID: "c1", Vector: vec(4, 1.0), SourcePath: "a.go", ProjectID: "proj_x", Metadata: map[string]string{"__content": "hello world", "content_hash": "h1"}},
		{ChunkID: "c2", Vector: vec(4, 5.0), SourcePath: "b.go", ProjectID: "proj_x", Metadata: map[string]string{"__content": "goodbye", "content_hash": "h2"}},
	})
	require.NoError(t, err)

	n, err := col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	results, err := col.Search(ctx, vec(4, 1.0), 1, "", "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ChunkID)
	assert.Equal(t, "a.go", results[0].SourcePath)
}

func TestCollection_DimensionMismatchOnInsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	col, err := s.Collection(ctx, "project_p1", 4)
	require.NoError(t, err)

	err = col.Insert(ctx, []Entry{{ChunkID: "c1", Vector: vec(3, 1.0), SourcePath: "a.go", ProjectID: "p1"}})
	require.Error(t, err)
	assert.True(t, IsDimensionMismatch(err))
}

func TestStore_CollectionDimensionMismatchAcrossOpens(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Collection(ctx, "project_p1", 4)
	require.NoError(t, err)

	_, err = s.Collection(ctx, "project_p1", 8)
	require.Error(t, err)
	assert.True(t, IsDimensionMismatch(err))
}

func TestCollection_SearchRequiresEntrySourcePath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	col, err := s.Collection(ctx, "project_p1", 4)
	require.NoError(t, err)

	err = col.Insert(ctx, []Entry{{ChunkID: "c1", Vector: vec(4, 1.0), SourcePath: "", ProjectID: "p1"}})
	require.Error(t, err)
}

func TestCollection_ReplaceSourceAtomicity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	col, err := s.Collection(ctx, "project_p1", 4)
	require.NoError(t, err)

	require.NoError(t, col.Insert(ctx, []Entry{
		{ChunkID: "old1", Vector: vec(4, 1.0), SourcePath: "a.go", ProjectID: "p1"},
	}))

	require.NoError(t, col.ReplaceSource(ctx, "a.go", []Entry{
		{ChunkID: "new1", Vector: vec(4, 2.0), SourcePath: "a.go", ProjectID: "p1"},
		{ChunkID: "new2", Vector: vec(4, 3.0), SourcePath: "a.go", ProjectID: "p1"},
	}))

	entries, err := col.EntriesForSource(ctx, "a.go")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	ids := []string{entries[0].ChunkID, entries[1].ChunkID}
	assert.NotContains(t, ids, "old1")
}

func TestCollection_ContentHashForSource(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	col, err := s.Collection(ctx, "project_p1", 4)
	require.NoError(t, err)

	_, found, err := col.ContentHashForSource(ctx, "missing.go")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, col.Insert(ctx, []Entry{
		{ChunkID: "c1", Vector: vec(4, 1.0), SourcePath: "a.go", ProjectID: "p1", Metadata: map[string]string{"content_hash": "deadbeef"}},
	}))

	hash, found, err := col.ContentHashForSource(ctx, "a.go")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "deadbeef", hash)
}

func TestCollection_SearchMetadataFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	col, err := s.Collection(ctx, "sacred_p1", 4)
	require.NoError(t, err)

	require.NoError(t, col.Insert(ctx, []Entry{
		{ChunkID: "draft1", Vector: vec(4, 1.0), SourcePath: "plan1", ProjectID: "p1", Metadata: map[string]string{"status": "draft"}},
		{ChunkID: "approved1", Vector: vec(4, 1.0), SourcePath: "plan2", ProjectID: "p1", Metadata: map[string]string{"status": "approved"}},
	}))

	results, err := col.Search(ctx, vec(4, 1.0), 10, "status", "approved")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "approved1", results[0].ChunkID)
}

func TestStore_Exists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	assert.False(t, s.Exists("project_p1"))
	_, err := s.Collection(ctx, "project_p1", 4)
	require.NoError(t, err)
	assert.True(t, s.Exists("project_p1"))
}

func TestCollectionNameHelpers(t *testing.T) {
	assert.Equal(t, "project_abc", CollectionNameForProject("abc"))
	assert.Equal(t, "sacred_abc", CollectionNameForSacred("abc"))
}
