package registry_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/registry"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

func newTestRegistry(t *testing.T) (*registry.Registry, *sql.DB) {
	t.Helper()

	db, err := registry.OpenDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg, err := registry.New(db, zap.NewNop())
	require.NoError(t, err)
	return reg, db
}

func TestRegistry_RegisterSource(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	source, err := reg.RegisterSource(ctx, "tenant-a", vectorstore.SourceKindScraped, "https://example.com")
	require.NoError(t, err)

	assert.NotEmpty(t, source.SourceID)
	assert.Equal(t, "tenant-a", source.TenantID)
	assert.Equal(t, vectorstore.SourceKindScraped, source.Kind)
	assert.Equal(t, "https://example.com", source.Title)
	assert.False(t, source.IsIndexed)
	assert.False(t, source.CreatedAt.IsZero())
	assert.Empty(t, source.FragmentIDs)

	got, err := reg.GetSource(ctx, source.SourceID)
	require.NoError(t, err)
	assert.Equal(t, source.SourceID, got.SourceID)
	assert.False(t, got.IsIndexed)
}

func TestRegistry_RegisterSourceValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterSource(ctx, "", vectorstore.SourceKindManual, "note")
	assert.ErrorIs(t, err, registry.ErrInvalidInput)

	_, err = reg.RegisterSource(ctx, "tenant-a", vectorstore.SourceKind("bogus"), "note")
	assert.ErrorIs(t, err, registry.ErrInvalidInput)

	_, err = reg.RegisterSource(ctx, "tenant-a", vectorstore.SourceKindManual, "")
	assert.ErrorIs(t, err, registry.ErrInvalidInput)
}

func TestRegistry_AttachFragments(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	source, err := reg.RegisterSource(ctx, "tenant-a", vectorstore.SourceKindUploaded, "report.pdf")
	require.NoError(t, err)

	ids := []string{"frag-1", "frag-2", "frag-3"}
	require.NoError(t, reg.AttachFragments(ctx, source.SourceID, ids))

	got, err := reg.GetSource(ctx, source.SourceID)
	require.NoError(t, err)
	assert.Equal(t, ids, got.FragmentIDs)
	assert.True(t, got.IsIndexed)

	frags, err := reg.ListFragments(ctx, source.SourceID)
	require.NoError(t, err)
	assert.Equal(t, ids, frags)
}

func TestRegistry_AttachFragmentsUnknownSource(t *testing.T) {
	reg, _ := newTestRegistry(t)

	err := reg.AttachFragments(context.Background(), "no-such-source", []string{"frag-1"})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRegistry_AttachFragmentsEmptyManifest(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	// A source whose text chunked to nothing still gets registered; its
	// manifest is just empty.
	source, err := reg.RegisterSource(ctx, "tenant-a", vectorstore.SourceKindManual, "empty note")
	require.NoError(t, err)
	require.NoError(t, reg.AttachFragments(ctx, source.SourceID, nil))

	got, err := reg.GetSource(ctx, source.SourceID)
	require.NoError(t, err)
	assert.True(t, got.IsIndexed)
	assert.Empty(t, got.FragmentIDs)
}

func TestRegistry_ReplaceFragments(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	source, err := reg.RegisterSource(ctx, "tenant-a", vectorstore.SourceKindScraped, "https://example.com")
	require.NoError(t, err)
	require.NoError(t, reg.AttachFragments(ctx, source.SourceID, []string{"old-1", "old-2", "old-3"}))

	require.NoError(t, reg.ReplaceFragments(ctx, source.SourceID, []string{"new-1", "new-2"}))

	got, err := reg.GetSource(ctx, source.SourceID)
	require.NoError(t, err)
	assert.Equal(t, []string{"new-1", "new-2"}, got.FragmentIDs)
	assert.True(t, got.IsIndexed)

	err = reg.ReplaceFragments(ctx, "no-such-source", []string{"new-1"})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRegistry_DeleteSource(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	source, err := reg.RegisterSource(ctx, "tenant-a", vectorstore.SourceKindManual, "note")
	require.NoError(t, err)
	require.NoError(t, reg.AttachFragments(ctx, source.SourceID, []string{"frag-1", "frag-2"}))

	require.NoError(t, reg.DeleteSource(ctx, source.SourceID))

	_, err = reg.GetSource(ctx, source.SourceID)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, err = reg.ListFragments(ctx, source.SourceID)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	// Deleting again reports not found rather than silently succeeding.
	err = reg.DeleteSource(ctx, source.SourceID)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRegistry_ListSources(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.RegisterSource(ctx, "tenant-a", vectorstore.SourceKindScraped, "https://a.example.com")
	require.NoError(t, err)
	second, err := reg.RegisterSource(ctx, "tenant-a", vectorstore.SourceKindManual, "note")
	require.NoError(t, err)
	_, err = reg.RegisterSource(ctx, "tenant-b", vectorstore.SourceKindManual, "other tenant")
	require.NoError(t, err)

	require.NoError(t, reg.AttachFragments(ctx, first.SourceID, []string{"a-1", "a-2"}))
	require.NoError(t, reg.AttachFragments(ctx, second.SourceID, []string{"b-1"}))

	sources, err := reg.ListSources(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, sources, 2)

	byID := make(map[string]registry.Source, len(sources))
	for _, s := range sources {
		assert.Equal(t, "tenant-a", s.TenantID)
		byID[s.SourceID] = s
	}
	assert.Equal(t, []string{"a-1", "a-2"}, byID[first.SourceID].FragmentIDs)
	assert.Equal(t, []string{"b-1"}, byID[second.SourceID].FragmentIDs)

	sources, err = reg.ListSources(ctx, "tenant-c")
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestRegistry_ManifestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := registry.OpenDB(dir)
	require.NoError(t, err)
	reg, err := registry.New(db, zap.NewNop())
	require.NoError(t, err)

	source, err := reg.RegisterSource(ctx, "tenant-a", vectorstore.SourceKindUploaded, "report.pdf")
	require.NoError(t, err)
	require.NoError(t, reg.AttachFragments(ctx, source.SourceID, []string{"frag-1"}))
	require.NoError(t, db.Close())

	db, err = registry.OpenDB(dir)
	require.NoError(t, err)
	defer db.Close()
	reg, err = registry.New(db, zap.NewNop())
	require.NoError(t, err)

	got, err := reg.GetSource(ctx, source.SourceID)
	require.NoError(t, err)
	assert.Equal(t, []string{"frag-1"}, got.FragmentIDs)
}

func TestRegistry_ForeignKeyCascade(t *testing.T) {
	reg, db := newTestRegistry(t)
	ctx := context.Background()

	source, err := reg.RegisterSource(ctx, "tenant-a", vectorstore.SourceKindManual, "note")
	require.NoError(t, err)
	require.NoError(t, reg.AttachFragments(ctx, source.SourceID, []string{"frag-1", "frag-2"}))

	// A raw delete bypasses the registry; the schema's ON DELETE CASCADE
	// must still clear the manifest on whichever connection runs it.
	_, err = db.ExecContext(ctx, "DELETE FROM sources WHERE source_id = ?", source.SourceID)
	require.NoError(t, err)

	var remaining int
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM manifests WHERE source_id = ?", source.SourceID).Scan(&remaining))
	assert.Zero(t, remaining)
}
