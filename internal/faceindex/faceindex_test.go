package faceindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/gatekeeper/internal/types"
)

func TestQueryRanksByCosine(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Add(types.Identity{ID: 1, Name: "ada", Status: types.StatusNormal}, []float64{1, 0, 0}))
	require.NoError(t, idx.Add(types.Identity{ID: 2, Name: "bob", Status: types.StatusBlocked}, []float64{0, 2, 0}))
	require.NoError(t, idx.Add(types.Identity{ID: 3, Name: "cy"}, []float64{-1, 0, 0}))

	matches, err := idx.Query(context.Background(), types.Feature{3, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)

	assert.Equal(t, "ada", matches[0].Identity.Name)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
	assert.Equal(t, "bob", matches[1].Identity.Name)
	assert.InDelta(t, 0.5, matches[1].Score, 1e-9)
	assert.InDelta(t, 0.0, matches[2].Score, 1e-9)

	top, err := idx.Query(context.Background(), types.Feature{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, types.StatusBlocked, top[0].Identity.Status)
}

func TestQueryEmpty(t *testing.T) {
	_, err := New().Query(context.Background(), types.Feature{1}, 1)
	assert.ErrorIs(t, err, types.ErrEmptyDatabase)
}

func TestAddRejectsBadEmbeddings(t *testing.T) {
	idx := New()
	assert.Error(t, idx.Add(types.Identity{ID: 1}, nil))
	assert.Error(t, idx.Add(types.Identity{ID: 1}, []float64{0, 0}))
	assert.Error(t, idx.Add(types.Identity{ID: 0}, []float64{1, 0}))
	require.NoError(t, idx.Add(types.Identity{ID: 1}, []float64{1, 0}))
	assert.Error(t, idx.Add(types.Identity{ID: 2}, []float64{1, 0, 0}))

	_, err := idx.Query(context.Background(), types.Feature{1, 0, 0}, 1)
	assert.Error(t, err)
}

func TestLoadGallery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gallery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
persons:
  - id: 4
    name: ada
    embedding: [0.6, 0.8]
  - id: 5
    name: eve
    status: blocked
    embedding: [1, 0]
`), 0o644))

	idx, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())

	matches, err := idx.Query(context.Background(), types.Feature{0.6, 0.8}, 1)
	require.NoError(t, err)
	assert.Equal(t, types.Identity{ID: 4, Name: "ada", Status: types.StatusNormal}, matches[0].Identity)
}

func TestLoadGalleryErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("persons:\n  - id: 1\n    name: x\n    embedding: []\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "entry 0")
}
