package vectorindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, vectors [][]float32, names []string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "entity_names.vec")
	namesPath := filepath.Join(dir, "entity_names.names")
	require.NoError(t, Write(indexPath, namesPath, vectors, names))
	return indexPath, namesPath
}

func TestWriteLoadRoundTrip(t *testing.T) {
	indexPath, namesPath := writeArtifact(t,
		[][]float32{{1, 0}, {0, 1}, {1, 1}},
		[]string{"人参", "黄芪", "当归"},
	)

	idx, err := Load(indexPath, namesPath)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Dimension())
	assert.Equal(t, 3, idx.Len())
}

func TestSearchOrdersBySimilarity(t *testing.T) {
	indexPath, namesPath := writeArtifact(t,
		[][]float32{{1, 0}, {0, 1}, {0.9, 0.1}},
		[]string{"人参", "黄芪", "党参"},
	)
	idx, err := Load(indexPath, namesPath)
	require.NoError(t, err)

	neighbors, err := idx.Search(context.Background(), []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, neighbors, 2)

	assert.Equal(t, "人参", neighbors[0].Name)
	assert.Equal(t, int64(0), neighbors[0].ID)
	assert.InDelta(t, 1.0, neighbors[0].Similarity, 1e-6)
	assert.Equal(t, "党参", neighbors[1].Name)
	assert.Greater(t, neighbors[0].Similarity, neighbors[1].Similarity)
}

func TestSearchTopKClamped(t *testing.T) {
	indexPath, namesPath := writeArtifact(t,
		[][]float32{{1, 0}},
		[]string{"人参"},
	)
	idx, err := Load(indexPath, namesPath)
	require.NoError(t, err)

	neighbors, err := idx.Search(context.Background(), []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, neighbors, 1)
}

func TestSearchDimensionMismatch(t *testing.T) {
	indexPath, namesPath := writeArtifact(t,
		[][]float32{{1, 0}},
		[]string{"人参"},
	)
	idx, err := Load(indexPath, namesPath)
	require.NoError(t, err)

	_, err = idx.Search(context.Background(), []float32{1, 0, 0}, 1)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "nope.vec"), filepath.Join(dir, "nope.names"))
	require.Error(t, err)
}

func TestLoadBadMagic(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "bad.vec")
	namesPath := filepath.Join(dir, "bad.names")
	require.NoError(t, os.WriteFile(indexPath, []byte("XXXX00000000"), 0o644))
	require.NoError(t, os.WriteFile(namesPath, []byte("[]"), 0o644))

	_, err := Load(indexPath, namesPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad magic")
}

func TestLoadNameCountMismatch(t *testing.T) {
	indexPath, namesPath := writeArtifact(t,
		[][]float32{{1, 0}, {0, 1}},
		[]string{"人参", "黄芪"},
	)
	require.NoError(t, os.WriteFile(namesPath, []byte(`["人参"]`), 0o644))

	_, err := Load(indexPath, namesPath)
	require.Error(t, err)
}
