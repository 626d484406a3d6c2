package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMetadata = `{
  "labels": [
    {"name": "Herb", "description": "中药材", "properties": [{"name": "name", "description": ""}]},
    {"name": "Formula", "description": "方剂", "properties": []}
  ],
  "relationships": [
    {"type": "CONTAINS", "description": "方剂包含药材", "properties": []}
  ],
  "triples": [
    {"from": "Formula", "rel_type": "CONTAINS", "to": "Herb", "description": ""}
  ]
}`

func writeTempMetadata(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph_metadata.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	m, err := Load(writeTempMetadata(t, sampleMetadata))
	require.NoError(t, err)

	assert.Equal(t, []string{"Herb", "Formula"}, m.LabelNames())
	require.Len(t, m.Relationships, 1)
	assert.Equal(t, "CONTAINS", m.Relationships[0].Type)
	require.Len(t, m.Triples, 1)
	assert.Equal(t, "Formula", m.Triples[0].From)
	assert.Equal(t, "Herb", m.Triples[0].To)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestLoadCorruptFile(t *testing.T) {
	_, err := Load(writeTempMetadata(t, "{not json"))
	require.Error(t, err)
}

func TestLoadEmptyLabels(t *testing.T) {
	_, err := Load(writeTempMetadata(t, `{"labels": [], "relationships": [], "triples": []}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no labels")
}

func TestPromptContextRoundTrips(t *testing.T) {
	m, err := Load(writeTempMetadata(t, sampleMetadata))
	require.NoError(t, err)

	rendered := m.PromptContext()
	assert.Contains(t, rendered, `"Herb"`)
	assert.Contains(t, rendered, `"CONTAINS"`)
	assert.Contains(t, rendered, `"rel_type"`)
}
