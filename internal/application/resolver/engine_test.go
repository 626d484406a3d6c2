package resolver

import (
	"context"
	"errors"
	"testing"

	"tcm-kgqa-api/internal/workflow/model"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	vectors map[string][]float64
	err     error
}

func (f *fakeEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float64, 0, len(texts))
	for _, t := range texts {
		v, ok := f.vectors[t]
		if !ok {
			v = []float64{0, 0}
		}
		out = append(out, v)
	}
	return out, nil
}

type fakeIndex struct {
	neighbors map[string][]Neighbor
	err       error
	lastTopK  int
}

func (f *fakeIndex) Search(_ context.Context, vector []float32, topK int) ([]Neighbor, error) {
	f.lastTopK = topK
	if f.err != nil {
		return nil, f.err
	}
	key := vectorKey(vector)
	return f.neighbors[key], nil
}

func vectorKey(v []float32) string {
	if len(v) == 0 {
		return ""
	}
	if v[0] == 1 {
		return "a"
	}
	return "b"
}

func TestResolveMentionFiltersAndOrders(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"头痛": {1, 0}}}
	idx := &fakeIndex{neighbors: map[string][]Neighbor{
		"a": {
			{ID: 5, Name: "偏头痛", Similarity: 0.70},
			{ID: 2, Name: "脑风头痛", Similarity: 0.90},
			{ID: 9, Name: "牙痛", Similarity: 0.40},
			{ID: 1, Name: "头风脑痛", Similarity: 0.70},
		},
	}}

	e := NewEngine(emb, idx, Options{TopK: 3, SimilarityThreshold: 0.65})
	names, err := e.ResolveMention(context.Background(), "头痛")
	require.NoError(t, err)

	// 低于阈值的被过滤，相似度相同时按 ID 升序
	assert.Equal(t, []string{"脑风头痛", "头风脑痛", "偏头痛"}, names)
	assert.Equal(t, 3, idx.lastTopK)
}

func TestResolveMentionEmbedError(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("embedding service down")}
	e := NewEngine(emb, &fakeIndex{}, Options{})

	_, err := e.ResolveMention(context.Background(), "头痛")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed mention")
}

func TestResolveAllKeepsCategoryAndOrder(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"头痛": {1, 0},
		"人参": {0, 1},
	}}
	idx := &fakeIndex{neighbors: map[string][]Neighbor{
		"a": {{ID: 1, Name: "脑风头痛", Similarity: 0.9}},
		"b": {{ID: 7, Name: "人参", Similarity: 0.99}},
	}}

	e := NewEngine(emb, idx, Options{TopK: 3, SimilarityThreshold: 0.65, Concurrency: 2})
	matched, err := e.ResolveAll(context.Background(), model.ExtractedEntities{
		Symptoms: []string{"头痛"},
		Herbs:    []string{"人参"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"脑风头痛"}, matched.Symptoms)
	assert.Equal(t, []string{"人参"}, matched.Herbs)
	assert.Empty(t, matched.Diseases)
	assert.Empty(t, matched.Formulas)
	assert.Empty(t, matched.Effects)
	assert.Empty(t, matched.Sources)
}

func TestResolveAllDegradesOnSearchFailure(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"头痛": {1, 0}}}
	idx := &fakeIndex{err: errors.New("index unavailable")}

	e := NewEngine(emb, idx, Options{})
	matched, err := e.ResolveAll(context.Background(), model.ExtractedEntities{
		Symptoms: []string{"头痛"},
	})

	// 单点失败降级为空匹配，不是流水线错误
	require.NoError(t, err)
	assert.Empty(t, matched.Symptoms)
}

func TestResolveAllEmptyInput(t *testing.T) {
	e := NewEngine(&fakeEmbedder{}, &fakeIndex{}, Options{})
	matched, err := e.ResolveAll(context.Background(), model.ExtractedEntities{})
	require.NoError(t, err)
	assert.Equal(t, model.MatchedEntities{}, matched)
}
