// Package resolver 将抽取出的实体提及解析为图谱中的规范名称
package resolver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tcm-kgqa-api/internal/workflow/model"
	"tcm-kgqa-api/pkg/logger"
	"tcm-kgqa-api/pkg/metrics"

	"github.com/cloudwego/eino/components/embedding"
	"golang.org/x/sync/errgroup"
)

// Neighbor 名称索引的一条近邻结果
// Similarity 已由后端换算为相似度，越大越相近
type Neighbor struct {
	ID         int64
	Name       string
	Similarity float64
}

// NameIndex 规范名称向量索引（port）
type NameIndex interface {
	Search(ctx context.Context, vector []float32, topK int) ([]Neighbor, error)
}

// Options 解析引擎参数
type Options struct {
	TopK                int
	SimilarityThreshold float64
	Concurrency         int
}

// Engine 语义实体解析引擎
type Engine struct {
	embedder    embedding.Embedder
	index       NameIndex
	topK        int
	threshold   float64
	concurrency int
}

// NewEngine 创建解析引擎
func NewEngine(embedder embedding.Embedder, index NameIndex, opts Options) *Engine {
	topK := opts.TopK
	if topK <= 0 {
		topK = 3
	}
	threshold := opts.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.65
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 6
	}
	return &Engine{
		embedder:    embedder,
		index:       index,
		topK:        topK,
		threshold:   threshold,
		concurrency: concurrency,
	}
}

// ResolveMention 解析单个提及，返回达到阈值的规范名称
// 按相似度降序排列，相似度相同时按索引 ID 升序
func (e *Engine) ResolveMention(ctx context.Context, mention string) ([]string, error) {
	vectors, err := e.embedder.EmbedStrings(ctx, []string{mention})
	if err != nil {
		return nil, fmt.Errorf("embed mention %q: %w", mention, err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed mention %q: got %d vectors", mention, len(vectors))
	}

	query := make([]float32, len(vectors[0]))
	for i, v := range vectors[0] {
		query[i] = float32(v)
	}

	neighbors, err := e.index.Search(ctx, query, e.topK)
	if err != nil {
		return nil, fmt.Errorf("search mention %q: %w", mention, err)
	}

	kept := neighbors[:0]
	for _, n := range neighbors {
		if n.Similarity >= e.threshold {
			kept = append(kept, n)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Similarity != kept[j].Similarity {
			return kept[i].Similarity > kept[j].Similarity
		}
		return kept[i].ID < kept[j].ID
	})

	names := make([]string, 0, len(kept))
	for _, n := range kept {
		names = append(names, n.Name)
	}
	return names, nil
}

// ResolveAll 并发解析全部类别的提及
// 结果保持类别与提及的原始顺序；单个提及解析失败时降级为空匹配并记录告警
func (e *Engine) ResolveAll(ctx context.Context, extracted model.ExtractedEntities) (model.MatchedEntities, error) {
	byCategory := extracted.ByCategory()

	type slot struct {
		category model.EntityCategory
		mention  string
	}
	var slots []slot
	for _, c := range model.Categories {
		for _, mention := range byCategory[c] {
			slots = append(slots, slot{category: c, mention: mention})
		}
	}

	var matched model.MatchedEntities
	if len(slots) == 0 {
		return matched, nil
	}

	results := make([][]string, len(slots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, s := range slots {
		g.Go(func() error {
			start := time.Now()
			names, err := e.ResolveMention(gctx, s.mention)
			if err != nil {
				// 单点失败不阻断整条流水线，降级为无匹配
				logger.Warn(gctx, "resolve mention failed",
					"category", string(s.category),
					"mention", s.mention,
					"error", err,
				)
				results[i] = nil
				return nil
			}
			metrics.ResolverMatchesTotal.WithLabelValues(string(s.category)).Add(float64(len(names)))
			logger.Debug(gctx, "resolved mention",
				"category", string(s.category),
				"mention", s.mention,
				"matches", len(names),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			results[i] = names
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return matched, err
	}

	// 按类别展平，保持提及的插入顺序，不去重
	perCategory := make(map[model.EntityCategory][]string, len(model.Categories))
	for i, s := range slots {
		perCategory[s.category] = append(perCategory[s.category], results[i]...)
	}
	for _, c := range model.Categories {
		matched.Set(c, perCategory[c])
	}
	return matched, nil
}
