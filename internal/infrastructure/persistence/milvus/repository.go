// Package milvus 提供 Milvus 向量数据库访问层实现
package milvus

import (
	"context"
	"fmt"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tcm-kgqa-api/internal/application/resolver"
	"tcm-kgqa-api/pkg/metrics"
)

// Repository 实体名称向量仓储，实现 resolver.NameIndex
type Repository struct {
	client *Client
}

// NewRepository 创建实体名称向量仓储
func NewRepository(client *Client) *Repository {
	return &Repository{client: client}
}

// EnsureCollection 创建集合与索引（幂等），供离线构建任务使用
func (r *Repository) EnsureCollection(ctx context.Context, dim int) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.EnsureCollection",
		trace.WithAttributes(attribute.String("collection", CollectionEntityNames)))
	defer span.End()

	collName := r.client.CollectionName(CollectionEntityNames)

	has, err := r.client.milvus.HasCollection(ctx, collName)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		schema := EntityNamesSchema(dim)
		schema.CollectionName = collName
		if err := r.client.milvus.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexHNSW(
			entity.COSINE,
			r.client.config.HNSWM,
			r.client.config.HNSWEfConstruction,
		)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to build index spec: %w", err)
		}
		if err := r.client.milvus.CreateIndex(ctx, collName, "vector", idx, false); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := r.client.milvus.LoadCollection(ctx, collName, false); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

// InsertNames 批量写入实体名称
func (r *Repository) InsertNames(ctx context.Context, items []EntityName) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	if len(items) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "milvus.InsertNames",
		trace.WithAttributes(attribute.Int("count", len(items))))
	defer span.End()

	collName := r.client.CollectionName(CollectionEntityNames)

	ids := make([]int64, 0, len(items))
	names := make([]string, 0, len(items))
	categories := make([]string, 0, len(items))
	vectors := make([][]float32, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
		names = append(names, it.Name)
		categories = append(categories, it.Category)
		vectors = append(vectors, it.Vector)
	}
	dim := len(vectors[0])

	_, err := r.client.milvus.Insert(ctx, collName, "",
		entity.NewColumnInt64("id", ids),
		entity.NewColumnVarChar("name", names),
		entity.NewColumnVarChar("category", categories),
		entity.NewColumnFloatVector("vector", dim, vectors),
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert entity names: %w", err)
	}

	if err := r.client.milvus.Flush(ctx, collName, false); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to flush collection: %w", err)
	}
	return nil
}

// Search 近邻检索
// COSINE 度量下 Milvus 返回的分数即相似度，无需换算
func (r *Repository) Search(ctx context.Context, vector []float32, topK int) ([]resolver.Neighbor, error) {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return nil, fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.SearchNames",
		trace.WithAttributes(attribute.Int("top_k", topK)))
	defer span.End()
	start := time.Now()

	collName := r.client.CollectionName(CollectionEntityNames)

	sp, err := entity.NewIndexHNSWSearchParam(128)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create search param: %w", err)
	}

	results, err := r.client.milvus.Search(ctx,
		collName,
		nil,
		"",
		[]string{"id", "name"},
		[]entity.Vector{entity.FloatVector(vector)},
		"vector",
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to search entity names: %w", err)
	}

	var neighbors []resolver.Neighbor
	for _, result := range results {
		idCol, _ := result.Fields.GetColumn("id").(*entity.ColumnInt64)
		nameCol, _ := result.Fields.GetColumn("name").(*entity.ColumnVarChar)
		for i := 0; i < result.ResultCount; i++ {
			n := resolver.Neighbor{Similarity: float64(result.Scores[i])}
			if idCol != nil {
				if v, err := idCol.ValueByIdx(i); err == nil {
					n.ID = v
				}
			}
			if nameCol != nil {
				if v, err := nameCol.ValueByIdx(i); err == nil {
					n.Name = v
				}
			}
			neighbors = append(neighbors, n)
		}
	}

	metrics.ResolverSearchDuration.WithLabelValues("milvus").Observe(time.Since(start).Seconds())
	return neighbors, nil
}
