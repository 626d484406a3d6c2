// Package qa 实现知识图谱问答流水线
package qa

import (
	"context"

	"tcm-kgqa-api/internal/workflow/model"
)

// GraphStore 图数据库依赖（port）
type GraphStore interface {
	// Run 执行只读查询，返回行映射
	Run(ctx context.Context, query string) ([]map[string]any, error)
	// ValidateCypher 只做语法与模式校验，不执行查询
	ValidateCypher(ctx context.Context, query string) error
}

// EntityResolver 实体解析依赖（port）
type EntityResolver interface {
	ResolveAll(ctx context.Context, extracted model.ExtractedEntities) (model.MatchedEntities, error)
}
