// Package milvus 提供 Milvus 向量数据库访问层实现
package milvus

import (
	"strconv"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	// CollectionEntityNames 图谱规范实体名称集合
	CollectionEntityNames = "entity_names"
)

// EntityNamesSchema 实体名称 Collection Schema
func EntityNamesSchema(dim int) *entity.Schema {
	return &entity.Schema{
		CollectionName: CollectionEntityNames,
		Description:    "Canonical knowledge-graph entity names for semantic resolution",
		Fields: []*entity.Field{
			{
				Name:       "id",
				DataType:   entity.FieldTypeInt64,
				PrimaryKey: true,
				AutoID:     false,
			},
			{
				Name:     "name",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "256",
				},
			},
			{
				Name:     "category",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "32",
				},
			},
			{
				Name:     "vector",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": strconv.Itoa(dim),
				},
			},
		},
	}
}

// EntityName 实体名称数据结构
type EntityName struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Category string    `json:"category"`
	Vector   []float32 `json:"vector"`
}
