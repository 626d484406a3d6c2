// Package schema 提供图谱模式层快照的加载与渲染
package schema

import (
	"encoding/json"
	"fmt"
	"os"
)

// Property 节点或关系的属性定义
type Property struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Label 节点标签定义
type Label struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Properties  []Property `json:"properties"`
}

// Relationship 关系类型定义
type Relationship struct {
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Properties  []Property `json:"properties"`
}

// Triple 三元组结构定义（起点标签、关系类型、终点标签）
type Triple struct {
	From        string `json:"from"`
	RelType     string `json:"rel_type"`
	To          string `json:"to"`
	Description string `json:"description"`
}

// Metadata 图谱模式层快照
// 由离线导出任务生成，启动时一次性加载，请求路径上只读
type Metadata struct {
	Labels        []Label        `json:"labels"`
	Relationships []Relationship `json:"relationships"`
	Triples       []Triple       `json:"triples"`
}

// Load 从 JSON 制品加载模式快照
// 文件缺失或内容损坏视为致命错误，由调用方终止启动
func Load(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph metadata %s: %w", path, err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse graph metadata %s: %w", path, err)
	}
	if len(m.Labels) == 0 {
		return nil, fmt.Errorf("graph metadata %s: no labels", path)
	}

	return &m, nil
}

// LabelNames 返回所有节点标签名称
func (m *Metadata) LabelNames() []string {
	names := make([]string, 0, len(m.Labels))
	for _, l := range m.Labels {
		names = append(names, l.Name)
	}
	return names
}

// PromptContext 渲染快照，作为查询生成提示词的图谱元数据段
func (m *Metadata) PromptContext() string {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		// Metadata 只含可序列化字段，此分支不可达
		return "{}"
	}
	return string(b)
}
