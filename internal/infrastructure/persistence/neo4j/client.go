// Package neo4j 提供知识图谱存储访问层实现
package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tcm-kgqa-api/internal/config"
	"tcm-kgqa-api/internal/domain/schema"
	"tcm-kgqa-api/pkg/metrics"
)

var tracer = otel.Tracer("neo4j")

// Client Neo4j 客户端
type Client struct {
	driver neo4j.DriverWithContext
	config *config.Neo4jConfig
}

// Statement 一条带参数的写入语句
type Statement struct {
	Query  string
	Params map[string]any
}

// NewClient 创建 Neo4j 客户端并验证连通性
func NewClient(ctx context.Context, cfg *config.Neo4jConfig) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j: %w", err)
	}
	return &Client{driver: driver, config: cfg}, nil
}

// Close 关闭 Neo4j 连接
func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "neo4j.HealthCheck")
	defer span.End()

	if err := c.driver.VerifyConnectivity(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

func (c *Client) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.config.Database,
		AccessMode:   mode,
	})
}

// Run 执行只读查询并返回行映射
func (c *Client) Run(ctx context.Context, query string) ([]map[string]any, error) {
	ctx, span := tracer.Start(ctx, "neo4j.Run")
	defer span.End()
	start := time.Now()

	if c.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.QueryTimeout)
		defer cancel()
	}

	session := c.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	rows, err := c.collect(ctx, session, query)
	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
	}
	metrics.GraphQueryDuration.WithLabelValues("run").Observe(time.Since(start).Seconds())
	metrics.GraphQueryTotal.WithLabelValues("run", status).Inc()
	if err != nil {
		return nil, fmt.Errorf("failed to run query: %w", err)
	}
	return rows, nil
}

func (c *Client) collect(ctx context.Context, session neo4j.SessionWithContext, query string) ([]map[string]any, error) {
	result, err := session.Run(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0)
	for result.Next(ctx) {
		rows = append(rows, result.Record().AsMap())
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// ValidateCypher 通过 EXPLAIN 做语法与模式校验，不执行查询
func (c *Client) ValidateCypher(ctx context.Context, query string) error {
	ctx, span := tracer.Start(ctx, "neo4j.ValidateCypher")
	defer span.End()
	start := time.Now()

	if c.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.QueryTimeout)
		defer cancel()
	}

	session := c.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, "EXPLAIN "+query, nil)
	if err == nil {
		_, err = result.Consume(ctx)
	}

	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
	}
	metrics.GraphQueryDuration.WithLabelValues("validate").Observe(time.Since(start).Seconds())
	metrics.GraphQueryTotal.WithLabelValues("validate", status).Inc()
	if err != nil {
		return fmt.Errorf("cypher validation failed: %w", err)
	}
	return nil
}

// ApplyBatch 在单个写事务中执行一批语句，供离线装载任务使用
func (c *Client) ApplyBatch(ctx context.Context, statements []Statement) error {
	ctx, span := tracer.Start(ctx, "neo4j.ApplyBatch",
		trace.WithAttributes(attribute.Int("statements", len(statements))))
	defer span.End()
	start := time.Now()

	session := c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range statements {
			if _, err := tx.Run(ctx, st.Query, st.Params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
	}
	metrics.GraphQueryDuration.WithLabelValues("write").Observe(time.Since(start).Seconds())
	metrics.GraphQueryTotal.WithLabelValues("write", status).Inc()
	if err != nil {
		return fmt.Errorf("failed to apply batch: %w", err)
	}
	return nil
}

// NodeNamesByLabel 返回某标签下所有节点的 name 属性，供索引构建任务使用
func (c *Client) NodeNamesByLabel(ctx context.Context, label string) ([]string, error) {
	query := fmt.Sprintf("MATCH (n:`%s`) WHERE n.name IS NOT NULL RETURN DISTINCT n.name AS name ORDER BY name", label)
	rows, err := c.Run(ctx, query)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		if name, ok := row["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// ExportMetadata 内省图谱结构，生成模式层快照
func (c *Client) ExportMetadata(ctx context.Context) (*schema.Metadata, error) {
	ctx, span := tracer.Start(ctx, "neo4j.ExportMetadata")
	defer span.End()

	labels, err := c.Run(ctx, "MATCH (n) UNWIND labels(n) AS label RETURN DISTINCT label")
	if err != nil {
		return nil, err
	}
	relTypes, err := c.Run(ctx, "MATCH (n)-[r]-() RETURN DISTINCT type(r) AS rel_type")
	if err != nil {
		return nil, err
	}
	triples, err := c.Run(ctx, `MATCH (n)-[r]->(m)
WITH head(labels(n)) AS from_label, type(r) AS rel_type, head(labels(m)) AS to_label
RETURN DISTINCT from_label, rel_type, to_label`)
	if err != nil {
		return nil, err
	}
	nodeProps, err := c.Run(ctx, `MATCH (n) UNWIND labels(n) AS label UNWIND keys(n) AS prop
RETURN DISTINCT label, prop ORDER BY label, prop`)
	if err != nil {
		return nil, err
	}
	relProps, err := c.Run(ctx, `MATCH (n)-[r]->(m) UNWIND keys(r) AS prop
RETURN DISTINCT type(r) AS rel_type, prop ORDER BY rel_type, prop`)
	if err != nil {
		return nil, err
	}

	labelProps := make(map[string][]schema.Property)
	for _, row := range nodeProps {
		label, _ := row["label"].(string)
		prop, _ := row["prop"].(string)
		if label == "" || prop == "" {
			continue
		}
		labelProps[label] = append(labelProps[label], schema.Property{Name: prop})
	}
	relTypeProps := make(map[string][]schema.Property)
	for _, row := range relProps {
		relType, _ := row["rel_type"].(string)
		prop, _ := row["prop"].(string)
		if relType == "" || prop == "" {
			continue
		}
		relTypeProps[relType] = append(relTypeProps[relType], schema.Property{Name: prop})
	}

	m := &schema.Metadata{}
	for _, row := range labels {
		if label, ok := row["label"].(string); ok {
			m.Labels = append(m.Labels, schema.Label{
				Name:       label,
				Properties: labelProps[label],
			})
		}
	}
	for _, row := range relTypes {
		if relType, ok := row["rel_type"].(string); ok {
			m.Relationships = append(m.Relationships, schema.Relationship{
				Type:       relType,
				Properties: relTypeProps[relType],
			})
		}
	}
	for _, row := range triples {
		from, _ := row["from_label"].(string)
		relType, _ := row["rel_type"].(string)
		to, _ := row["to_label"].(string)
		m.Triples = append(m.Triples, schema.Triple{From: from, RelType: relType, To: to})
	}
	return m, nil
}
