// Package main 离线引导工具：导出图谱模式、构建实体名称索引、装载抽取数据
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"

	"tcm-kgqa-api/internal/config"
	"tcm-kgqa-api/internal/domain/schema"
	"tcm-kgqa-api/internal/infrastructure/embedding"
	"tcm-kgqa-api/internal/infrastructure/persistence/milvus"
	"tcm-kgqa-api/internal/infrastructure/persistence/neo4j"
	"tcm-kgqa-api/internal/infrastructure/vectorindex"
)

const defaultEmbedBatch = 16

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "export-schema":
		runExportSchema(ctx, cfg, os.Args[2:])
	case "build-index":
		runBuildIndex(ctx, cfg, os.Args[2:])
	case "load-graph":
		runLoadGraph(ctx, cfg, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: bootstrap <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  export-schema   从 Neo4j 导出图谱模式快照（JSON）")
	fmt.Fprintln(os.Stderr, "  build-index     为规范实体名称构建向量索引")
	fmt.Fprintln(os.Stderr, "  load-graph      将抽取结果 JSON 装载进 Neo4j")
}

// runExportSchema 内省图数据库并落盘模式快照
func runExportSchema(ctx context.Context, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("export-schema", flag.ExitOnError)
	out := fs.String("out", cfg.QA.MetadataPath, "output path for the metadata snapshot")
	_ = fs.Parse(args)

	graph, err := neo4j.NewClient(ctx, &cfg.Graph.Neo4j)
	if err != nil {
		log.Fatalf("failed to connect neo4j: %v", err)
	}
	defer graph.Close(ctx)

	fmt.Println("Exporting graph schema...")
	meta, err := graph.ExportMetadata(ctx)
	if err != nil {
		log.Fatalf("failed to export metadata: %v", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal metadata: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		log.Fatalf("failed to write metadata: %v", err)
	}

	fmt.Printf("Schema snapshot written to %s (%d labels, %d relationships, %d triples)\n",
		*out, len(meta.Labels), len(meta.Relationships), len(meta.Triples))
}

// runBuildIndex 拉取各标签下的规范名称，批量向量化后写入索引后端
func runBuildIndex(ctx context.Context, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("build-index", flag.ExitOnError)
	backend := fs.String("backend", cfg.Vector.Backend, "index backend: flat or milvus")
	_ = fs.Parse(args)

	graph, err := neo4j.NewClient(ctx, &cfg.Graph.Neo4j)
	if err != nil {
		log.Fatalf("failed to connect neo4j: %v", err)
	}
	defer graph.Close(ctx)

	meta, err := schema.Load(cfg.QA.MetadataPath)
	if err != nil {
		log.Fatalf("failed to load metadata (run export-schema first): %v", err)
	}

	// 跨标签按名称去重，保留首个标签作为类别
	var names []string
	var categories []string
	seen := map[string]bool{}
	for _, label := range meta.LabelNames() {
		labelNames, err := graph.NodeNamesByLabel(ctx, label)
		if err != nil {
			log.Fatalf("failed to list names for label %s: %v", label, err)
		}
		fmt.Printf("Label %s: %d names\n", label, len(labelNames))
		for _, name := range labelNames {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
			categories = append(categories, label)
		}
	}
	if len(names) == 0 {
		log.Fatal("no entity names found, nothing to index")
	}
	fmt.Printf("Embedding %d unique names...\n", len(names))

	embedder, err := embedding.NewEinoEmbedder(ctx, &cfg.Embedding)
	if err != nil {
		log.Fatalf("failed to init embedder: %v", err)
	}

	batchSize := cfg.Embedding.BatchSize
	if batchSize <= 0 {
		batchSize = defaultEmbedBatch
	}
	vectors := make([][]float32, 0, len(names))
	for i := 0; i < len(names); i += batchSize {
		end := i + batchSize
		if end > len(names) {
			end = len(names)
		}
		batch, err := embedder.EmbedStrings(ctx, names[i:end])
		if err != nil {
			log.Fatalf("failed to embed batch starting at %d: %v", i, err)
		}
		if len(batch) != end-i {
			log.Fatalf("embedder returned %d vectors for %d inputs", len(batch), end-i)
		}
		for _, v := range batch {
			vec := make([]float32, len(v))
			for j, x := range v {
				vec[j] = float32(x)
			}
			vectors = append(vectors, vec)
		}
	}
	dim := len(vectors[0])
	fmt.Printf("Embedded %d names (dimension %d)\n", len(vectors), dim)

	switch *backend {
	case "flat", "":
		if err := vectorindex.Write(cfg.Vector.Flat.IndexPath, cfg.Vector.Flat.NamesPath, vectors, names); err != nil {
			log.Fatalf("failed to write flat index: %v", err)
		}
		fmt.Printf("Flat index written to %s\n", cfg.Vector.Flat.IndexPath)
	case "milvus":
		client, err := milvus.NewClient(ctx, &cfg.Vector.Milvus)
		if err != nil {
			log.Fatalf("failed to connect milvus: %v", err)
		}
		defer client.Close()

		repo := milvus.NewRepository(client)
		if err := repo.EnsureCollection(ctx, dim); err != nil {
			log.Fatalf("failed to ensure collection: %v", err)
		}
		items := make([]milvus.EntityName, 0, len(names))
		for i := range names {
			items = append(items, milvus.EntityName{
				ID:       int64(i),
				Name:     names[i],
				Category: categories[i],
				Vector:   vectors[i],
			})
		}
		if err := repo.InsertNames(ctx, items); err != nil {
			log.Fatalf("failed to insert entity names: %v", err)
		}
		fmt.Printf("Inserted %d names into milvus\n", len(items))
	default:
		log.Fatalf("unknown backend %q", *backend)
	}

	fmt.Println("Index build complete.")
}

// extractionFile 信息抽取产物格式
type extractionFile struct {
	Results []struct {
		ExtractDict struct {
			Entities []struct {
				Name       string         `json:"name"`
				Type       string         `json:"type"`
				Attributes map[string]any `json:"attributes"`
			} `json:"entities"`
			Relations []struct {
				Subject     string `json:"subject"`
				SubjectType string `json:"subject_type"`
				Relation    string `json:"relation"`
				Object      string `json:"object"`
				ObjectType  string `json:"object_type"`
			} `json:"relations"`
		} `json:"extract_dict"`
	} `json:"results"`
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// runLoadGraph 将抽取结果 JSON 幂等装载进 Neo4j（MERGE 语义）
func runLoadGraph(ctx context.Context, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("load-graph", flag.ExitOnError)
	file := fs.String("file", "", "extraction result JSON file")
	batchSize := fs.Int("batch", 1000, "statements per transaction")
	_ = fs.Parse(args)
	if *file == "" {
		log.Fatal("load-graph requires -file")
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("failed to read %s: %v", *file, err)
	}
	var data extractionFile
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Fatalf("failed to parse %s: %v", *file, err)
	}

	// 实体按 (name, type) 去重，属性后写覆盖先写
	type entityKey struct{ name, label string }
	entityAttrs := map[entityKey]map[string]any{}
	var entityOrder []entityKey
	var relations []neo4j.Statement

	for _, result := range data.Results {
		for _, e := range result.ExtractDict.Entities {
			if e.Name == "" || !identPattern.MatchString(e.Type) {
				continue
			}
			key := entityKey{name: e.Name, label: e.Type}
			if _, ok := entityAttrs[key]; !ok {
				entityAttrs[key] = map[string]any{}
				entityOrder = append(entityOrder, key)
			}
			for k, v := range e.Attributes {
				entityAttrs[key][k] = v
			}
		}
		for _, r := range result.ExtractDict.Relations {
			if r.Subject == "" || r.Object == "" {
				continue
			}
			if !identPattern.MatchString(r.SubjectType) || !identPattern.MatchString(r.ObjectType) || !identPattern.MatchString(r.Relation) {
				continue
			}
			relations = append(relations, neo4j.Statement{
				Query: fmt.Sprintf(
					"MERGE (s:%s {name: $subject_name}) MERGE (o:%s {name: $object_name}) MERGE (s)-[r:%s]->(o)",
					r.SubjectType, r.ObjectType, r.Relation,
				),
				Params: map[string]any{
					"subject_name": r.Subject,
					"object_name":  r.Object,
				},
			})
		}
	}

	entities := make([]neo4j.Statement, 0, len(entityOrder))
	for _, key := range entityOrder {
		entities = append(entities, neo4j.Statement{
			Query: fmt.Sprintf("MERGE (n:%s {name: $name}) SET n += $props", key.label),
			Params: map[string]any{
				"name":  key.name,
				"props": entityAttrs[key],
			},
		})
	}
	fmt.Printf("Parsed %d entities and %d relations\n", len(entities), len(relations))

	graph, err := neo4j.NewClient(ctx, &cfg.Graph.Neo4j)
	if err != nil {
		log.Fatalf("failed to connect neo4j: %v", err)
	}
	defer graph.Close(ctx)

	apply := func(kind string, stmts []neo4j.Statement) {
		for i := 0; i < len(stmts); i += *batchSize {
			end := i + *batchSize
			if end > len(stmts) {
				end = len(stmts)
			}
			if err := graph.ApplyBatch(ctx, stmts[i:end]); err != nil {
				log.Fatalf("failed to apply %s batch at %d: %v", kind, i, err)
			}
		}
		fmt.Printf("Applied %d %s statements\n", len(stmts), kind)
	}
	apply("entity", entities)
	apply("relation", relations)

	fmt.Println("Graph load complete.")
}
