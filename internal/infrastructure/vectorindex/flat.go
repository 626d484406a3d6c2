// Package vectorindex 提供基于本地文件制品的规范名称向量索引
package vectorindex

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"tcm-kgqa-api/internal/application/resolver"
	"tcm-kgqa-api/pkg/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("vectorindex")

// Magic 向量文件头标识
var Magic = [4]byte{'T', 'C', 'M', 'V'}

// FlatIndex 内存平面索引
// 离线构建的制品一次性加载，加载后只读，Search 可并发调用
type FlatIndex struct {
	dim     int
	vectors [][]float32
	names   []string
}

// Load 从两个制品文件加载索引
// 文件缺失、文件头损坏或向量数与名称数不一致均视为致命错误
func Load(indexPath, namesPath string) (*FlatIndex, error) {
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, fmt.Errorf("read vector file %s: %w", indexPath, err)
	}
	if len(raw) < 12 {
		return nil, fmt.Errorf("vector file %s: truncated header", indexPath)
	}
	if !bytes.Equal(raw[:4], Magic[:]) {
		return nil, fmt.Errorf("vector file %s: bad magic", indexPath)
	}
	dim := int(binary.LittleEndian.Uint32(raw[4:8]))
	count := int(binary.LittleEndian.Uint32(raw[8:12]))
	if dim <= 0 || count < 0 {
		return nil, fmt.Errorf("vector file %s: invalid header dim=%d count=%d", indexPath, dim, count)
	}

	body := raw[12:]
	want := count * dim * 4
	if len(body) != want {
		return nil, fmt.Errorf("vector file %s: body size %d, want %d", indexPath, len(body), want)
	}

	vectors := make([][]float32, count)
	for i := 0; i < count; i++ {
		row := make([]float32, dim)
		off := i * dim * 4
		for j := 0; j < dim; j++ {
			bits := binary.LittleEndian.Uint32(body[off+j*4 : off+j*4+4])
			row[j] = math.Float32frombits(bits)
		}
		vectors[i] = normalize(row)
	}

	nameRaw, err := os.ReadFile(namesPath)
	if err != nil {
		return nil, fmt.Errorf("read names file %s: %w", namesPath, err)
	}
	var names []string
	if err := json.Unmarshal(nameRaw, &names); err != nil {
		return nil, fmt.Errorf("parse names file %s: %w", namesPath, err)
	}
	if len(names) != count {
		return nil, fmt.Errorf("names file %s: %d names for %d vectors", namesPath, len(names), count)
	}

	return &FlatIndex{dim: dim, vectors: vectors, names: names}, nil
}

// Dimension 返回索引维度
func (f *FlatIndex) Dimension() int {
	return f.dim
}

// Len 返回索引条目数
func (f *FlatIndex) Len() int {
	return len(f.names)
}

// Search 对全部条目做精确内积检索
// 查询向量与存储向量均做 L2 归一化，内积即余弦相似度
func (f *FlatIndex) Search(ctx context.Context, vector []float32, topK int) ([]resolver.Neighbor, error) {
	_, span := tracer.Start(ctx, "vectorindex.Search",
		trace.WithAttributes(attribute.Int("top_k", topK)))
	defer span.End()
	start := time.Now()

	if len(vector) != f.dim {
		err := fmt.Errorf("query dimension %d, index dimension %d", len(vector), f.dim)
		span.RecordError(err)
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}
	if topK > len(f.vectors) {
		topK = len(f.vectors)
	}

	query := normalize(append([]float32(nil), vector...))

	sims := make([]float64, len(f.vectors))
	for i, row := range f.vectors {
		var dot float32
		for j, v := range row {
			dot += v * query[j]
		}
		sims[i] = float64(dot)
	}

	ids := make([]int, len(sims))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool {
		if sims[ids[a]] != sims[ids[b]] {
			return sims[ids[a]] > sims[ids[b]]
		}
		return ids[a] < ids[b]
	})

	out := make([]resolver.Neighbor, 0, topK)
	for _, id := range ids[:topK] {
		out = append(out, resolver.Neighbor{
			ID:         int64(id),
			Name:       f.names[id],
			Similarity: sims[id],
		})
	}

	metrics.ResolverSearchDuration.WithLabelValues("flat").Observe(time.Since(start).Seconds())
	return out, nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// Write 将向量与名称写出为索引制品，供离线构建任务使用
func Write(indexPath, namesPath string, vectors [][]float32, names []string) error {
	if len(vectors) != len(names) {
		return fmt.Errorf("write index: %d vectors for %d names", len(vectors), len(names))
	}
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("write index: vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}

	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	buf := make([]byte, 12, 12+len(vectors)*dim*4)
	copy(buf[:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], uint32(dim))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(vectors)))
	row := make([]byte, 4)
	for _, v := range vectors {
		for _, x := range v {
			binary.LittleEndian.PutUint32(row, math.Float32bits(x))
			buf = append(buf, row...)
		}
	}
	if err := os.WriteFile(indexPath, buf, 0o644); err != nil {
		return fmt.Errorf("write vector file %s: %w", indexPath, err)
	}

	nameRaw, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("marshal names: %w", err)
	}
	if err := os.WriteFile(namesPath, nameRaw, 0o644); err != nil {
		return fmt.Errorf("write names file %s: %w", namesPath, err)
	}
	return nil
}
