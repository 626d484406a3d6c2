package model

// EntityCategory 实体类别
type EntityCategory string

const (
	CategorySymptom EntityCategory = "symptom"
	CategoryDisease EntityCategory = "disease"
	CategoryFormula EntityCategory = "formula"
	CategoryHerb    EntityCategory = "herb"
	CategoryEffect  EntityCategory = "effect"
	CategorySource  EntityCategory = "source"
)

// Categories 六类实体的固定顺序
var Categories = []EntityCategory{
	CategorySymptom,
	CategoryDisease,
	CategoryFormula,
	CategoryHerb,
	CategoryEffect,
	CategorySource,
}

// ExtractedEntities 抽取阶段的分类提及
type ExtractedEntities struct {
	Symptoms []string `json:"symptoms"`
	Diseases []string `json:"diseases"`
	Formulas []string `json:"formulas"`
	Herbs    []string `json:"herbs"`
	Effects  []string `json:"effects"`
	Sources  []string `json:"sources"`
}

// ByCategory 按固定顺序返回各类提及
func (e ExtractedEntities) ByCategory() map[EntityCategory][]string {
	return map[EntityCategory][]string{
		CategorySymptom: e.Symptoms,
		CategoryDisease: e.Diseases,
		CategoryFormula: e.Formulas,
		CategoryHerb:    e.Herbs,
		CategoryEffect:  e.Effects,
		CategorySource:  e.Sources,
	}
}

// MatchedEntities 解析阶段的图谱规范名称，分类与抽取结果一一对应
type MatchedEntities struct {
	Symptoms []string `json:"symptoms"`
	Diseases []string `json:"diseases"`
	Formulas []string `json:"formulas"`
	Herbs    []string `json:"herbs"`
	Effects  []string `json:"effects"`
	Sources  []string `json:"sources"`
}

// Set 写入指定类别的匹配结果
func (m *MatchedEntities) Set(c EntityCategory, names []string) {
	switch c {
	case CategorySymptom:
		m.Symptoms = names
	case CategoryDisease:
		m.Diseases = names
	case CategoryFormula:
		m.Formulas = names
	case CategoryHerb:
		m.Herbs = names
	case CategoryEffect:
		m.Effects = names
	case CategorySource:
		m.Sources = names
	}
}

// QueryResult 单条查询的执行结果
// Err 非空表示该条查询执行失败，Rows 为空
type QueryResult struct {
	Query string           `json:"query"`
	Rows  []map[string]any `json:"rows,omitempty"`
	Err   string           `json:"error,omitempty"`
}

// QAState 问答流水线的状态记录
// 每个阶段只写自己的字段，节点间通过 Clone 传递副本
type QAState struct {
	// 输入
	Input string `json:"input"`

	// 意图分类
	IsDomainIntent bool `json:"is_domain_intent"`

	// 非图谱分支的直接回答
	DirectAnswer string `json:"direct_answer,omitempty"`

	// 实体抽取
	Extracted          ExtractedEntities `json:"extracted"`
	ExtractParseFailed bool              `json:"extract_parse_failed,omitempty"`

	// 实体解析
	Matched MatchedEntities `json:"matched"`

	// 查询生成与校验
	Queries           []string `json:"queries,omitempty"`
	CypherParseFailed bool     `json:"cypher_parse_failed,omitempty"`
	AllQueriesValid   bool     `json:"all_queries_valid"`
	GenerateRounds    int      `json:"generate_rounds"`
	GaveUp            bool     `json:"gave_up,omitempty"`

	// 查询执行
	QueryResults []QueryResult `json:"query_results,omitempty"`

	// 输出
	Answer string `json:"answer,omitempty"`
	Output string `json:"output"`
}

// Clone 返回状态的深拷贝
func (s *QAState) Clone() *QAState {
	if s == nil {
		return nil
	}
	out := *s
	out.Extracted = ExtractedEntities{
		Symptoms: cloneStrings(s.Extracted.Symptoms),
		Diseases: cloneStrings(s.Extracted.Diseases),
		Formulas: cloneStrings(s.Extracted.Formulas),
		Herbs:    cloneStrings(s.Extracted.Herbs),
		Effects:  cloneStrings(s.Extracted.Effects),
		Sources:  cloneStrings(s.Extracted.Sources),
	}
	out.Matched = MatchedEntities{
		Symptoms: cloneStrings(s.Matched.Symptoms),
		Diseases: cloneStrings(s.Matched.Diseases),
		Formulas: cloneStrings(s.Matched.Formulas),
		Herbs:    cloneStrings(s.Matched.Herbs),
		Effects:  cloneStrings(s.Matched.Effects),
		Sources:  cloneStrings(s.Matched.Sources),
	}
	out.Queries = cloneStrings(s.Queries)
	if s.QueryResults != nil {
		out.QueryResults = make([]QueryResult, len(s.QueryResults))
		copy(out.QueryResults, s.QueryResults)
	}
	return &out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
