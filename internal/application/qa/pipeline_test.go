package qa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	schemameta "tcm-kgqa-api/internal/domain/schema"
	"tcm-kgqa-api/internal/workflow/model"
	workflowprompt "tcm-kgqa-api/internal/workflow/prompt"
	"tcm-kgqa-api/pkg/metrics"
)

// fakeOracle 按阶段脚本化回复，阶段由系统提示词识别
// errs 中登记的阶段固定返回对应错误
type fakeOracle struct {
	intent     string
	direct     string
	extract    string
	cypher     []string
	synthesis  string
	errs       map[string]error
	calls      map[string]int
	cypherCall int
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{calls: map[string]int{}, errs: map[string]error{}}
}

func (f *fakeOracle) stageOf(msgs []*schema.Message) string {
	if len(msgs) == 0 {
		return "unknown"
	}
	system := msgs[0].Content
	switch {
	case strings.Contains(system, "意图分类器"):
		return "intent"
	case strings.Contains(system, "实体抽取助手"):
		return "extract"
	case strings.Contains(system, "Cypher 查询语句生成助手"):
		return "generate"
	case strings.Contains(system, "问答助手"):
		return "synthesize"
	case strings.Contains(system, "中医知识助手"):
		return "direct"
	}
	return "unknown"
}

func (f *fakeOracle) Generate(_ context.Context, msgs []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	stage := f.stageOf(msgs)
	f.calls[stage]++
	if err := f.errs[stage]; err != nil {
		return nil, err
	}
	switch stage {
	case "intent":
		return schema.AssistantMessage(f.intent, nil), nil
	case "direct":
		return schema.AssistantMessage(f.direct, nil), nil
	case "extract":
		return schema.AssistantMessage(f.extract, nil), nil
	case "generate":
		idx := f.cypherCall
		if idx >= len(f.cypher) {
			idx = len(f.cypher) - 1
		}
		f.cypherCall++
		return schema.AssistantMessage(f.cypher[idx], nil), nil
	case "synthesize":
		return schema.AssistantMessage(f.synthesis, nil), nil
	}
	return nil, fmt.Errorf("unexpected stage")
}

func (f *fakeOracle) Stream(ctx context.Context, msgs []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	out, err := f.Generate(ctx, msgs, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{out}), nil
}

type fakeFactory struct {
	oracle *fakeOracle
}

func (f *fakeFactory) Get(_ context.Context, _ string) (einomodel.BaseChatModel, error) {
	return f.oracle, nil
}

type fakeResolver struct {
	matched model.MatchedEntities
	err     error
}

func (f *fakeResolver) ResolveAll(_ context.Context, _ model.ExtractedEntities) (model.MatchedEntities, error) {
	return f.matched, f.err
}

// fakeStore 前 failValidations 次校验失败，之后通过
type fakeStore struct {
	failValidations int
	validations     int
	rows            map[string][]map[string]any
	runErr          map[string]error
}

func (f *fakeStore) ValidateCypher(_ context.Context, _ string) error {
	f.validations++
	if f.validations <= f.failValidations {
		return errors.New("syntax error")
	}
	return nil
}

func (f *fakeStore) Run(_ context.Context, query string) ([]map[string]any, error) {
	if err, ok := f.runErr[query]; ok {
		return nil, err
	}
	return f.rows[query], nil
}

func testMetadata() *schemameta.Metadata {
	return &schemameta.Metadata{
		Labels: []schemameta.Label{{Name: "Symptom"}, {Name: "Formula"}},
		Triples: []schemameta.Triple{
			{From: "Formula", RelType: "ALLEVIATES_SYMPTOM", To: "Symptom"},
		},
	}
}

func newTestPipeline(oracle *fakeOracle, store *fakeStore, res *fakeResolver) *Pipeline {
	return NewPipeline(
		&fakeFactory{oracle: oracle},
		workflowprompt.NewRegistry(),
		res,
		store,
		testMetadata(),
		Options{Provider: "test", MaxGenerateRounds: 3},
	)
}

const cypherOK = `{"cypher": ["MATCH (f:Formula)-[:ALLEVIATES_SYMPTOM]->(s:Symptom) WHERE s.name = '脑风头痛' RETURN f.name"]}`

func TestAskDirectBranch(t *testing.T) {
	oracle := newFakeOracle()
	oracle.intent = "否"
	oracle.direct = "欧姆定律描述电压电流与电阻的关系。"

	p := newTestPipeline(oracle, &fakeStore{}, &fakeResolver{})
	st, err := p.Ask(context.Background(), "解释一下欧姆定律。")
	require.NoError(t, err)

	assert.False(t, st.IsDomainIntent)
	assert.Equal(t, oracle.direct, st.Output)
	assert.Equal(t, oracle.direct, st.DirectAnswer)
	assert.Zero(t, oracle.calls["extract"])
	assert.Zero(t, oracle.calls["generate"])
}

func TestAskGraphBranch(t *testing.T) {
	oracle := newFakeOracle()
	oracle.intent = "是"
	oracle.extract = `{"symptoms": ["头痛"], "diseases": [], "formulas": [], "herbs": [], "effects": [], "sources": []}`
	oracle.cypher = []string{cypherOK}
	oracle.synthesis = "可以考虑川芎茶调散。"

	query := "MATCH (f:Formula)-[:ALLEVIATES_SYMPTOM]->(s:Symptom) WHERE s.name = '脑风头痛' RETURN f.name"
	store := &fakeStore{rows: map[string][]map[string]any{
		query: {{"f.name": "川芎茶调散"}},
	}}
	res := &fakeResolver{matched: model.MatchedEntities{Symptoms: []string{"脑风头痛"}}}

	p := newTestPipeline(oracle, store, res)
	st, err := p.Ask(context.Background(), "我头痛该吃什么药？")
	require.NoError(t, err)

	assert.True(t, st.IsDomainIntent)
	assert.Equal(t, []string{"脑风头痛"}, st.Matched.Symptoms)
	assert.Equal(t, 1, st.GenerateRounds)
	assert.True(t, st.AllQueriesValid)
	require.Len(t, st.QueryResults, 1)
	assert.Equal(t, query, st.QueryResults[0].Query)
	require.Len(t, st.QueryResults[0].Rows, 1)
	assert.Equal(t, oracle.synthesis, st.Output)
}

func TestAskRetriesOnInvalidCypher(t *testing.T) {
	oracle := newFakeOracle()
	oracle.intent = "是"
	oracle.extract = `{"symptoms": ["头痛"], "diseases": [], "formulas": [], "herbs": [], "effects": [], "sources": []}`
	oracle.cypher = []string{cypherOK}
	oracle.synthesis = "答案"

	store := &fakeStore{failValidations: 1}
	p := newTestPipeline(oracle, store, &fakeResolver{})

	st, err := p.Ask(context.Background(), "我头痛该吃什么药？")
	require.NoError(t, err)

	assert.Equal(t, 2, st.GenerateRounds)
	assert.True(t, st.AllQueriesValid)
	assert.False(t, st.GaveUp)
	assert.Equal(t, 2, oracle.calls["generate"])
}

func TestAskGivesUpAfterMaxRounds(t *testing.T) {
	oracle := newFakeOracle()
	oracle.intent = "是"
	oracle.extract = `{"symptoms": ["头痛"], "diseases": [], "formulas": [], "herbs": [], "effects": [], "sources": []}`
	oracle.cypher = []string{cypherOK}

	store := &fakeStore{failValidations: 100}
	p := newTestPipeline(oracle, store, &fakeResolver{})

	st, err := p.Ask(context.Background(), "我头痛该吃什么药？")
	require.NoError(t, err)

	assert.True(t, st.GaveUp)
	assert.Empty(t, st.Queries)
	assert.Equal(t, 3, st.GenerateRounds)
	assert.Equal(t, NotFoundAnswer, st.Output)
	// 放弃路径不再调用模型做回答合成
	assert.Zero(t, oracle.calls["synthesize"])
}

func TestAskExtractParseFallback(t *testing.T) {
	oracle := newFakeOracle()
	oracle.intent = "是"
	oracle.extract = "抱歉，我无法输出 JSON。"
	oracle.cypher = []string{cypherOK}
	oracle.synthesis = "答案"

	store := &fakeStore{}
	p := newTestPipeline(oracle, store, &fakeResolver{})

	st, err := p.Ask(context.Background(), "我头痛该吃什么药？")
	require.NoError(t, err)

	assert.True(t, st.ExtractParseFailed)
	assert.Empty(t, st.Extracted.Symptoms)
	// 抽取降级后流水线继续走完
	assert.Equal(t, oracle.synthesis, st.Output)
}

func TestAskCypherParseFallbackExhausts(t *testing.T) {
	oracle := newFakeOracle()
	oracle.intent = "是"
	oracle.extract = `{"symptoms": [], "diseases": [], "formulas": [], "herbs": [], "effects": [], "sources": []}`
	oracle.cypher = []string{"这不是 JSON"}

	p := newTestPipeline(oracle, &fakeStore{}, &fakeResolver{})
	st, err := p.Ask(context.Background(), "我头痛该吃什么药？")
	require.NoError(t, err)

	assert.True(t, st.CypherParseFailed)
	assert.True(t, st.GaveUp)
	assert.Equal(t, NotFoundAnswer, st.Output)
}

func TestAskPartialExecutionFailure(t *testing.T) {
	q1 := "MATCH (f:Formula) RETURN f.name LIMIT 1"
	q2 := "MATCH (h:Herb) RETURN h.name LIMIT 1"
	oracle := newFakeOracle()
	oracle.intent = "是"
	oracle.extract = `{"symptoms": ["头痛"], "diseases": [], "formulas": [], "herbs": [], "effects": [], "sources": []}`
	oracle.cypher = []string{fmt.Sprintf(`{"cypher": [%q, %q]}`, q1, q2)}
	oracle.synthesis = "答案"

	store := &fakeStore{
		rows:   map[string][]map[string]any{q1: {{"f.name": "四君子汤"}}},
		runErr: map[string]error{q2: errors.New("timeout")},
	}
	p := newTestPipeline(oracle, store, &fakeResolver{})

	st, err := p.Ask(context.Background(), "我头痛该吃什么药？")
	require.NoError(t, err)

	require.Len(t, st.QueryResults, 2)
	assert.Empty(t, st.QueryResults[0].Err)
	assert.Len(t, st.QueryResults[0].Rows, 1)
	assert.Equal(t, "timeout", st.QueryResults[1].Err)
	assert.Empty(t, st.QueryResults[1].Rows)
}

func TestAskExtractTimeoutDegrades(t *testing.T) {
	oracle := newFakeOracle()
	oracle.intent = "是"
	oracle.errs["extract"] = context.DeadlineExceeded
	oracle.cypher = []string{cypherOK}
	oracle.synthesis = "答案"

	p := newTestPipeline(oracle, &fakeStore{}, &fakeResolver{})
	st, err := p.Ask(context.Background(), "我头痛该吃什么药？")
	require.NoError(t, err)

	// 抽取阶段超时按解析失败降级，流水线继续走完
	assert.True(t, st.ExtractParseFailed)
	assert.Empty(t, st.Extracted.Symptoms)
	assert.Empty(t, st.Extracted.Herbs)
	assert.Equal(t, oracle.synthesis, st.Output)
}

func TestAskIntentFailureRoutesDirect(t *testing.T) {
	oracle := newFakeOracle()
	oracle.errs["intent"] = errors.New("upstream unavailable")
	oracle.direct = "直接回答"

	p := newTestPipeline(oracle, &fakeStore{}, &fakeResolver{})
	st, err := p.Ask(context.Background(), "解释一下欧姆定律。")
	require.NoError(t, err)

	assert.False(t, st.IsDomainIntent)
	assert.Equal(t, oracle.direct, st.Output)
	assert.Zero(t, oracle.calls["extract"])
}

func TestAskGenerateTimeoutExhausts(t *testing.T) {
	oracle := newFakeOracle()
	oracle.intent = "是"
	oracle.extract = `{"symptoms": [], "diseases": [], "formulas": [], "herbs": [], "effects": [], "sources": []}`
	oracle.errs["generate"] = context.DeadlineExceeded

	p := newTestPipeline(oracle, &fakeStore{}, &fakeResolver{})
	st, err := p.Ask(context.Background(), "我头痛该吃什么药？")
	require.NoError(t, err)

	// 生成阶段超时等同输出不可解析，进入重试直至放弃
	assert.True(t, st.CypherParseFailed)
	assert.True(t, st.GaveUp)
	assert.Equal(t, 3, st.GenerateRounds)
	assert.Equal(t, 3, oracle.calls["generate"])
	assert.Equal(t, NotFoundAnswer, st.Output)
}

func TestExtractAbortsOnCanceledContext(t *testing.T) {
	oracle := newFakeOracle()
	oracle.errs["extract"] = context.Canceled

	p := newTestPipeline(oracle, &fakeStore{}, &fakeResolver{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// 调用方取消时不降级，错误上抛
	_, err := p.extractEntities(ctx, &model.QAState{Input: "我头痛该吃什么药？"})
	require.Error(t, err)
}

func TestAskErrorCountsUnknownBranch(t *testing.T) {
	oracle := newFakeOracle()
	oracle.intent = "否"
	oracle.errs["direct"] = errors.New("llm down")

	counter := metrics.PipelineRunsTotal.WithLabelValues("unknown", "error")
	before := testutil.ToFloat64(counter)

	p := newTestPipeline(oracle, &fakeStore{}, &fakeResolver{})
	_, err := p.Ask(context.Background(), "解释一下欧姆定律。")
	require.Error(t, err)

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestAskStreamDirectBranch(t *testing.T) {
	oracle := newFakeOracle()
	oracle.intent = "否"
	oracle.direct = "直接回答"

	p := newTestPipeline(oracle, &fakeStore{}, &fakeResolver{})
	reader, err := p.AskStream(context.Background(), "解释一下欧姆定律。")
	require.NoError(t, err)
	defer reader.Close()

	msg, err := reader.Recv()
	require.NoError(t, err)
	assert.Equal(t, "直接回答", msg.Content)
}

func TestAskStreamGaveUpReturnsFixedAnswer(t *testing.T) {
	oracle := newFakeOracle()
	oracle.intent = "是"
	oracle.extract = `{"symptoms": [], "diseases": [], "formulas": [], "herbs": [], "effects": [], "sources": []}`
	oracle.cypher = []string{"不是 JSON"}

	p := newTestPipeline(oracle, &fakeStore{}, &fakeResolver{})
	reader, err := p.AskStream(context.Background(), "我头痛该吃什么药？")
	require.NoError(t, err)
	defer reader.Close()

	msg, err := reader.Recv()
	require.NoError(t, err)
	assert.Equal(t, NotFoundAnswer, msg.Content)
	assert.Zero(t, oracle.calls["synthesize"])
}
