package qa

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	schemameta "tcm-kgqa-api/internal/domain/schema"
	"tcm-kgqa-api/internal/workflow/model"
	"tcm-kgqa-api/internal/workflow/port"
	workflowprompt "tcm-kgqa-api/internal/workflow/prompt"
	"tcm-kgqa-api/pkg/metrics"
)

// DefaultMaxGenerateRounds 生成→校验循环的默认最大轮数
const DefaultMaxGenerateRounds = 3

// Options 流水线参数
type Options struct {
	Provider          string
	Model             string
	MaxGenerateRounds int
	StageTimeout      time.Duration
}

// Pipeline 问答流水线
// 一次 Ask 调用持有独立的状态副本，Pipeline 本身可并发复用
type Pipeline struct {
	factory  port.ChatModelFactory
	registry *workflowprompt.Registry
	resolver EntityResolver
	store    GraphStore
	metadata *schemameta.Metadata
	opts     Options

	graphOnce sync.Once
	graph     compose.Runnable[*model.QAState, *model.QAState]
	graphErr  error
}

// NewPipeline 创建问答流水线
func NewPipeline(
	factory port.ChatModelFactory,
	registry *workflowprompt.Registry,
	resolver EntityResolver,
	store GraphStore,
	metadata *schemameta.Metadata,
	opts Options,
) *Pipeline {
	if opts.MaxGenerateRounds <= 0 {
		opts.MaxGenerateRounds = DefaultMaxGenerateRounds
	}
	return &Pipeline{
		factory:  factory,
		registry: registry,
		resolver: resolver,
		store:    store,
		metadata: metadata,
		opts:     opts,
	}
}

// Ask 执行完整问答
func (p *Pipeline) Ask(ctx context.Context, input string) (*model.QAState, error) {
	if p == nil || p.factory == nil {
		return nil, fmt.Errorf("pipeline not configured")
	}

	graph, err := p.getGraph()
	if err != nil {
		return nil, err
	}

	st, err := graph.Invoke(ctx, &model.QAState{Input: input}, compose.WithRuntimeMaxSteps(20))
	if err != nil {
		// 出错时拿不到可信的分支信息，统一记为 unknown
		metrics.PipelineRunsTotal.WithLabelValues("unknown", "error").Inc()
		return nil, err
	}
	branch := "graph"
	if !st.IsDomainIntent {
		branch = "direct"
	}
	metrics.PipelineRunsTotal.WithLabelValues(branch, "success").Inc()
	return st, nil
}

// AskStream 执行问答并以流式返回最终回答
// 前置阶段照常执行，仅最后一次模型调用切换为流式；放弃路径返回单块固定回答
func (p *Pipeline) AskStream(ctx context.Context, input string) (*schema.StreamReader[*schema.Message], error) {
	if p == nil || p.factory == nil {
		return nil, fmt.Errorf("pipeline not configured")
	}

	st, err := p.classifyIntent(ctx, &model.QAState{Input: input})
	if err != nil {
		// 意图未判定，分支未知
		metrics.PipelineRunsTotal.WithLabelValues("unknown", "error").Inc()
		return nil, err
	}

	if !st.IsDomainIntent {
		reader, err := p.streamOracle(ctx, "direct", workflowprompt.PromptDirectAnswerV1, map[string]any{
			"input": st.Input,
		})
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.PipelineRunsTotal.WithLabelValues("direct", status).Inc()
		return reader, err
	}

	for _, stage := range []func(context.Context, *model.QAState) (*model.QAState, error){
		p.extractEntities,
		p.resolveEntities,
	} {
		if st, err = stage(ctx, st); err != nil {
			metrics.PipelineRunsTotal.WithLabelValues("graph", "error").Inc()
			return nil, err
		}
	}

	for {
		if st, err = p.generateQueries(ctx, st); err != nil {
			metrics.PipelineRunsTotal.WithLabelValues("graph", "error").Inc()
			return nil, err
		}
		if st, err = p.validateQueries(ctx, st); err != nil {
			metrics.PipelineRunsTotal.WithLabelValues("graph", "error").Inc()
			return nil, err
		}
		if st.AllQueriesValid || st.GaveUp {
			break
		}
	}

	if !st.GaveUp {
		if st, err = p.executeQueries(ctx, st); err != nil {
			metrics.PipelineRunsTotal.WithLabelValues("graph", "error").Inc()
			return nil, err
		}
	}

	if st.GaveUp && !hasRows(st.QueryResults) {
		metrics.PipelineRunsTotal.WithLabelValues("graph", "success").Inc()
		return schema.StreamReaderFromArray([]*schema.Message{
			schema.AssistantMessage(NotFoundAnswer, nil),
		}), nil
	}

	reader, err := p.streamOracle(ctx, "synthesize", workflowprompt.PromptAnswerSynthesisV1, map[string]any{
		"input":   st.Input,
		"results": renderResults(st.QueryResults),
	})
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.PipelineRunsTotal.WithLabelValues("graph", status).Inc()
	return reader, err
}

func (p *Pipeline) getGraph() (compose.Runnable[*model.QAState, *model.QAState], error) {
	p.graphOnce.Do(func() {
		p.graph, p.graphErr = p.buildGraph(context.Background())
	})
	return p.graph, p.graphErr
}

// buildGraph 构建状态机：
//
//	START -> intent
//	           ↓
//	        <领域分支>
//	       /         \
//	  (非图谱问题)  (图谱问题)
//	      ↓            ↓
//	    direct      extract -> resolve -> generate -> validate
//	      ↓                                   ↑           ↓
//	     END                                  |      <校验分支>
//	                                          |      /    |    \
//	                                      (未通过且有余量) | (放弃)
//	                                          ↑    (通过)  ↓
//	                                          +---    execute -> synthesize -> END
//	                                                              ↑
//	                                                   (放弃路径直接进入 synthesize)
func (p *Pipeline) buildGraph(ctx context.Context) (compose.Runnable[*model.QAState, *model.QAState], error) {
	graph := compose.NewGraph[*model.QAState, *model.QAState]()

	type stageFn = func(context.Context, *model.QAState) (*model.QAState, error)
	stages := []struct {
		name string
		fn   stageFn
	}{
		{"intent", p.classifyIntent},
		{"direct", p.answerDirect},
		{"extract", p.extractEntities},
		{"resolve", p.resolveEntities},
		{"generate", p.generateQueries},
		{"validate", p.validateQueries},
		{"execute", p.executeQueries},
		{"synthesize", p.synthesizeAnswer},
	}
	for _, s := range stages {
		if err := graph.AddLambdaNode(s.name, compose.InvokableLambda(s.fn),
			compose.WithNodeName("qa."+s.name)); err != nil {
			return nil, err
		}
	}

	if err := graph.AddEdge(compose.START, "intent"); err != nil {
		return nil, err
	}

	intentBranch := func(ctx context.Context, st *model.QAState) (string, error) {
		if st != nil && st.IsDomainIntent {
			return "extract", nil
		}
		return "direct", nil
	}
	if err := graph.AddBranch("intent", compose.NewGraphBranch(intentBranch,
		map[string]bool{"extract": true, "direct": true})); err != nil {
		return nil, err
	}

	if err := graph.AddEdge("direct", compose.END); err != nil {
		return nil, err
	}
	if err := graph.AddEdge("extract", "resolve"); err != nil {
		return nil, err
	}
	if err := graph.AddEdge("resolve", "generate"); err != nil {
		return nil, err
	}
	if err := graph.AddEdge("generate", "validate"); err != nil {
		return nil, err
	}

	validateBranch := func(ctx context.Context, st *model.QAState) (string, error) {
		if st == nil {
			return "", fmt.Errorf("state is nil")
		}
		if st.AllQueriesValid {
			return "execute", nil
		}
		if st.GaveUp {
			// 放弃路径：跳过执行，合成阶段返回固定回答
			return "synthesize", nil
		}
		return "generate", nil
	}
	if err := graph.AddBranch("validate", compose.NewGraphBranch(validateBranch,
		map[string]bool{"execute": true, "generate": true, "synthesize": true})); err != nil {
		return nil, err
	}

	if err := graph.AddEdge("execute", "synthesize"); err != nil {
		return nil, err
	}
	if err := graph.AddEdge("synthesize", compose.END); err != nil {
		return nil, err
	}

	return graph.Compile(ctx, compose.WithGraphName("kgqa_graph"))
}
