package qa

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	einoobs "tcm-kgqa-api/internal/observability/eino"
	"tcm-kgqa-api/internal/workflow/model"
	"tcm-kgqa-api/internal/workflow/node"
	workflowprompt "tcm-kgqa-api/internal/workflow/prompt"
	"tcm-kgqa-api/pkg/errors"
	"tcm-kgqa-api/pkg/logger"
	"tcm-kgqa-api/pkg/metrics"
)

// NotFoundAnswer 图谱检索失败时的固定回答
const NotFoundAnswer = "没有找到相关答案。"

// callOracle 执行一次带超时与指标的 LLM 往返
func (p *Pipeline) callOracle(ctx context.Context, stage string, id workflowprompt.PromptID, vars map[string]any) (string, error) {
	tpl, err := p.registry.ChatTemplate(id)
	if err != nil {
		return "", err
	}
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", err
	}
	chatModel, err := p.factory.Get(ctx, p.opts.Provider)
	if err != nil {
		return "", err
	}

	if p.opts.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.StageTimeout)
		defer cancel()
	}
	ctx = einoobs.WithWorkflowProvider(ctx, stage, p.opts.Provider)

	start := time.Now()
	out, err := chatModel.Generate(ctx, msgs)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LLMCallDuration.WithLabelValues(p.opts.Provider, stage).Observe(time.Since(start).Seconds())
	metrics.LLMCallTotal.WithLabelValues(p.opts.Provider, stage, status).Inc()
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", errors.New(errors.CodeLLMCallFailed, "empty llm response")
	}
	p.recordUsage(out)
	return strings.TrimSpace(out.Content), nil
}

// streamOracle 同 callOracle，但返回流式输出
func (p *Pipeline) streamOracle(ctx context.Context, stage string, id workflowprompt.PromptID, vars map[string]any) (*schema.StreamReader[*schema.Message], error) {
	tpl, err := p.registry.ChatTemplate(id)
	if err != nil {
		return nil, err
	}
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return nil, err
	}
	chatModel, err := p.factory.Get(ctx, p.opts.Provider)
	if err != nil {
		return nil, err
	}

	ctx = einoobs.WithWorkflowProvider(ctx, stage, p.opts.Provider)

	start := time.Now()
	reader, err := chatModel.Stream(ctx, msgs)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LLMCallDuration.WithLabelValues(p.opts.Provider, stage).Observe(time.Since(start).Seconds())
	metrics.LLMCallTotal.WithLabelValues(p.opts.Provider, stage, status).Inc()
	if err != nil {
		return nil, err
	}
	return reader, nil
}

func (p *Pipeline) recordUsage(msg *schema.Message) {
	if msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return
	}
	usage := msg.ResponseMeta.Usage
	modelName := p.opts.Model
	metrics.LLMTokensUsed.WithLabelValues(p.opts.Provider, modelName, "prompt").Add(float64(usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(p.opts.Provider, modelName, "completion").Add(float64(usage.CompletionTokens))
}

func observeStage(stage string, start time.Time) {
	metrics.PipelineStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// classifyIntent 判定输入是否属于图谱领域
// 只接受字面"是"，其余输出一律按"否"处理
// 模型调用超时或失败时按非图谱问题处理，走直接回答兜底
func (p *Pipeline) classifyIntent(ctx context.Context, st *model.QAState) (*model.QAState, error) {
	defer observeStage("intent", time.Now())
	out := st.Clone()

	answer, err := p.callOracle(ctx, "intent", workflowprompt.PromptIntentV1, map[string]any{
		"input": st.Input,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(err, errors.CodeIntentFailed, "意图识别中止")
		}
		logger.Warn(ctx, "intent classification failed, routing to direct answer", "error", err)
		out.IsDomainIntent = false
		return out, nil
	}

	out.IsDomainIntent = answer == "是"
	logger.Debug(ctx, "intent classified", "domain", out.IsDomainIntent)
	return out, nil
}

// answerDirect 非图谱分支的直接回答
func (p *Pipeline) answerDirect(ctx context.Context, st *model.QAState) (*model.QAState, error) {
	defer observeStage("direct", time.Now())
	out := st.Clone()

	answer, err := p.callOracle(ctx, "direct", workflowprompt.PromptDirectAnswerV1, map[string]any{
		"input": st.Input,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeLLMCallFailed, "直接回答生成失败")
	}

	out.DirectAnswer = answer
	out.Output = answer
	return out, nil
}

// extractEntities 从输入中抽取六类实体提及
// 模型调用超时、失败或输出无法解析时降级为全空列表并打标，不中断流水线
func (p *Pipeline) extractEntities(ctx context.Context, st *model.QAState) (*model.QAState, error) {
	defer observeStage("extract", time.Now())
	out := st.Clone()

	raw, err := p.callOracle(ctx, "extract", workflowprompt.PromptEntityExtractV1, map[string]any{
		"input": st.Input,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(err, errors.CodeExtractionFailed, "实体抽取中止")
		}
		logger.Warn(ctx, "entity extraction call failed", "error", err)
		out.Extracted = model.ExtractedEntities{}
		out.ExtractParseFailed = true
		return out, nil
	}

	var extracted model.ExtractedEntities
	if jsonErr := json.Unmarshal([]byte(node.ExtractJSONObject(raw)), &extracted); jsonErr != nil {
		logger.Warn(ctx, "entity extraction output not parseable", "error", jsonErr)
		out.Extracted = model.ExtractedEntities{}
		out.ExtractParseFailed = true
		return out, nil
	}

	out.Extracted = extracted
	return out, nil
}

// resolveEntities 将提及解析为图谱规范名称
func (p *Pipeline) resolveEntities(ctx context.Context, st *model.QAState) (*model.QAState, error) {
	defer observeStage("resolve", time.Now())
	out := st.Clone()

	matched, err := p.resolver.ResolveAll(ctx, st.Extracted)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeResolutionFailed, "实体解析失败")
	}

	out.Matched = matched
	return out, nil
}

// generateQueries 生成候选 Cypher 查询
// 模型调用超时、失败或输出无法解析时清空查询并打标，交由校验分支决定重试
func (p *Pipeline) generateQueries(ctx context.Context, st *model.QAState) (*model.QAState, error) {
	defer observeStage("generate", time.Now())
	out := st.Clone()
	out.GenerateRounds = st.GenerateRounds + 1
	out.CypherParseFailed = false

	raw, err := p.callOracle(ctx, "generate", workflowprompt.PromptCypherGenV1, map[string]any{
		"input":            st.Input,
		"metadata":         p.metadata.PromptContext(),
		"matched_symptoms": jsonList(st.Matched.Symptoms),
		"matched_diseases": jsonList(st.Matched.Diseases),
		"matched_formulas": jsonList(st.Matched.Formulas),
		"matched_herbs":    jsonList(st.Matched.Herbs),
		"matched_effects":  jsonList(st.Matched.Effects),
		"matched_sources":  jsonList(st.Matched.Sources),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(err, errors.CodeGenerationFailed, "查询生成中止")
		}
		logger.Warn(ctx, "cypher generation call failed", "round", out.GenerateRounds, "error", err)
		out.Queries = nil
		out.CypherParseFailed = true
		return out, nil
	}

	var parsed struct {
		Cypher []string `json:"cypher"`
	}
	if jsonErr := json.Unmarshal([]byte(node.ExtractJSONObject(raw)), &parsed); jsonErr != nil {
		logger.Warn(ctx, "cypher generation output not parseable",
			"round", out.GenerateRounds,
			"error", jsonErr,
		)
		out.Queries = nil
		out.CypherParseFailed = true
		return out, nil
	}

	queries := make([]string, 0, len(parsed.Cypher))
	for _, q := range parsed.Cypher {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	out.Queries = queries
	logger.Debug(ctx, "cypher generated", "round", out.GenerateRounds, "queries", len(queries))
	return out, nil
}

// validateQueries 逐条校验生成的查询
// 空查询集视为未通过；重试轮数耗尽时进入放弃路径
func (p *Pipeline) validateQueries(ctx context.Context, st *model.QAState) (*model.QAState, error) {
	defer observeStage("validate", time.Now())
	out := st.Clone()

	valid := len(st.Queries) > 0
	for _, q := range st.Queries {
		if err := p.store.ValidateCypher(ctx, q); err != nil {
			logger.Warn(ctx, "cypher validation failed", "query", q, "error", err)
			valid = false
			break
		}
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	metrics.CypherValidationTotal.WithLabelValues(result).Inc()

	out.AllQueriesValid = valid
	if valid {
		metrics.CypherGenerateRounds.WithLabelValues("success").Observe(float64(st.GenerateRounds))
		return out, nil
	}
	if st.GenerateRounds >= p.opts.MaxGenerateRounds {
		logger.Warn(ctx, "cypher generation exhausted", "rounds", st.GenerateRounds)
		metrics.CypherGenerateRounds.WithLabelValues("gave_up").Observe(float64(st.GenerateRounds))
		out.Queries = nil
		out.GaveUp = true
	}
	return out, nil
}

// executeQueries 执行通过校验的查询
// 单条失败记入该条结果，不影响其余查询
func (p *Pipeline) executeQueries(ctx context.Context, st *model.QAState) (*model.QAState, error) {
	defer observeStage("execute", time.Now())
	out := st.Clone()

	results := make([]model.QueryResult, 0, len(st.Queries))
	for _, q := range st.Queries {
		rows, err := p.store.Run(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(err, errors.CodeExecutionFailed, "查询执行中止")
			}
			logger.Warn(ctx, "cypher execution failed", "query", q, "error", err)
			results = append(results, model.QueryResult{Query: q, Err: err.Error()})
			continue
		}
		results = append(results, model.QueryResult{Query: q, Rows: rows})
	}

	out.QueryResults = results
	return out, nil
}

// synthesizeAnswer 基于查询结果生成最终回答
// 放弃路径且无任何结果行时直接返回固定回答，不再调用模型
func (p *Pipeline) synthesizeAnswer(ctx context.Context, st *model.QAState) (*model.QAState, error) {
	defer observeStage("synthesize", time.Now())
	out := st.Clone()

	if st.GaveUp && !hasRows(st.QueryResults) {
		out.Answer = NotFoundAnswer
		out.Output = NotFoundAnswer
		return out, nil
	}

	answer, err := p.callOracle(ctx, "synthesize", workflowprompt.PromptAnswerSynthesisV1, map[string]any{
		"input":   st.Input,
		"results": renderResults(st.QueryResults),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSynthesisFailed, "回答生成失败")
	}

	out.Answer = answer
	out.Output = answer
	return out, nil
}

func hasRows(results []model.QueryResult) bool {
	for _, r := range results {
		if len(r.Rows) > 0 {
			return true
		}
	}
	return false
}

// maxResultRunes 限制拼入提示词的查询结果长度
const maxResultRunes = 8000

func renderResults(results []model.QueryResult) string {
	if len(results) == 0 {
		return "[]"
	}
	b, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "[]"
	}
	return node.TruncateByRunes(string(b), maxResultRunes)
}

func jsonList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}
