// Package handler 提供 HTTP 请求处理器
package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tcm-kgqa-api/internal/application/qa"
	"tcm-kgqa-api/internal/infrastructure/persistence/redis"
	"tcm-kgqa-api/internal/interfaces/http/dto"
	"tcm-kgqa-api/pkg/errors"
	"tcm-kgqa-api/pkg/logger"
	"tcm-kgqa-api/pkg/metrics"
)

// QAHandler 问答处理器
type QAHandler struct {
	pipeline     *qa.Pipeline
	cache        *redis.Cache
	cacheEnabled bool
	cacheTTL     time.Duration
}

// NewQAHandler 创建问答处理器
// cache 为 nil 或未启用时直接走流水线
func NewQAHandler(pipeline *qa.Pipeline, cache *redis.Cache, cacheEnabled bool, cacheTTL time.Duration) *QAHandler {
	return &QAHandler{
		pipeline:     pipeline,
		cache:        cache,
		cacheEnabled: cacheEnabled,
		cacheTTL:     cacheTTL,
	}
}

// Ask 知识图谱问答
// @Summary 知识图谱问答
// @Description 基于中医知识图谱回答用户问题
// @Tags QA
// @Accept json
// @Produce json
// @Param body body dto.QuestionRequest true "问答请求"
// @Success 200 {object} dto.QuestionResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/qa/ask [post]
func (h *QAHandler) Ask(c *gin.Context) {
	var req dto.QuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "input is required")
		return
	}
	ctx := c.Request.Context()

	if h.cacheEnabled && h.cache != nil {
		key := answerCacheKey(req.Input)
		loaded := false
		raw, err := h.cache.GetOrLoadSafe(ctx, key, h.cacheTTL, func() (interface{}, error) {
			loaded = true
			st, askErr := h.pipeline.Ask(ctx, req.Input)
			if askErr != nil {
				return nil, askErr
			}
			return dto.QuestionResponse{Input: st.Input, Output: st.Output}, nil
		})
		if err != nil {
			h.renderError(c, err)
			return
		}
		if loaded {
			metrics.CacheHitsTotal.WithLabelValues("miss").Inc()
		} else {
			metrics.CacheHitsTotal.WithLabelValues("hit").Inc()
		}

		var resp dto.QuestionResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			dto.InternalError(c, "corrupt cached answer")
			return
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	st, err := h.pipeline.Ask(ctx, req.Input)
	if err != nil {
		h.renderError(c, err)
		return
	}
	// 回传请求对象本身并附加 output，不套统一响应壳
	c.JSON(http.StatusOK, dto.QuestionResponse{Input: st.Input, Output: st.Output})
}

// AskStream 流式知识图谱问答
// @Summary 流式知识图谱问答
// @Description 通过 SSE 流式返回回答内容
// @Tags QA
// @Accept json
// @Produce text/event-stream
// @Param body body dto.QuestionRequest true "问答请求"
// @Success 200 "SSE stream"
// @Failure 400 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/qa/ask/stream [post]
func (h *QAHandler) AskStream(c *gin.Context) {
	var req dto.QuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "input is required")
		return
	}

	reader, err := h.pipeline.AskStream(c.Request.Context(), req.Input)
	if err != nil {
		h.renderError(c, err)
		return
	}
	defer reader.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	index := 0
	c.Stream(func(w io.Writer) bool {
		msg, recvErr := reader.Recv()
		if recvErr == io.EOF {
			c.SSEvent("done", gin.H{"index": index})
			return false
		}
		if recvErr != nil {
			logger.Warn(c.Request.Context(), "answer stream interrupted", "error", recvErr)
			c.SSEvent("error", gin.H{"message": "stream interrupted"})
			return false
		}
		if msg == nil || msg.Content == "" {
			return true
		}
		c.SSEvent("content", gin.H{
			"chunk": msg.Content,
			"index": index,
		})
		index++
		return true
	})
}

func (h *QAHandler) renderError(c *gin.Context, err error) {
	logger.Error(c.Request.Context(), "qa request failed", err)
	if appErr := errors.AsAppError(err); appErr != nil {
		dto.ErrorWithDetail(c, appErr.HTTPStatus, appErr.Message, &dto.ErrorDetail{
			ErrorCode: string(appErr.Code),
			Details:   appErr.Detail,
		})
		return
	}
	dto.InternalError(c, "internal server error")
}

func answerCacheKey(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "qa:answer:" + hex.EncodeToString(sum[:])
}
