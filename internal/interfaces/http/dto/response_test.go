package dto

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestBadRequest(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Set("trace_id", "trace-123")

	BadRequest(c, "input is required")

	assert.Equal(t, 400, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 400, resp.Code)
	assert.Equal(t, "input is required", resp.Message)
	assert.Equal(t, "trace-123", resp.TraceID)
	assert.Nil(t, resp.Error)
}

func TestInternalError(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	InternalError(c, "internal server error")

	assert.Equal(t, 500, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 500, resp.Code)
	assert.Empty(t, resp.TraceID)
}

func TestErrorWithDetail(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	ErrorWithDetail(c, 503, "图数据库不可用", &ErrorDetail{
		ErrorCode: "5201",
		Details:   "connection refused",
	})

	assert.Equal(t, 503, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "图数据库不可用", resp.Message)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "5201", resp.Error.ErrorCode)
	assert.Equal(t, "connection refused", resp.Error.Details)
}
