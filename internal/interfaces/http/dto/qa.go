// Package dto 提供 HTTP 层数据传输对象
package dto

// QuestionRequest 问答请求
type QuestionRequest struct {
	Input string `json:"input" binding:"required"`
}

// QuestionResponse 问答响应，回显输入并附带最终回答
type QuestionResponse struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}
