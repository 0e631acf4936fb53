package llm

import (
	"context"
	"encoding/json"
)

// Role 是消息在对话中的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是对话中的一条消息。工具结果以 RoleTool 回传，并携带 ToolCallID。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall 是推理服务要求执行的一次工具调用。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolSpec 向推理服务描述一个可用工具。
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request 是一次推理请求。
type Request struct {
	System   string     `json:"system,omitempty"`
	Messages []Message  `json:"messages"`
	Tools    []ToolSpec `json:"tools,omitempty"`
}

// Usage 记录一次推理消耗的 token。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response 是推理服务的回答：文本、工具调用，或二者兼有。
type Response struct {
	Content      string     `json:"content,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage"`
}

// HasToolCalls 判断回答是否要求执行工具。
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Oracle 是外部推理服务的统一接口。
type Oracle interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// OracleFunc 允许用函数实现 Oracle。
type OracleFunc func(ctx context.Context, req Request) (*Response, error)

// Complete 实现 Oracle 接口。
func (f OracleFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
