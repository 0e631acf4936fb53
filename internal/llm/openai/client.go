// Package openai 通过 OpenAI 兼容的 Chat Completions 接口实现 llm.Oracle。
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	xerrors "Warden/internal/errors"
	"Warden/internal/llm"
)

const (
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容接口所需的信息。
type Config struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float32       `mapstructure:"temperature"`
}

// Oracle 基于 go-openai 客户端。
type Oracle struct {
	client      *goopenai.Client
	model       string
	temperature float32
}

// NewOracle 根据配置创建推理客户端。
func NewOracle(cfg Config) (*Oracle, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	return &Oracle{
		client:      goopenai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: cfg.Temperature,
	}, nil
}

// Complete 实现 llm.Oracle。
func (o *Oracle) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(req))
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeRecoverableIO, "OpenAI 响应中没有有效的 choices")
	}

	choice := resp.Choices[0]
	out := &llm.Response{
		Content:      strings.TrimSpace(choice.Message.Content),
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: rawArguments(call.Function.Arguments),
		})
	}
	return out, nil
}

func (o *Oracle) buildRequest(req llm.Request) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range req.Messages {
		converted := goopenai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, call := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, goopenai.ToolCall{
				ID:   call.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			})
		}
		messages = append(messages, converted)
	}

	tools := make([]goopenai.Tool, 0, len(req.Tools))
	for _, spec := range req.Tools {
		params := spec.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tools = append(tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}

	out := goopenai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		Temperature: o.temperature,
	}
	if len(tools) > 0 {
		out.Tools = tools
	}
	return out
}

func rawArguments(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	encoded, _ := json.Marshal(args)
	return encoded
}

// classify 把客户端错误映射到统一错误码：429 为限流，5xx 与网络错误可重试。
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "推理请求超时")
	}

	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return xerrors.Wrap(xerrors.CodeRateLimited, err, "推理服务限流")
	case status >= http.StatusInternalServerError:
		return xerrors.Wrap(xerrors.CodeRecoverableIO, err, fmt.Sprintf("推理服务返回 %d", status))
	case status >= http.StatusBadRequest:
		return xerrors.Wrap(xerrors.CodeExecutorFailure, err, fmt.Sprintf("推理服务拒绝请求 %d", status), xerrors.WithRetryable(false))
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return xerrors.Wrap(xerrors.CodeRecoverableIO, err, "推理服务网络错误")
	}
	return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "请求推理服务失败")
}

var _ llm.Oracle = (*Oracle)(nil)
