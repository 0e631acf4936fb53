package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "Warden/internal/errors"
	"Warden/internal/governance"
)

// 内置工具名称。
const (
	NameNotifyOperator  = "notify_operator"
	NameKnowledgeRead   = "knowledge_read"
	NameKnowledgeSearch = "knowledge_search"
	NameKnowledgeWrite  = "knowledge_write"
	NameWebFetch        = "web_fetch"
	NameSocialPost      = "social_post"
	NameSelfModify      = "self_modify"
)

// decodeArgs 把工具参数解码到 dst，空参数按空对象处理。
func decodeArgs(args json.RawMessage, dst any) error {
	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工具参数不是合法的 JSON 对象")
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("缺少参数 %s", field))
	}
	return nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeExecutorFailure, err, "编码工具结果失败")
	}
	return string(data), nil
}

// SelfModify 是自我修改能力的占位。它声明为 L3，治理闸门永远不会调用它。
func SelfModify() governance.Tool {
	return &governance.FuncTool{
		ToolName:        NameSelfModify,
		ToolDescription: "Modify the agent's own configuration or code.",
		Parameters:      json.RawMessage(`{"type":"object","properties":{"change":{"type":"string"}},"required":["change"]}`),
		ToolLevel:       governance.L3,
		Handler: func(context.Context, json.RawMessage) (string, error) {
			return "", xerrors.New(xerrors.CodeGovernanceViolation, "self_modify 不允许执行")
		},
	}
}

// Handlers 聚合内置工具所需的外部依赖。为空的依赖所对应的工具不会注册。
type Handlers struct {
	Operator  OperatorNotifier
	Knowledge KnowledgeStore
	Fetcher   *Fetcher
	Poster    *SocialPoster
}

// Tools 返回全部可用的内置工具，self_modify 总是包含在内。
func (h Handlers) Tools() []governance.Tool {
	var tools []governance.Tool
	if h.Operator != nil {
		tools = append(tools, NotifyOperator(h.Operator))
	}
	if h.Knowledge != nil {
		tools = append(tools, KnowledgeRead(h.Knowledge), KnowledgeSearch(h.Knowledge), KnowledgeWrite(h.Knowledge))
	}
	if h.Fetcher != nil {
		tools = append(tools, h.Fetcher.Tool())
	}
	if h.Poster != nil {
		tools = append(tools, h.Poster.Tool())
	}
	return append(tools, SelfModify())
}
