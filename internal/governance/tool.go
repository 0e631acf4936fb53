package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	xerrors "Warden/internal/errors"
)

// Tool 是一个受治理的能力。Level 是声明级别，策略只能在其基础上调整。
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Level() Level
	// Idempotent 为 true 表示失败后可以安全重试。
	Idempotent() bool
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// Spec 是发送给推理服务的工具描述。
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Level       Level           `json:"level"`
}

// Registry 保存按名称注册的工具。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 创建注册表并注册给定工具。
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 注册工具，名称重复或级别非法时报错。
func (r *Registry) Register(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	if !tool.Level().Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工具 %s 的治理级别无效", tool.Name()))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 已注册", tool.Name()))
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Lookup 按名称查找工具。
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names 返回排序后的工具名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FuncTool 用函数拼装一个 Tool，内置工具与测试都用它。
type FuncTool struct {
	ToolName        string
	ToolDescription string
	Parameters      json.RawMessage
	ToolLevel       Level
	Retryable       bool
	Handler         func(ctx context.Context, args json.RawMessage) (string, error)
}

var _ Tool = (*FuncTool)(nil)

func (t *FuncTool) Name() string        { return t.ToolName }
func (t *FuncTool) Description() string { return t.ToolDescription }
func (t *FuncTool) Level() Level        { return t.ToolLevel }
func (t *FuncTool) Idempotent() bool    { return t.Retryable }

// Schema 返回参数 schema，未设置时为空对象。
func (t *FuncTool) Schema() json.RawMessage {
	if len(t.Parameters) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return t.Parameters
}

// Invoke 调用处理函数。
func (t *FuncTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	if t.Handler == nil {
		return "", xerrors.New(xerrors.CodeExecutorFailure, fmt.Sprintf("工具 %s 没有处理函数", t.ToolName))
	}
	return t.Handler(ctx, args)
}
