// Package engine 驱动与推理服务之间有界的多轮工具调用：每轮先过预算，
// 再请求推理，逐个经治理网关派发工具调用并把结果回传。
package engine

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"Warden/internal/budget"
	xerrors "Warden/internal/errors"
	"Warden/internal/governance"
	"Warden/internal/llm"
	"Warden/internal/memory"
	"Warden/internal/retry"
	"Warden/pkg/logger"
)

// Dispatcher 是引擎依赖的治理网关能力。
type Dispatcher interface {
	Dispatch(ctx context.Context, call governance.Call) (*governance.Result, error)
	Specs() []governance.Spec
}

// Admitter 是引擎依赖的预算能力。
type Admitter interface {
	Admit(ctx context.Context) (budget.Decision, error)
}

// RetrySubmitter 接收失败后可重试的调用。
type RetrySubmitter interface {
	Submit(ctx context.Context, actionType string, payload any, cause error) (*retry.Action, error)
}

// KnowledgeSearcher 为系统上下文提供知识片段。
type KnowledgeSearcher interface {
	SearchKnowledge(limit int, terms ...string) ([]memory.KnowledgeHit, error)
}

// TruncationReason 说明一轮对话因哪个上限被截断。
type TruncationReason string

const (
	TruncatedByMaxRounds   TruncationReason = "max_rounds"
	TruncatedByMaxDuration TruncationReason = "max_duration"
)

// Conversation 是一轮对话的输入。
type Conversation struct {
	ID       string        `json:"id"`
	Trigger  string        `json:"trigger,omitempty"`
	Goal     string        `json:"goal,omitempty"`
	Messages []llm.Message `json:"messages"`
}

// RoundResult 汇总一轮对话。
type RoundResult struct {
	ConversationID string              `json:"conversation_id"`
	Trigger        string              `json:"trigger,omitempty"`
	Reply          string              `json:"reply,omitempty"`
	Rounds         int                 `json:"rounds"`
	Calls          []governance.Result `json:"calls,omitempty"`
	Retries        []string            `json:"retries,omitempty"`
	Truncated      bool                `json:"truncated"`
	TruncatedBy    TruncationReason    `json:"truncated_by,omitempty"`
	Paused         bool                `json:"paused"`
	Budget         *budget.Decision    `json:"budget,omitempty"`
	Usage          llm.Usage           `json:"usage"`
	Messages       []llm.Message       `json:"messages,omitempty"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     time.Time           `json:"finished_at"`
	outcomes       map[governance.Outcome]int
}

// Outcomes 统计本轮各治理结果的次数。
func (r *RoundResult) Outcomes() map[governance.Outcome]int {
	out := make(map[governance.Outcome]int, len(r.outcomes))
	for k, v := range r.outcomes {
		out[k] = v
	}
	return out
}

// Config 描述轮次上限。
type Config struct {
	MaxRounds     int           `mapstructure:"max_rounds"`
	MaxDuration   time.Duration `mapstructure:"max_duration"`
	OracleTimeout time.Duration `mapstructure:"oracle_timeout"`
	SystemPrompt  string        `mapstructure:"system_prompt"`
	KnowledgeHits int           `mapstructure:"knowledge_hits"`
}

const (
	defaultMaxRounds     = 8
	defaultMaxDuration   = 5 * time.Minute
	defaultKnowledgeHits = 3
)

const defaultSystemPrompt = "You are an autonomous agent operating under governance levels. " +
	"L1 tools run immediately, L2 tools wait for operator approval, L3 tools are refused. " +
	"Answer with plain text when no further action is needed."

// Observer 在每轮结束时收到结果。
type Observer func(*RoundResult)

// Option 配置 Engine。
type Option func(*Engine)

// WithBudget 设置预算守卫。
func WithBudget(a Admitter) Option {
	return func(e *Engine) { e.budget = a }
}

// WithRetry 设置重试队列。
func WithRetry(r RetrySubmitter) Option {
	return func(e *Engine) { e.retry = r }
}

// WithKnowledge 设置知识检索。
func WithKnowledge(k KnowledgeSearcher) Option {
	return func(e *Engine) { e.knowledge = k }
}

// WithClock 注入时间源。
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithObserver 订阅每轮结果。
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// Engine 执行有界的对话轮次。
type Engine struct {
	oracle     llm.Oracle
	dispatcher Dispatcher
	budget     Admitter
	retry      RetrySubmitter
	knowledge  KnowledgeSearcher
	cfg        Config
	observers  []Observer
	clock      func() time.Time
	log        *slog.Logger
}

// New 创建引擎。
func New(oracle llm.Oracle, dispatcher Dispatcher, cfg Config, opts ...Option) (*Engine, error) {
	if oracle == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置推理服务")
	}
	if dispatcher == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置治理网关")
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = defaultMaxDuration
	}
	if cfg.KnowledgeHits <= 0 {
		cfg.KnowledgeHits = defaultKnowledgeHits
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	e := &Engine{
		oracle:     oracle,
		dispatcher: dispatcher,
		cfg:        cfg,
		clock:      time.Now,
		log:        logger.Named("engine"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// RunConversationRound 反复请求推理并派发工具调用，直到得到纯文本回答、
// 达到 max_rounds 或超过 max_duration。预算拒绝时暂停本轮，不视为错误。
// 上限只在两次推理之间检查，已派发的调用总会执行完毕。
func (e *Engine) RunConversationRound(ctx context.Context, conv Conversation) (*RoundResult, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	start := e.clock()
	res := &RoundResult{
		ConversationID: conv.ID,
		Trigger:        conv.Trigger,
		StartedAt:      start,
		outcomes:       make(map[governance.Outcome]int),
	}
	messages := append([]llm.Message(nil), conv.Messages...)
	req := llm.Request{
		System: e.systemContext(conv),
		Tools:  e.toolSpecs(),
	}

	finish := func() *RoundResult {
		res.Messages = messages
		res.FinishedAt = e.clock()
		e.log.Info("对话轮次结束",
			slog.String("conversation_id", res.ConversationID),
			slog.String("trigger", res.Trigger),
			slog.Int("rounds", res.Rounds),
			slog.Int("calls", len(res.Calls)),
			slog.Bool("truncated", res.Truncated),
			slog.Bool("paused", res.Paused),
		)
		for _, o := range e.observers {
			o(res)
		}
		return res
	}

	for {
		if res.Rounds >= e.cfg.MaxRounds {
			res.Truncated = true
			res.TruncatedBy = TruncatedByMaxRounds
			return finish(), nil
		}
		if e.clock().Sub(start) >= e.cfg.MaxDuration {
			res.Truncated = true
			res.TruncatedBy = TruncatedByMaxDuration
			return finish(), nil
		}
		if e.budget != nil {
			decision, err := e.budget.Admit(ctx)
			if err != nil {
				return finish(), err
			}
			if !decision.Allowed {
				res.Paused = true
				res.Budget = &decision
				e.log.Info("预算已用尽，暂停本轮",
					slog.String("window", string(decision.Window)),
					slog.Int64("retry_after_seconds", decision.RetryAfterSeconds()),
				)
				return finish(), nil
			}
		}

		req.Messages = messages
		resp, err := e.complete(ctx, req)
		res.Rounds++
		if err != nil {
			return finish(), err
		}
		res.Usage.PromptTokens += resp.Usage.PromptTokens
		res.Usage.CompletionTokens += resp.Usage.CompletionTokens
		res.Usage.TotalTokens += resp.Usage.TotalTokens

		calls := make([]llm.ToolCall, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			if tc.ID == "" {
				tc.ID = uuid.NewString()
			}
			calls[i] = tc
		}
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: calls})
		if len(calls) == 0 {
			res.Reply = resp.Content
			return finish(), nil
		}

		for _, tc := range calls {
			result, err := e.dispatch(ctx, tc)
			if err != nil {
				return finish(), err
			}
			res.Calls = append(res.Calls, *result)
			res.outcomes[result.Outcome]++
			if id := e.maybeRetry(ctx, tc, result); id != "" {
				res.Retries = append(res.Retries, id)
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Content:    result.Message(),
			})
		}
	}
}

func (e *Engine) complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	callCtx := ctx
	if e.cfg.OracleTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.OracleTimeout)
		defer cancel()
	}
	resp, err := e.oracle.Complete(callCtx, req)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "推理请求超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "推理请求失败")
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "推理服务返回空结果")
	}
	return resp, nil
}

// dispatch 派发一次工具调用。未注册的工具以文本回传给推理服务，其余错误中止本轮。
func (e *Engine) dispatch(ctx context.Context, tc llm.ToolCall) (*governance.Result, error) {
	result, err := e.dispatcher.Dispatch(ctx, governance.Call{
		ID:        tc.ID,
		Tool:      tc.Name,
		Arguments: tc.Arguments,
	})
	if err != nil && !(result != nil && xerrors.HasCode(err, xerrors.CodeUnknownCapability)) {
		return nil, err
	}
	if result == nil {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, fmt.Sprintf("工具 %s 没有返回结果", tc.Name))
	}
	return result, nil
}

func (e *Engine) maybeRetry(ctx context.Context, tc llm.ToolCall, result *governance.Result) string {
	if e.retry == nil || result.Outcome != governance.OutcomeFailed || !result.Retryable {
		return ""
	}
	action, err := e.retry.Submit(ctx, result.Tool, governance.Call{
		ID:        tc.ID,
		Tool:      result.Tool,
		Arguments: tc.Arguments,
	}, result.Err)
	if err != nil {
		e.log.Warn("失败调用入队重试失败", slog.String("tool", result.Tool), slog.Any("error", err))
		return ""
	}
	return action.ID
}

func (e *Engine) toolSpecs() []llm.ToolSpec {
	specs := e.dispatcher.Specs()
	out := make([]llm.ToolSpec, 0, len(specs))
	for _, s := range specs {
		if s.Level == governance.L3 {
			continue
		}
		desc := s.Description
		if s.Level == governance.L2 {
			desc = strings.TrimSpace(desc + " (requires operator approval)")
		}
		out = append(out, llm.ToolSpec{Name: s.Name, Description: desc, Parameters: s.Parameters})
	}
	return out
}

// systemContext 拼接系统提示与按目标检索到的知识片段。
func (e *Engine) systemContext(conv Conversation) string {
	var b strings.Builder
	b.WriteString(e.cfg.SystemPrompt)
	if e.knowledge == nil {
		return b.String()
	}
	terms := strings.Fields(conv.Goal)
	if len(terms) == 0 {
		for i := len(conv.Messages) - 1; i >= 0; i-- {
			if conv.Messages[i].Role == llm.RoleUser {
				terms = strings.Fields(conv.Messages[i].Content)
				break
			}
		}
	}
	if len(terms) == 0 {
		return b.String()
	}
	if len(terms) > 8 {
		terms = terms[:8]
	}
	hits, err := e.knowledge.SearchKnowledge(e.cfg.KnowledgeHits, terms...)
	if err != nil {
		e.log.Warn("知识检索失败", slog.Any("error", err))
		return b.String()
	}
	if len(hits) == 0 {
		return b.String()
	}
	b.WriteString("\n\n## Knowledge\n")
	for _, hit := range hits {
		fmt.Fprintf(&b, "- %s: %s\n", hit.Path, strings.TrimSpace(hit.Excerpt))
	}
	return b.String()
}
