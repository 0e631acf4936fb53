// Package governance 按 L1/L2/L3 级别约束工具调用，并为每一次调用写一条审计记录。
package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"Warden/internal/audit"
	xerrors "Warden/internal/errors"
	"Warden/internal/observability/alerting"
	"Warden/pkg/logger"
)

// Call 是一次工具调用请求。
type Call struct {
	ID            string          `json:"id"`
	Tool          string          `json:"tool"`
	Arguments     json.RawMessage `json:"arguments"`
	ApprovalToken string          `json:"approval_token,omitempty"`
}

// Outcome 是调用在治理层的最终结果。
type Outcome string

const (
	OutcomeExecuted        Outcome = "executed"
	OutcomeFailed          Outcome = "failed"
	OutcomeBlocked         Outcome = "blocked"
	OutcomePendingApproval Outcome = "pending_approval"
	OutcomeUnknownTool     Outcome = "unknown_tool"
)

// Result 描述一次 Dispatch 的结果。
type Result struct {
	CallID  string  `json:"call_id"`
	Tool    string  `json:"tool"`
	Level   Level   `json:"level,omitempty"`
	Outcome Outcome `json:"outcome"`
	Output  string  `json:"output,omitempty"`
	Err     error   `json:"-"`

	// Retryable 表示失败可交给重试队列：幂等、错误可重试，且为 L1 或已消费审批的 L2。
	Retryable bool        `json:"retryable,omitempty"`
	Approval  *Approval   `json:"approval,omitempty"`
	Audit     audit.Entry `json:"audit"`
}

// Message 把结果渲染成回传给推理服务的文本。
func (r *Result) Message() string {
	switch r.Outcome {
	case OutcomeExecuted:
		return r.Output
	case OutcomePendingApproval:
		id := ""
		if r.Approval != nil {
			id = r.Approval.ID
		}
		return fmt.Sprintf("pending_approval: %s requires operator approval (request %s); it has not run", r.Tool, id)
	case OutcomeBlocked:
		return fmt.Sprintf("blocked: %s is forbidden at level %s and was not run", r.Tool, r.Level)
	case OutcomeUnknownTool:
		return fmt.Sprintf("error: unknown tool %q", r.Tool)
	default:
		if r.Err != nil {
			return "error: " + r.Err.Error()
		}
		return "error: tool failed"
	}
}

// Observer 在每次调用结束后收到结果，用于指标。
type Observer func(Result)

// Option 配置 Gate。
type Option func(*Gate)

// WithPolicy 设置级别覆盖。
func WithPolicy(p Policy) Option {
	return func(g *Gate) { g.policy = g.policy.Merge(p) }
}

// WithApprovalFile 把审批单持久化到指定文件。
func WithApprovalFile(path string) Option {
	return func(g *Gate) { g.approvalPath = path }
}

// WithNotifier 设置操作员通知通道。
func WithNotifier(d alerting.Dispatcher) Option {
	return func(g *Gate) { g.notifier = d }
}

// WithClock 注入时间源。
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithObserver 追加结果观察者。
func WithObserver(o Observer) Option {
	return func(g *Gate) {
		if o != nil {
			g.observers = append(g.observers, o)
		}
	}
}

// Gate 是治理网关。
type Gate struct {
	registry     *Registry
	policy       Policy
	approvalPath string
	book         *approvalBook
	recorder     audit.Recorder
	notifier     alerting.Dispatcher
	observers    []Observer
	clock        func() time.Time
	log          *slog.Logger
}

// NewGate 创建治理网关。recorder 不能为空。
func NewGate(registry *Registry, recorder audit.Recorder, opts ...Option) (*Gate, error) {
	if registry == nil || recorder == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "治理网关缺少注册表或审计日志")
	}
	g := &Gate{
		registry: registry,
		recorder: recorder,
		clock:    time.Now,
		log:      logger.Named("governance"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	book, err := newApprovalBook(g.approvalPath)
	if err != nil {
		return nil, err
	}
	g.book = book
	return g, nil
}

// Registry 返回工具注册表。
func (g *Gate) Registry() *Registry { return g.registry }

// LevelOf 返回工具的生效级别。
func (g *Gate) LevelOf(name string) (Level, bool) {
	tool, ok := g.registry.Lookup(name)
	if !ok {
		return 0, false
	}
	return g.policy.Effective(tool), true
}

// Specs 返回全部工具的描述，级别为生效级别。
func (g *Gate) Specs() []Spec {
	names := g.registry.Names()
	specs := make([]Spec, 0, len(names))
	for _, name := range names {
		tool, _ := g.registry.Lookup(name)
		specs = append(specs, Spec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
			Level:       g.policy.Effective(tool),
		})
	}
	return specs
}

// Dispatch 按治理级别处理一次调用。未注册的工具返回 UNKNOWN_CAPABILITY；
// 其余情况的结果都在 Result.Outcome 中，每次调用恰好写一条审计。
func (g *Gate) Dispatch(ctx context.Context, call Call) (*Result, error) {
	return g.dispatch(ctx, call, false)
}

// Redispatch 供重试队列再次执行同一调用。L2 调用只有在相同 (工具, 参数)
// 的审批已被消费过时才会执行，否则与 Dispatch 一样进入待审批流程。
func (g *Gate) Redispatch(ctx context.Context, call Call) (*Result, error) {
	return g.dispatch(ctx, call, true)
}

func (g *Gate) dispatch(ctx context.Context, call Call, retry bool) (*Result, error) {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}

	tool, ok := g.registry.Lookup(call.Tool)
	if !ok {
		unknown := xerrors.New(xerrors.CodeUnknownCapability, fmt.Sprintf("未注册的工具 %q", call.Tool))
		res := &Result{CallID: call.ID, Tool: call.Tool, Outcome: OutcomeUnknownTool, Err: unknown}
		if err := g.finish(ctx, res); err != nil {
			return res, err
		}
		return res, unknown
	}

	level := g.policy.Effective(tool)
	res := &Result{CallID: call.ID, Tool: tool.Name(), Level: level}

	switch level {
	case L3:
		res.Outcome = OutcomeBlocked
		res.Err = xerrors.New(xerrors.CodeGovernanceViolation, fmt.Sprintf("工具 %s 为 L3，禁止执行", tool.Name()))
		return res, g.finish(ctx, res)
	case L2:
		redeemed, tokenErr := g.redeem(call)
		if !redeemed && retry {
			redeemed = g.previouslyApproved(call)
		}
		if !redeemed {
			if err := g.requestApproval(ctx, call, res, tokenErr); err != nil {
				return res, err
			}
			return res, g.finish(ctx, res)
		}
	}

	output, err := g.invoke(ctx, tool, call.Arguments)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		res.Retryable = level != L3 && tool.Idempotent() && xerrors.RetryableError(err)
	} else {
		res.Outcome = OutcomeExecuted
		res.Output = output
	}
	return res, g.finish(ctx, res)
}

func (g *Gate) invoke(ctx context.Context, tool Tool, args json.RawMessage) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeExecutorFailure, fmt.Sprintf("工具 %s 异常退出: %v", tool.Name(), r), xerrors.WithRetryable(false))
		}
	}()
	return tool.Invoke(ctx, args)
}

// redeem 校验并消费审批令牌。令牌只能使用一次，且必须与调用的哈希一致。
func (g *Gate) redeem(call Call) (bool, error) {
	if call.ApprovalToken == "" {
		return false, nil
	}
	g.book.mu.Lock()
	defer g.book.mu.Unlock()

	a := g.book.byToken(call.ApprovalToken)
	if a == nil || a.Status != ApprovalApproved || a.Hash != CallHash(call.Tool, call.Arguments) {
		return false, xerrors.New(CodeApprovalInvalid, fmt.Sprintf("工具 %s 的审批令牌无效", call.Tool))
	}
	a.Status = ApprovalConsumed
	if err := g.book.persist(g.clock()); err != nil {
		g.log.Warn("审批单持久化失败", slog.String("approval_id", a.ID), slog.Any("error", err))
	}
	return true, nil
}

func (g *Gate) previouslyApproved(call Call) bool {
	g.book.mu.Lock()
	defer g.book.mu.Unlock()
	return g.book.consumedByHash(CallHash(call.Tool, call.Arguments)) != nil
}

// requestApproval 登记待审批请求。相同 (工具, 参数) 只通知一次。
func (g *Gate) requestApproval(ctx context.Context, call Call, res *Result, tokenErr error) error {
	now := g.clock().UTC()
	hash := CallHash(call.Tool, call.Arguments)

	g.book.mu.Lock()
	a := g.book.pendingByHash(hash)
	created := a == nil
	if created {
		a = &Approval{
			ID:          uuid.NewString(),
			CallID:      call.ID,
			Tool:        call.Tool,
			Arguments:   append(json.RawMessage(nil), call.Arguments...),
			Hash:        hash,
			Status:      ApprovalPending,
			RequestedAt: now,
		}
		g.book.items[a.ID] = a
	}
	a.Requests++
	snapshot := *a
	err := g.book.persist(now)
	g.book.mu.Unlock()
	if err != nil {
		return err
	}

	res.Outcome = OutcomePendingApproval
	res.Approval = &snapshot
	res.Err = tokenErr

	if created {
		alerting.Notify(ctx, g.notifier, alerting.Event{
			Kind:       alerting.KindApprovalRequired,
			Severity:   xerrors.SeverityInfo,
			ActionID:   snapshot.ID,
			Message:    fmt.Sprintf("工具 %s 等待操作员审批", call.Tool),
			Metadata:   map[string]string{"tool": call.Tool, "call_id": call.ID},
			OccurredAt: now,
		})
	}
	return nil
}

func (g *Gate) finish(ctx context.Context, res *Result) error {
	entry := audit.Entry{
		ActionID: res.CallID,
		Type:     res.Tool,
		Status:   audit.Status(res.Outcome),
		Result:   truncate(res.Output, 512),
	}
	if res.Level.Valid() {
		entry.Level = res.Level.String()
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	recorded, err := g.recorder.Record(ctx, entry)
	res.Audit = recorded
	for _, o := range g.observers {
		o(*res)
	}
	g.log.Info("工具调用完成",
		slog.String("call_id", res.CallID),
		slog.String("tool", res.Tool),
		slog.String("outcome", string(res.Outcome)),
	)
	return err
}

// Approve 批准一张待审批单并签发一次性令牌。
func (g *Gate) Approve(ctx context.Context, id string) (Approval, error) {
	return g.decide(ctx, id, ApprovalApproved, "")
}

// Deny 拒绝一张待审批单。
func (g *Gate) Deny(ctx context.Context, id, reason string) (Approval, error) {
	return g.decide(ctx, id, ApprovalDenied, reason)
}

func (g *Gate) decide(ctx context.Context, id string, status ApprovalStatus, reason string) (Approval, error) {
	now := g.clock().UTC()

	g.book.mu.Lock()
	a, ok := g.book.items[id]
	if !ok {
		g.book.mu.Unlock()
		return Approval{}, xerrors.New(CodeApprovalNotFound, fmt.Sprintf("审批单 %s 不存在", id))
	}
	if a.Status != ApprovalPending {
		current := a.Status
		g.book.mu.Unlock()
		return Approval{}, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("审批单 %s 状态为 %s", id, current))
	}
	a.Status = status
	a.DecidedAt = now
	a.Reason = reason
	if status == ApprovalApproved {
		a.Token = uuid.NewString()
	}
	snapshot := *a
	err := g.book.persist(now)
	g.book.mu.Unlock()
	if err != nil {
		return Approval{}, err
	}

	auditStatus := audit.StatusApproved
	if status == ApprovalDenied {
		auditStatus = audit.StatusDenied
	}
	if _, err := g.recorder.Record(ctx, audit.Entry{
		ActionID: snapshot.CallID,
		Type:     "approval",
		Level:    L2.String(),
		Status:   auditStatus,
		Result:   snapshot.ID,
		Error:    reason,
	}); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// ResumeApproved 携带令牌重新派发已批准的调用。
func (g *Gate) ResumeApproved(ctx context.Context, id string) (*Result, error) {
	g.book.mu.Lock()
	a, ok := g.book.items[id]
	if !ok {
		g.book.mu.Unlock()
		return nil, xerrors.New(CodeApprovalNotFound, fmt.Sprintf("审批单 %s 不存在", id))
	}
	if a.Status != ApprovalApproved {
		current := a.Status
		g.book.mu.Unlock()
		return nil, xerrors.New(CodeApprovalInvalid, fmt.Sprintf("审批单 %s 状态为 %s，无法执行", id, current))
	}
	call := Call{ID: a.CallID, Tool: a.Tool, Arguments: a.Arguments, ApprovalToken: a.Token}
	g.book.mu.Unlock()

	return g.Dispatch(ctx, call)
}

// Approvals 列出审批单，status 为空时返回全部。
func (g *Gate) Approvals(status ApprovalStatus) []Approval {
	return g.book.list(status)
}

// Approval 按 ID 查找审批单。
func (g *Gate) Approval(id string) (Approval, bool) {
	g.book.mu.Lock()
	defer g.book.mu.Unlock()
	a, ok := g.book.items[id]
	if !ok {
		return Approval{}, false
	}
	return *a, true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
