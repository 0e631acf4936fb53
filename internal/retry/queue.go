package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"Warden/internal/audit"
	xerrors "Warden/internal/errors"
	"Warden/internal/observability/alerting"
	"Warden/pkg/logger"
)

// Executor 真正发起外部调用。
type Executor interface {
	Execute(ctx context.Context, action Action) error
}

// ExecutorFunc 允许用函数实现 Executor。
type ExecutorFunc func(ctx context.Context, action Action) error

// Execute 实现 Executor 接口。
func (f ExecutorFunc) Execute(ctx context.Context, action Action) error { return f(ctx, action) }

// Observer 在每次状态迁移后被调用，例如用于指标。调用时持有队列锁，不能回调 Queue。
type Observer func(action Action, from Status)

// Option 配置 Queue。
type Option func(*Queue)

// WithBackoff 覆盖退避表。
func WithBackoff(backoff []time.Duration) Option {
	return func(q *Queue) {
		if len(backoff) > 0 {
			q.backoff = append([]time.Duration(nil), backoff...)
		}
	}
}

// WithMaxAttempts 设置放弃前允许的失败次数。
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithLimiter 设置本地限流预检。
func WithLimiter(l *LocalLimiter) Option {
	return func(q *Queue) { q.limiter = l }
}

// WithRecorder 设置审计记录器。
func WithRecorder(r audit.Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// WithNotifier 设置操作员通知。
func WithNotifier(d alerting.Dispatcher) Option {
	return func(q *Queue) { q.notifier = d }
}

// WithClock 注入时间源。
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// WithExecutor 为动作类型注册执行器；类型为空时作为默认执行器。
func WithExecutor(actionType string, exec Executor) Option {
	return func(q *Queue) {
		if exec == nil {
			return
		}
		if actionType == "" {
			q.fallback = exec
			return
		}
		q.executors[actionType] = exec
	}
}

// WithObserver 订阅状态迁移。
func WithObserver(o Observer) Option {
	return func(q *Queue) {
		if o != nil {
			q.observers = append(q.observers, o)
		}
	}
}

// Queue 是持久化的重试状态机。
type Queue struct {
	mu       sync.Mutex
	store    Store
	actions  map[string]*Action
	inflight map[string]struct{}

	executors map[string]Executor
	fallback  Executor
	observers []Observer

	backoff     []time.Duration
	maxAttempts int
	limiter     *LocalLimiter
	recorder    audit.Recorder
	notifier    alerting.Dispatcher
	clock       func() time.Time
	log         *slog.Logger
}

// NewQueue 从 store 恢复队列。
func NewQueue(ctx context.Context, store Store, opts ...Option) (*Queue, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	q := &Queue{
		store:       store,
		actions:     make(map[string]*Action),
		inflight:    make(map[string]struct{}),
		executors:   make(map[string]Executor),
		backoff:     append([]time.Duration(nil), DefaultBackoff...),
		maxAttempts: DefaultMaxAttempts,
		clock:       time.Now,
		log:         logger.Named("retry"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	actions, err := store.Load(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load retry queue")
	}
	for _, a := range actions {
		if a == nil || a.ID == "" {
			continue
		}
		q.actions[a.ID] = a
	}
	if len(q.actions) > 0 {
		q.log.Info("重试队列已恢复", slog.Int("actions", len(q.actions)))
	}
	return q, nil
}

// Name 实现 memory.Participant。
func (q *Queue) Name() string { return "retry" }

// Flush 实现 memory.Participant，把当前队列整体重写一次。
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistLocked(ctx)
}

// Enqueue 加入一个尚未尝试过的动作，下一次 ProcessDue 时执行。
func (q *Queue) Enqueue(ctx context.Context, actionType string, payload any) (*Action, error) {
	action, err := q.newAction(actionType, payload)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions[action.ID] = action
	if err := q.persistLocked(ctx); err != nil {
		delete(q.actions, action.ID)
		return nil, err
	}
	q.log.Info("动作已入队", slog.String("action_id", action.ID), slog.String("type", action.Type))
	return action.clone(), nil
}

// Submit 登记一个刚刚失败过一次的动作；cause 即第一次失败。
func (q *Queue) Submit(ctx context.Context, actionType string, payload any, cause error) (*Action, error) {
	if cause == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "submit requires the failure cause")
	}
	action, err := q.newAction(actionType, payload)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions[action.ID] = action
	q.failLocked(ctx, action, cause)
	return action.clone(), nil
}

func (q *Queue) newAction(actionType string, payload any) (*Action, error) {
	actionType = strings.TrimSpace(actionType)
	if actionType == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "action type is required")
	}
	var raw json.RawMessage
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = append(json.RawMessage(nil), v...)
	case []byte:
		raw = append(json.RawMessage(nil), v...)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode action payload")
		}
		raw = b
	}
	now := q.clock()
	return &Action{
		ID:          uuid.NewString(),
		Type:        actionType,
		Payload:     raw,
		Status:      StatusPending,
		MaxAttempts: q.maxAttempts,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Attempt 立即尝试一次指定动作。被本地限流推迟时返回的动作状态不变，NextRetryAt 后移。
func (q *Queue) Attempt(ctx context.Context, id string) (*Action, error) {
	q.mu.Lock()
	action, ok := q.actions[id]
	if !ok {
		q.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("retry action %s not found", id))
	}
	if action.Status.Terminal() {
		q.mu.Unlock()
		return action.clone(), xerrors.New(CodeActionTerminal, "", xerrors.WithMetadata("status", string(action.Status)))
	}
	if _, busy := q.inflight[id]; busy {
		q.mu.Unlock()
		return action.clone(), xerrors.New(CodeActionInFlight, "")
	}

	now := q.clock()
	if allowed, until := q.limiter.Reserve(action.Type, now); !allowed {
		q.deferLocked(ctx, action, until)
		out := action.clone()
		q.mu.Unlock()
		return out, nil
	}

	exec := q.executorFor(action.Type)
	if exec == nil {
		q.failLocked(ctx, action, xerrors.New(xerrors.CodeUnknownCapability,
			fmt.Sprintf("no executor for action type %s", action.Type)))
		out := action.clone()
		q.mu.Unlock()
		return out, nil
	}
	q.inflight[id] = struct{}{}
	snapshot := *action.clone()
	q.mu.Unlock()

	err := q.execute(ctx, exec, snapshot)

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
	if err != nil {
		q.failLocked(ctx, action, err)
	} else {
		q.succeedLocked(ctx, action)
	}
	return action.clone(), nil
}

func (q *Queue) execute(ctx context.Context, exec Executor, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeExecutorFailure, fmt.Sprintf("retry executor panic: %v", r),
				xerrors.WithRetryable(false))
		}
	}()
	return exec.Execute(ctx, action)
}

// ProcessDue 按 NextRetryAt 顺序尝试所有到期动作，返回尝试次数。
func (q *Queue) ProcessDue(ctx context.Context) (int, error) {
	q.mu.Lock()
	now := q.clock()
	due := make([]*Action, 0)
	for _, a := range q.actions {
		if a.Status.Terminal() {
			continue
		}
		if _, busy := q.inflight[a.ID]; busy {
			continue
		}
		if !a.NextRetryAt.After(now) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRetryAt.Equal(due[j].NextRetryAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].NextRetryAt.Before(due[j].NextRetryAt)
	})
	ids := make([]string, 0, len(due))
	for _, a := range due {
		ids = append(ids, a.ID)
	}
	q.mu.Unlock()

	attempted := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return attempted, err
		}
		if _, err := q.Attempt(ctx, id); err != nil {
			if xerrors.HasCode(err, CodeActionInFlight) || xerrors.HasCode(err, CodeActionTerminal) {
				continue
			}
			return attempted, err
		}
		attempted++
	}
	return attempted, nil
}

func (q *Queue) executorFor(actionType string) Executor {
	if exec, ok := q.executors[actionType]; ok {
		return exec
	}
	return q.fallback
}

func (q *Queue) deferLocked(ctx context.Context, action *Action, until time.Time) {
	if until.After(action.NextRetryAt) {
		action.NextRetryAt = until
	}
	action.Deferrals++
	action.UpdatedAt = q.clock()
	if err := q.persistLocked(ctx); err != nil {
		q.log.Warn("推迟状态持久化失败", slog.String("action_id", action.ID), slog.Any("error", err))
	}
	q.log.Info("本地限流推迟动作",
		slog.String("action_id", action.ID),
		slog.String("type", action.Type),
		slog.Time("next_retry_at", action.NextRetryAt),
	)
}

func (q *Queue) failLocked(ctx context.Context, action *Action, cause error) {
	from := action.Status
	now := q.clock()
	action.Attempts++
	action.LastError = cause.Error()
	action.ErrorCode = string(xerrors.CodeOf(cause))
	action.UpdatedAt = now
	q.limiter.Learn(action.Type, cause, now)

	limit := action.MaxAttempts
	if limit <= 0 {
		limit = q.maxAttempts
	}
	if !xerrors.RetryableError(cause) || action.Attempts >= limit {
		action.Status = StatusAbandoned
		action.NextRetryAt = time.Time{}
		q.transitionLocked(ctx, action, from, alerting.Event{
			Kind:     alerting.KindRetryAbandoned,
			Code:     xerrors.CodeOf(cause),
			Severity: xerrors.SeverityCritical,
			Message:  fmt.Sprintf("%s abandoned: %s", action.Type, action.LastError),
		}, audit.StatusAbandoned, "", action.LastError)
		return
	}

	action.Status = StatusScheduled
	action.NextRetryAt = now.Add(q.delayFor(action.Attempts))
	q.transitionLocked(ctx, action, from, alerting.Event{
		Kind:     alerting.KindRetryScheduled,
		Code:     xerrors.CodeOf(cause),
		Severity: xerrors.SeverityOf(cause),
		Message:  fmt.Sprintf("%s retry at %s", action.Type, action.NextRetryAt.UTC().Format(time.RFC3339)),
		Metadata: map[string]string{"next_retry_at": action.NextRetryAt.UTC().Format(time.RFC3339)},
	}, audit.StatusScheduled, action.NextRetryAt.UTC().Format(time.RFC3339), action.LastError)
}

func (q *Queue) succeedLocked(ctx context.Context, action *Action) {
	from := action.Status
	action.Status = StatusSucceeded
	action.NextRetryAt = time.Time{}
	action.UpdatedAt = q.clock()
	q.transitionLocked(ctx, action, from, alerting.Event{
		Kind:     alerting.KindRetrySucceeded,
		Severity: xerrors.SeverityInfo,
		Message:  fmt.Sprintf("%s succeeded after %d failed attempt(s)", action.Type, action.Attempts),
	}, audit.StatusSucceeded, "ok", "")
}

// delayFor 按失败后的尝试次数取退避，超出表长时取最后一档。
func (q *Queue) delayFor(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(q.backoff) {
		idx = len(q.backoff) - 1
	}
	return q.backoff[idx]
}

func (q *Queue) transitionLocked(ctx context.Context, action *Action, from Status, event alerting.Event, status audit.Status, result, errText string) {
	if err := q.persistLocked(ctx); err != nil {
		q.log.Error("重试队列持久化失败", slog.String("action_id", action.ID), slog.Any("error", err))
	}

	if q.recorder != nil {
		if _, err := q.recorder.Record(ctx, audit.Entry{
			ActionID: action.ID,
			Type:     "retry." + action.Type,
			Status:   status,
			Result:   result,
			Error:    errText,
		}); err != nil {
			q.log.Warn("写入重试审计失败", slog.String("action_id", action.ID), slog.Any("error", err))
		}
	}

	event.ActionID = action.ID
	event.Attempts = action.Attempts
	event.MaxAttempts = action.MaxAttempts
	alerting.Notify(ctx, q.notifier, event)

	q.log.Info("重试状态迁移",
		slog.String("action_id", action.ID),
		slog.String("type", action.Type),
		slog.String("from", string(from)),
		slog.String("to", string(action.Status)),
		slog.Int("attempts", action.Attempts),
	)
	if action.Status == StatusAbandoned {
		logger.Audit().Warn("retry abandoned",
			slog.String("action_id", action.ID),
			slog.String("type", action.Type),
			slog.String("error", action.LastError),
		)
	}
	snapshot := *action.clone()
	for _, o := range q.observers {
		o(snapshot, from)
	}
}

func (q *Queue) persistLocked(ctx context.Context) error {
	list := make([]*Action, 0, len(q.actions))
	for _, a := range q.actions {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	if err := q.store.Save(ctx, list); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist retry queue")
	}
	return nil
}

// Get 返回动作副本。
func (q *Queue) Get(id string) (*Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.actions[id]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// List 返回符合状态的动作，按创建时间排序；status 为空时返回全部。
func (q *Queue) List(status Status) []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Action, 0, len(q.actions))
	for _, a := range q.actions {
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, *a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats 按状态统计动作数量。
func (q *Queue) Stats() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := map[Status]int{
		StatusPending:   0,
		StatusScheduled: 0,
		StatusSucceeded: 0,
		StatusAbandoned: 0,
	}
	for _, a := range q.actions {
		stats[a.Status]++
	}
	return stats
}

// NextDue 返回最早的 NextRetryAt。
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	found := false
	for _, a := range q.actions {
		if a.Status.Terminal() {
			continue
		}
		if !found || a.NextRetryAt.Before(next) {
			next = a.NextRetryAt
			found = true
		}
	}
	return next, found
}
