package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"Warden/internal/audit"
	"Warden/internal/budget"
	"Warden/internal/config"
	"Warden/internal/engine"
	xerrors "Warden/internal/errors"
	"Warden/internal/governance"
	"Warden/internal/heartbeat"
	"Warden/internal/llm"
	"Warden/internal/memory"
	"Warden/internal/observability/alerting"
	"Warden/internal/observability/metrics"
	"Warden/internal/retry"
	"Warden/pkg/logger"
)

// RetryDrainJob 是驱动重试队列的心跳任务名。
const RetryDrainJob = "retry-drain"

// Option 配置 State。
type Option func(*options)

type options struct {
	oracle    llm.Oracle
	tools     []governance.Tool
	notifiers []alerting.Notifier
	clock     func() time.Time
}

// WithOracle 覆盖按配置创建的推理服务。
func WithOracle(o llm.Oracle) Option {
	return func(opts *options) { opts.oracle = o }
}

// WithTools 追加受治理的工具。
func WithTools(tools ...governance.Tool) Option {
	return func(opts *options) { opts.tools = append(opts.tools, tools...) }
}

// WithNotifier 追加通知渠道。
func WithNotifier(n alerting.Notifier) Option {
	return func(opts *options) {
		if n != nil {
			opts.notifiers = append(opts.notifiers, n)
		}
	}
}

// WithClock 为所有组件注入同一个时间源。
func WithClock(clock func() time.Time) Option {
	return func(opts *options) {
		if clock != nil {
			opts.clock = clock
		}
	}
}

// State 是智能体的全部运行时状态。
type State struct {
	// session 是会话锁，同一时刻只有一个会修改状态的会话在运行。
	session sync.Mutex

	cfg       *config.Config
	audit     *audit.Log
	memory    *memory.Manager
	budget    *budget.Guard
	gate      *governance.Gate
	retry     *retry.Queue
	engine    *engine.Engine
	heartbeat *heartbeat.Scheduler
	notifier  alerting.Dispatcher
	oracle    llm.Oracle

	recovery  *memory.LoadResult
	closers   []io.Closer
	startedAt time.Time
	closed    bool

	clock func() time.Time
	log   *slog.Logger
}

// Init 按依赖顺序构建并恢复全部组件。
func Init(ctx context.Context, cfg *config.Config, opts ...Option) (*State, error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置不能为空")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	s := &State{cfg: cfg, clock: o.clock, log: logger.Named("agent")}
	if err := s.init(ctx, o); err != nil {
		s.closeAll()
		return nil, err
	}
	s.startedAt = s.clock()
	s.log.Info("智能体已初始化",
		slog.String("data_dir", cfg.Runtime.DataDir),
		slog.String("recovery", string(s.recovery.Source)),
		slog.Bool("degraded", s.recovery.Degraded),
	)
	return s, nil
}

func (s *State) init(ctx context.Context, o options) error {
	if err := os.MkdirAll(s.cfg.Runtime.DataDir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建数据目录失败")
	}

	s.notifier = s.buildNotifier(o.notifiers)

	auditOpts := []audit.Option{audit.WithClock(s.clock)}
	sink, err := s.buildAuditSink(ctx)
	if err != nil {
		return err
	}
	if sink != nil {
		auditOpts = append(auditOpts, audit.WithSink(sink))
	}
	s.audit, err = audit.Open(s.dataPath(auditFile), auditOpts...)
	if err != nil {
		return err
	}

	s.memory, err = memory.NewManager(memory.Config{
		Dir:                     s.cfg.Runtime.DataDir,
		KnowledgeDir:            s.cfg.Memory.KnowledgeDir,
		KnowledgeCommitInterval: s.cfg.Memory.KnowledgeCommitInterval,
		EpisodicRetain:          s.cfg.Memory.EpisodicRetain,
		AuthorName:              s.cfg.Memory.AuthorName,
		AuthorEmail:             s.cfg.Memory.AuthorEmail,
	}, memory.WithRecorder(s.audit), memory.WithNotifier(s.notifier), memory.WithClock(s.clock))
	if err != nil {
		return err
	}
	s.recovery, err = s.memory.Load(ctx)
	if err != nil {
		return err
	}
	metrics.ObserveRecovery(string(s.recovery.Source), s.recovery.Degraded)

	store, err := s.buildBudgetStore(ctx)
	if err != nil {
		return err
	}
	budgetCfg, err := budgetConfig(s.cfg.Budget)
	if err != nil {
		return err
	}
	s.budget = budget.NewGuard(budgetCfg, store, budget.WithClock(s.clock))

	registry, err := s.buildTools(ctx, o.tools)
	if err != nil {
		return err
	}
	policy, err := s.buildPolicy()
	if err != nil {
		return err
	}
	s.gate, err = governance.NewGate(registry, s.audit,
		governance.WithPolicy(policy),
		governance.WithApprovalFile(s.dataPath(approvalsFile)),
		governance.WithNotifier(s.notifier),
		governance.WithClock(s.clock),
		governance.WithObserver(s.observeCall),
	)
	if err != nil {
		return err
	}
	metrics.SetPendingApprovals(len(s.gate.Approvals(governance.ApprovalPending)))

	s.retry, err = retry.NewQueue(ctx, retry.NewFileStore(s.dataPath(retryFile)),
		retry.WithBackoff(s.cfg.Retry.Backoff),
		retry.WithMaxAttempts(s.cfg.Retry.MaxAttempts),
		retry.WithLimiter(s.buildLimiter()),
		retry.WithRecorder(s.audit),
		retry.WithNotifier(s.notifier),
		retry.WithClock(s.clock),
		retry.WithExecutor("", retry.ExecutorFunc(s.executeRetry)),
		retry.WithObserver(observeRetry),
	)
	if err != nil {
		return err
	}
	s.memory.RegisterParticipant(s.retry)
	s.memory.RegisterParticipant(s.audit)

	s.oracle = o.oracle
	if s.oracle == nil {
		if s.oracle, err = s.buildOracle(); err != nil {
			return err
		}
	}
	s.engine, err = engine.New(s.oracle, s.gate, s.cfg.Engine,
		engine.WithBudget(meteredBudget{guard: s.budget}),
		engine.WithRetry(s.retry),
		engine.WithKnowledge(s.memory),
		engine.WithClock(s.clock),
		engine.WithObserver(observeRound),
	)
	if err != nil {
		return err
	}

	return s.buildHeartbeat()
}

func (s *State) buildHeartbeat() error {
	hb := s.cfg.Heartbeat
	quiet, err := heartbeat.ParseQuietHours(hb.QuietStart, hb.QuietEnd)
	if err != nil {
		return err
	}
	loc, err := hb.Location()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "心跳时区无效")
	}
	s.heartbeat = heartbeat.New(heartbeat.Config{Interval: hb.Interval, Quiet: quiet, Location: loc},
		heartbeat.WithClock(s.clock),
		heartbeat.WithLocker(&s.session),
		heartbeat.WithGeneral(func(ctx context.Context) error {
			_, err := s.runRound(ctx, "heartbeat", "", hb.Prompt)
			return err
		}),
		heartbeat.WithRestoredDue(s.memory.Working().CronNextDue),
		heartbeat.WithDueObserver(func(map[string]time.Time) { s.snapshot(context.Background(), nil) }),
		heartbeat.WithTickObserver(func(res heartbeat.TickResult) { metrics.ObserveHeartbeat(string(res.Action)) }),
	)

	if hb.RetryDrain != "" {
		if err := s.heartbeat.AddJob(RetryDrainJob, hb.RetryDrain, s.drainRetries); err != nil {
			return err
		}
	}
	for _, job := range hb.Jobs {
		job := job
		err := s.heartbeat.AddJob(job.Name, job.Schedule, func(ctx context.Context) error {
			_, err := s.runRound(ctx, "cron:"+job.Name, job.Name, job.Prompt)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Run 启动心跳与记忆定时器，直到 ctx 结束。
func (s *State) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if s.cfg.Heartbeat.Enabled {
		spawn(func() { _ = s.heartbeat.Run(ctx) })
	}
	spawn(func() {
		s.every(ctx, s.cfg.Memory.SnapshotInterval, func(ctx context.Context) { s.snapshot(ctx, nil) })
	})
	spawn(func() {
		s.every(ctx, s.cfg.Memory.CheckpointInterval, func(ctx context.Context) {
			if err := s.memory.Checkpoint(ctx); err != nil {
				s.log.Error("定时检查点失败", slog.Any("error", err))
			}
		})
	})
	spawn(func() {
		s.every(ctx, s.cfg.Memory.KnowledgeCommitInterval, func(ctx context.Context) {
			if _, err := s.memory.CommitKnowledge(ctx, false); err != nil {
				s.log.Warn("定时提交知识库失败", slog.Any("error", err))
			}
		})
	})

	s.log.Info("智能体开始运行", slog.Bool("heartbeat", s.cfg.Heartbeat.Enabled))
	<-ctx.Done()
	wg.Wait()
	return nil
}

// every 在持有会话锁的情况下按间隔执行 fn。
func (s *State) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.session.Lock()
			fn(ctx)
			s.session.Unlock()
		}
	}
}

// Teardown 写最终快照与检查点、强制提交知识库并释放资源。可重复调用。
func (s *State) Teardown(ctx context.Context) error {
	s.session.Lock()
	defer s.session.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	s.snapshot(ctx, func(w *memory.WorkingSnapshot) { w.CurrentTask = "" })
	if err := s.memory.Checkpoint(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.memory.CommitKnowledge(ctx, true); err != nil {
		s.log.Warn("关闭时提交知识库失败", slog.Any("error", err))
	}
	if err := s.audit.Close(); err != nil {
		errs = append(errs, err)
	}
	s.closeAll()
	s.log.Info("智能体已关闭")
	return stdErrors.Join(errs...)
}

func (s *State) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.log.Warn("释放资源失败", slog.Any("error", err))
		}
	}
	s.closers = nil
}

// executeRetry 解出重试载荷中的调用，经治理网关重新派发。
func (s *State) executeRetry(ctx context.Context, action retry.Action) error {
	var call governance.Call
	if err := json.Unmarshal(action.Payload, &call); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "重试载荷不是有效的工具调用")
	}
	call.ApprovalToken = ""
	res, err := s.gate.Redispatch(ctx, call)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case governance.OutcomeExecuted:
		return nil
	case governance.OutcomeFailed:
		return res.Err
	default:
		return xerrors.New(xerrors.CodeGovernanceViolation,
			fmt.Sprintf("重试的 %s 调用未被执行: %s", res.Tool, res.Outcome))
	}
}

func (s *State) drainRetries(ctx context.Context) error {
	n, err := s.retry.ProcessDue(ctx)
	if n > 0 {
		s.publishRetryStats()
		s.snapshot(ctx, nil)
	}
	return err
}
