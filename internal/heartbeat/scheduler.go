// Package heartbeat 在无人值守时驱动智能体：每个 tick 先检查静默时段，
// 再执行最逾期的一个 cron 任务，没有到期任务时执行一次常规心跳。每个 tick 至多一个动作。
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	xerrors "Warden/internal/errors"
	"Warden/pkg/logger"
)

// Action 描述一个 tick 做了什么。
type Action string

const (
	ActionQuiet   Action = "quiet"
	ActionCron    Action = "cron"
	ActionGeneral Action = "general"
	ActionIdle    Action = "idle"
)

// RunFunc 是任务或常规心跳的执行体。
type RunFunc func(ctx context.Context) error

// Job 是一个按 cron 表达式或 @every 间隔运行的任务。
type Job struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	NextDue   time.Time `json:"next_due"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`

	schedule cron.Schedule
	run      RunFunc
}

// TickResult 是一次 tick 的结果。任务失败不会让 tick 返回错误。
type TickResult struct {
	At     time.Time `json:"at"`
	Action Action    `json:"action"`
	Job    string    `json:"job,omitempty"`
	Err    error     `json:"-"`
}

// Config 配置调度器。
type Config struct {
	Interval time.Duration
	Quiet    QuietHours
	Location *time.Location
}

const (
	defaultInterval = 30 * time.Minute
	minWait         = 10 * time.Millisecond
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Option 配置 Scheduler。
type Option func(*Scheduler)

// WithClock 注入时间源。
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLocker 设置会话锁，tick 执行期间持有。
func WithLocker(l sync.Locker) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.session = l
		}
	}
}

// WithGeneral 设置常规心跳。
func WithGeneral(run RunFunc) Option {
	return func(s *Scheduler) { s.general = run }
}

// WithRestoredDue 恢复上次保存的到期时间。
func WithRestoredDue(due map[string]time.Time) Option {
	return func(s *Scheduler) {
		for name, at := range due {
			s.restored[name] = at
		}
	}
}

// WithDueObserver 在到期表变化后收到副本，用于写入工作记忆。
func WithDueObserver(fn func(map[string]time.Time)) Option {
	return func(s *Scheduler) { s.onDue = fn }
}

// WithTickObserver 在每次 tick 后收到结果。
func WithTickObserver(fn func(TickResult)) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

// Scheduler 是心跳调度器。
type Scheduler struct {
	mu        sync.Mutex
	cfg       Config
	jobs      map[string]*Job
	restored  map[string]time.Time
	general   RunFunc
	session   sync.Locker
	onDue     func(map[string]time.Time)
	observers []func(TickResult)
	lastTick  TickResult
	clock     func() time.Time
	log       *slog.Logger
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// New 创建调度器。
func New(cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	s := &Scheduler{
		cfg:      cfg,
		jobs:     make(map[string]*Job),
		restored: make(map[string]time.Time),
		session:  noopLocker{},
		clock:    time.Now,
		log:      logger.Named("heartbeat"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// AddJob 注册任务。spec 接受标准五段 cron 表达式与 @every <duration> 等描述符。
func (s *Scheduler) AddJob(name, spec string, run RunFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job name and function are required")
	}
	spec = strings.TrimSpace(spec)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("invalid schedule %q for job %s", spec, name))
	}
	// 未显式指定 CRON_TZ 的表达式按调度器时区解释。
	if sched, ok := schedule.(*cron.SpecSchedule); ok && !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") {
		sched.Location = s.cfg.Location
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("job %s already registered", name))
	}
	now := s.clock().In(s.cfg.Location)
	next := schedule.Next(now)
	if at, ok := s.restored[name]; ok && !at.IsZero() {
		next = at
	}
	s.jobs[name] = &Job{Name: name, Schedule: spec, NextDue: next, schedule: schedule, run: run}
	return nil
}

// Tick 执行一次状态机。
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	return s.tick(ctx, true)
}

// tick 在 general 为 false 时不会执行常规心跳，用于任务到期触发的唤醒。
func (s *Scheduler) tick(ctx context.Context, general bool) TickResult {
	s.session.Lock()
	defer s.session.Unlock()

	now := s.clock().In(s.cfg.Location)
	result := TickResult{At: now}

	switch {
	case s.cfg.Quiet.Contains(now):
		result.Action = ActionQuiet
	default:
		if job := s.mostOverdue(now); job != nil {
			result.Action = ActionCron
			result.Job = job.Name
			result.Err = s.runJob(ctx, job, now)
		} else if general && s.general != nil {
			result.Action = ActionGeneral
			result.Err = s.safeRun(ctx, "general", s.general)
		} else {
			result.Action = ActionIdle
		}
	}

	if result.Err != nil {
		s.log.Error("心跳动作失败",
			slog.String("action", string(result.Action)),
			slog.String("job", result.Job),
			slog.Any("error", result.Err),
		)
	} else {
		s.log.Debug("心跳", slog.String("action", string(result.Action)), slog.String("job", result.Job))
	}

	s.mu.Lock()
	s.lastTick = result
	s.mu.Unlock()
	for _, o := range s.observers {
		o(result)
	}
	return result
}

// mostOverdue 返回到期最早的任务，同一时刻到期时按名称排序。
func (s *Scheduler) mostOverdue(now time.Time) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pick *Job
	for _, job := range s.jobs {
		if job.NextDue.After(now) {
			continue
		}
		if pick == nil || job.NextDue.Before(pick.NextDue) ||
			(job.NextDue.Equal(pick.NextDue) && job.Name < pick.Name) {
			pick = job
		}
	}
	return pick
}

func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) error {
	err := s.safeRun(ctx, job.Name, job.run)

	s.mu.Lock()
	job.LastRun = now
	job.Runs++
	job.NextDue = job.schedule.Next(now)
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
	due := s.dueLocked()
	s.mu.Unlock()

	if s.onDue != nil {
		s.onDue(due)
	}
	return err
}

func (s *Scheduler) safeRun(ctx context.Context, name string, run RunFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeExecutorFailure, fmt.Sprintf("heartbeat %s panic: %v", name, r))
		}
	}()
	return run(ctx)
}

// Run 在常规心跳间隔与最早的任务到期时间中较早者唤醒，直到 ctx 结束。
// 静默时段内忽略逾期任务，改为在静默结束或常规间隔到达时唤醒。
// 常规间隔到达时若被到期任务占用，会继续 tick 直到常规心跳或空闲。
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("心跳调度已启动",
		slog.Duration("interval", s.cfg.Interval),
		slog.String("quiet_hours", s.cfg.Quiet.String()),
	)
	nextGeneral := s.clock().Add(s.cfg.Interval)
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()
	for {
		wake := s.nextWake(nextGeneral)
		wait := wake.Sub(s.clock())
		if wait < minWait {
			wait = minWait
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if s.clock().Before(nextGeneral) {
			s.tick(ctx, false)
			continue
		}
		for i := 0; i <= s.jobCount(); i++ {
			if res := s.tick(ctx, true); res.Action != ActionCron {
				break
			}
		}
		nextGeneral = s.clock().Add(s.cfg.Interval)
	}
}

func (s *Scheduler) nextWake(nextGeneral time.Time) time.Time {
	now := s.clock().In(s.cfg.Location)
	if s.cfg.Quiet.Contains(now) {
		if end := s.cfg.Quiet.EndAfter(now); end.Before(nextGeneral) {
			return end
		}
		return nextGeneral
	}
	wake := nextGeneral
	if due, ok := s.earliestDue(); ok && due.Before(wake) {
		wake = due
	}
	return wake
}

func (s *Scheduler) earliestDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	for _, job := range s.jobs {
		if earliest.IsZero() || job.NextDue.Before(earliest) {
			earliest = job.NextDue
		}
	}
	return earliest, !earliest.IsZero()
}

func (s *Scheduler) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// NextDue 返回各任务的下次到期时间。
func (s *Scheduler) NextDue() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dueLocked()
}

func (s *Scheduler) dueLocked() map[string]time.Time {
	out := make(map[string]time.Time, len(s.jobs))
	for name, job := range s.jobs {
		out[name] = job.NextDue
	}
	return out
}

// Jobs 返回按名称排序的任务副本。
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		c := *job
		c.schedule = nil
		c.run = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LastTick 返回最近一次 tick 的结果。
func (s *Scheduler) LastTick() TickResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

// Interval 返回 tick 间隔。
func (s *Scheduler) Interval() time.Duration { return s.cfg.Interval }

// Quiet 返回静默时段配置。
func (s *Scheduler) Quiet() QuietHours { return s.cfg.Quiet }
