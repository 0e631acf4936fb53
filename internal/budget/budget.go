// Package budget 用按小时、按天两个固定窗口限制外部调用量。
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	xerrors "Warden/internal/errors"
	"Warden/pkg/logger"
)

// Window 标识预算窗口。
type Window string

const (
	WindowHourly Window = "hourly"
	WindowDaily  Window = "daily"
)

// Counter 记录一个窗口内的调用次数。Count 只会在跨过窗口边界时归零。
type Counter struct {
	Window      Window    `json:"window"`
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
}

// Full 判断窗口额度是否已满。Limit<=0 表示不限。
func (c Counter) Full() bool {
	return c.Limit > 0 && c.Count >= c.Limit
}

// State 是持久化的计数器集合。
type State struct {
	Hourly Counter `json:"hourly"`
	Daily  Counter `json:"daily"`
}

// Decision 是一次准入的结果。拒绝不是错误，调用方据此暂停。
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Window     Window        `json:"window,omitempty"`
	RetryAfter time.Duration `json:"retry_after"`
	ResetAt    time.Time     `json:"reset_at"`
	State      State         `json:"state"`
}

// RetryAfterSeconds 返回距离重置的秒数，向上取整且不为负。
func (d Decision) RetryAfterSeconds() int64 {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int64(math.Ceil(d.RetryAfter.Seconds()))
}

// Err 为需要 error 值的调用方把拒绝转换为 BUDGET_EXCEEDED。
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return xerrors.New(xerrors.CodeBudgetExceeded,
		fmt.Sprintf("%s 预算已耗尽，%d 秒后重置", d.Window, d.RetryAfterSeconds()),
		xerrors.WithMetadata("window", string(d.Window)),
		xerrors.WithMetadata("retry_after_seconds", strconv.FormatInt(d.RetryAfterSeconds(), 10)),
		xerrors.WithMetadata("reset_at", d.ResetAt.UTC().Format(time.RFC3339)),
	)
}

// Config 描述两个窗口的上限与日窗口所在时区。
type Config struct {
	Hourly   int
	Daily    int
	Location *time.Location
}

// CounterStore 持久化计数器。
type CounterStore interface {
	Load(ctx context.Context) (State, bool, error)
	Save(ctx context.Context, state State) error
}

// Option 配置 Guard。
type Option func(*Guard)

// WithClock 注入时间源。
func WithClock(clock func() time.Time) Option {
	return func(g *Guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

// Guard 是预算守卫。
type Guard struct {
	mu     sync.Mutex
	cfg    Config
	store  CounterStore
	state  State
	loaded bool
	clock  func() time.Time
	log    *slog.Logger
}

// NewGuard 创建预算守卫，store 为空时只在内存中计数。
func NewGuard(cfg Config, store CounterStore, opts ...Option) *Guard {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if store == nil {
		store = NewMemoryStore()
	}
	g := &Guard{cfg: cfg, store: store, clock: time.Now, log: logger.Named("budget")}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Admit 尝试占用一次调用额度。允许时两个窗口同时加一；任一窗口已满则拒绝，
// 返回的 Decision 携带距离重置的时长。
func (g *Guard) Admit(ctx context.Context) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureLoaded(ctx); err != nil {
		return Decision{}, err
	}
	now := g.clock()
	rolled := g.roll(now)

	if window, resetAt, full := g.exhausted(); full {
		if rolled {
			if err := g.store.Save(ctx, g.state); err != nil {
				return Decision{}, err
			}
		}
		retry := resetAt.Sub(now)
		if retry < 0 {
			retry = 0
		}
		g.log.Info("预算窗口已满", slog.String("window", string(window)), slog.Duration("retry_after", retry))
		return Decision{Allowed: false, Window: window, RetryAfter: retry, ResetAt: resetAt, State: g.state}, nil
	}

	next := g.state
	next.Hourly.Count++
	next.Daily.Count++
	if err := g.store.Save(ctx, next); err != nil {
		return Decision{}, err
	}
	g.state = next
	return Decision{Allowed: true, State: g.state}, nil
}

// Snapshot 返回当前计数，不占用额度。
func (g *Guard) Snapshot(ctx context.Context) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ensureLoaded(ctx); err != nil {
		return State{}, err
	}
	g.roll(g.clock())
	return g.state, nil
}

func (g *Guard) ensureLoaded(ctx context.Context) error {
	if g.loaded {
		return nil
	}
	state, ok, err := g.store.Load(ctx)
	if err != nil {
		return err
	}
	if ok {
		g.state = state
	}
	g.state.Hourly.Window = WindowHourly
	g.state.Daily.Window = WindowDaily
	g.loaded = true
	return nil
}

// roll 在跨过窗口边界时归零计数，返回是否发生了变化。
func (g *Guard) roll(now time.Time) bool {
	changed := false
	hourStart := hourStart(now, g.cfg.Location)
	if !g.state.Hourly.WindowStart.Equal(hourStart) {
		g.state.Hourly.WindowStart = hourStart
		g.state.Hourly.Count = 0
		changed = true
	}
	dayStart := dayStart(now, g.cfg.Location)
	if !g.state.Daily.WindowStart.Equal(dayStart) {
		g.state.Daily.WindowStart = dayStart
		g.state.Daily.Count = 0
		changed = true
	}
	g.state.Hourly.Limit = g.cfg.Hourly
	g.state.Daily.Limit = g.cfg.Daily
	return changed
}

func (g *Guard) exhausted() (Window, time.Time, bool) {
	var (
		window  Window
		resetAt time.Time
	)
	if g.state.Hourly.Full() {
		window, resetAt = WindowHourly, g.state.Hourly.WindowStart.Add(time.Hour)
	}
	if g.state.Daily.Full() {
		dayReset := g.state.Daily.WindowStart.AddDate(0, 0, 1)
		if dayReset.After(resetAt) {
			window, resetAt = WindowDaily, dayReset
		}
	}
	return window, resetAt, window != ""
}

func hourStart(now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
}

func dayStart(now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
