package retry

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	xerrors "Warden/internal/errors"
)

// RateSpec 描述某类动作的本地速率：每 Every 一个令牌，桶容量 Burst。
type RateSpec struct {
	Every time.Duration `mapstructure:"every"`
	Burst int           `mapstructure:"burst"`
}

// LocalLimiter 是发起外部调用前的本地预检：令牌桶加上从限流响应中学到的冷却期。
type LocalLimiter struct {
	mu        sync.Mutex
	specs     map[string]RateSpec
	limiters  map[string]*rate.Limiter
	cooldowns map[string]time.Time
	fallback  time.Duration
}

// NewLocalLimiter 按动作类型创建令牌桶。
func NewLocalLimiter(specs map[string]RateSpec) *LocalLimiter {
	l := &LocalLimiter{
		specs:     make(map[string]RateSpec, len(specs)),
		limiters:  make(map[string]*rate.Limiter, len(specs)),
		cooldowns: make(map[string]time.Time),
		fallback:  15 * time.Minute,
	}
	for name, spec := range specs {
		if spec.Every <= 0 {
			continue
		}
		if spec.Burst <= 0 {
			spec.Burst = 1
		}
		l.specs[name] = spec
		l.limiters[name] = rate.NewLimiter(rate.Every(spec.Every), spec.Burst)
	}
	return l
}

// Reserve 判断现在能否发起一次 actionType 调用。允许时消耗一个令牌；
// 不允许时返回最早可以再试的时间，且不消耗任何东西。
func (l *LocalLimiter) Reserve(actionType string, now time.Time) (bool, time.Time) {
	if l == nil {
		return true, time.Time{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.cooldowns[actionType]; ok {
		if now.Before(until) {
			return false, until
		}
		delete(l.cooldowns, actionType)
	}
	lim, ok := l.limiters[actionType]
	if !ok {
		return true, time.Time{}
	}
	if lim.AllowN(now, 1) {
		return true, time.Time{}
	}
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, now.Add(l.specs[actionType].Every)
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, now.Add(delay)
}

// Cooldown 记录远端要求的冷却期。
func (l *LocalLimiter) Cooldown(actionType string, until time.Time) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.cooldowns[actionType]; !ok || until.After(current) {
		l.cooldowns[actionType] = until
	}
}

// Learn 从 RATE_LIMITED 错误中学习冷却期，retry_after_seconds 元数据优先。
func (l *LocalLimiter) Learn(actionType string, err error, now time.Time) bool {
	if l == nil || !xerrors.HasCode(err, xerrors.CodeRateLimited) {
		return false
	}
	wait := l.fallback
	if raw := xerrors.MetadataOf(err, "retry_after_seconds"); raw != "" {
		if secs, convErr := strconv.Atoi(raw); convErr == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
	}
	l.Cooldown(actionType, now.Add(wait))
	return true
}

// CooldownUntil 返回当前冷却期截止时间。
func (l *LocalLimiter) CooldownUntil(actionType string) (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.cooldowns[actionType]
	return until, ok
}
