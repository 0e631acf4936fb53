// Package alerting 负责把需要操作员关注的事件投递到各通知渠道。
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "Warden/internal/errors"
	"Warden/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog   Channel = "log"
	ChannelSlack Channel = "slack"
	ChannelAMQP  Channel = "amqp"
)

// Kind 标识事件类别。
type Kind string

const (
	KindOperator         Kind = "operator_message"
	KindApprovalRequired Kind = "approval_required"
	KindRetryScheduled   Kind = "retry_scheduled"
	KindRetryDeferred    Kind = "retry_deferred"
	KindRetrySucceeded   Kind = "retry_succeeded"
	KindRetryAbandoned   Kind = "retry_abandoned"
	KindMemoryCorruption Kind = "memory_corruption"
	KindMemoryDegraded   Kind = "memory_degraded"
)

// Event 描述一次需要通知操作员的事件。
type Event struct {
	Kind        Kind              `json:"kind"`
	Code        xerrors.Code      `json:"code,omitempty"`
	Message     string            `json:"message"`
	Severity    xerrors.Severity  `json:"severity"`
	ActionID    string            `json:"action_id,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Summary 生成单行文本，供聊天类渠道使用。
func (e Event) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Severity, e.Kind)
	if e.ActionID != "" {
		fmt.Fprintf(&b, " %s", e.ActionID)
	}
	if e.MaxAttempts > 0 {
		fmt.Fprintf(&b, " (%d/%d)", e.Attempts, e.MaxAttempts)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, e.Metadata[k])
		}
	}
	return b.String()
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 按注册顺序把事件投递到每个通知器。
type FanoutDispatcher struct {
	notifiers []Notifier
	clock     func() time.Time
}

// NewFanout 创建一个新的 FanoutDispatcher，同一渠道只保留最后一个。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	d := &FanoutDispatcher{clock: time.Now}
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		replaced := false
		for i, existing := range d.notifiers {
			if existing.Channel() == n.Channel() {
				d.notifiers[i] = n
				replaced = true
			}
		}
		if !replaced {
			d.notifiers = append(d.notifiers, n)
		}
	}
	return d
}

// Channels 返回已注册的渠道。
func (d *FanoutDispatcher) Channels() []Channel {
	out := make([]Channel, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		out = append(out, n.Channel())
	}
	return out
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.clock().UTC()
	}
	if event.Severity == "" {
		event.Severity = xerrors.SeverityInfo
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把事件写入应用日志，是永远可用的兜底渠道。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录事件。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	l := logger.Named("operator")
	if n != nil && n.Logger != nil {
		l = n.Logger
	}
	level := slog.LevelInfo
	switch event.Severity {
	case xerrors.SeverityWarning:
		level = slog.LevelWarn
	case xerrors.SeverityCritical:
		level = slog.LevelError
	}
	l.Log(context.Background(), level, event.Summary(),
		slog.String("kind", string(event.Kind)),
		slog.String("action_id", event.ActionID),
		slog.String("code", string(event.Code)),
	)
	return nil
}

// Notify 对空 Dispatcher 安全，供各组件的可选通知使用。
func Notify(ctx context.Context, d Dispatcher, event Event) {
	if d == nil {
		return
	}
	if err := d.Notify(ctx, event); err != nil {
		logger.L().Warn("操作员通知发送失败", slog.String("kind", string(event.Kind)), slog.Any("error", err))
	}
}
