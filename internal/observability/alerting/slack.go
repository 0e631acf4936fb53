package alerting

import (
	"context"
	"log/slog"

	"github.com/slack-go/slack"

	"Warden/pkg/logger"
)

// SlackSender 负责向 Slack 渠道发送消息。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackAPISender 基于 slack-go 客户端调用 chat.postMessage。
type SlackAPISender struct {
	client *slack.Client
}

// NewSlackAPISender 使用 bot token 创建发送器，可附加 slack.Option。
func NewSlackAPISender(token string, opts ...slack.Option) *SlackAPISender {
	return &SlackAPISender{client: slack.New(token, opts...)}
}

// Send 实现 SlackSender。
func (s *SlackAPISender) Send(ctx context.Context, channel, content string) error {
	_, _, err := s.client.PostMessageContext(ctx, channel, slack.MsgOptionText(content, false))
	return err
}

// SlackNotifier 通过 Slack 通知操作员。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("action_id", event.ActionID))
		return nil
	}
	return n.Sender.Send(ctx, n.ChannelID, event.Summary())
}
