package alerting

import (
	"context"
	"encoding/json"
	"io"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "Warden/internal/errors"
)

// AMQPConfig 描述 RabbitMQ 通知渠道。
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Queue    string `mapstructure:"queue"`
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier 把事件以 JSON 发布到 RabbitMQ，由外部桥接程序转发给操作员。
type AMQPNotifier struct {
	ch       publisher
	exchange string
	key      string
	closers  []io.Closer
}

// NewAMQPNotifier 建立连接并声明持久化队列。
func NewAMQPNotifier(cfg AMQPConfig) (*AMQPNotifier, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "warden.operator"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Exchange == "" {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "声明 RabbitMQ 队列失败")
		}
	}
	n := newAMQPNotifier(ch, cfg.Exchange, queue)
	n.closers = []io.Closer{ch, conn}
	return n, nil
}

func newAMQPNotifier(ch publisher, exchange, key string) *AMQPNotifier {
	return &AMQPNotifier{ch: ch, exchange: exchange, key: key}
}

// Channel 返回 AMQP 渠道。
func (n *AMQPNotifier) Channel() Channel { return ChannelAMQP }

// Notify 发布一条持久化消息。
func (n *AMQPNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 通知渠道未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化通知事件失败")
	}
	return n.ch.PublishWithContext(ctx, n.exchange, n.key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         string(event.Kind),
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
}

// Close 关闭 channel 与连接。
func (n *AMQPNotifier) Close() error {
	if n == nil {
		return nil
	}
	var first error
	for _, c := range n.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	n.closers = nil
	return first
}
