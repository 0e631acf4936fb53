package builtin

import (
	"context"
	"encoding/json"
	"time"

	xerrors "Warden/internal/errors"
	"Warden/internal/governance"
	"Warden/internal/observability/alerting"
)

// OperatorNotifier 是 alerting.Dispatcher 的子集。
type OperatorNotifier interface {
	Notify(ctx context.Context, event alerting.Event) error
}

type notifyArgs struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// NotifyOperator 让智能体主动给操作员发消息。
func NotifyOperator(n OperatorNotifier) governance.Tool {
	return &governance.FuncTool{
		ToolName:        NameNotifyOperator,
		ToolDescription: "Send a short message to the human operator.",
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"message":{"type":"string"},` +
			`"severity":{"type":"string","enum":["info","warning","critical"]}},` +
			`"required":["message"]}`),
		ToolLevel: governance.L1,
		Retryable: true,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args notifyArgs
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if err := required("message", args.Message); err != nil {
				return "", err
			}
			severity := xerrors.SeverityInfo
			switch args.Severity {
			case "warning":
				severity = xerrors.SeverityWarning
			case "critical":
				severity = xerrors.SeverityCritical
			}
			err := n.Notify(ctx, alerting.Event{
				Kind:       alerting.KindOperator,
				Message:    args.Message,
				Severity:   severity,
				OccurredAt: time.Now().UTC(),
			})
			if err != nil {
				return "", xerrors.Wrap(xerrors.CodeRecoverableIO, err, "通知操作员失败")
			}
			return "delivered", nil
		},
	}
}
