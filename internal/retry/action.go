// Package retry 实现持久化的失败动作重试队列：固定退避表、三次失败后放弃，
// 每次状态迁移都会通知操作员并写审计。
package retry

import (
	"encoding/json"
	"time"

	xerrors "Warden/internal/errors"
)

// Status 表示动作在重试状态机中的位置。
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusSucceeded Status = "succeeded"
	StatusAbandoned Status = "abandoned"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusAbandoned
}

// Action 是队列中的一个外部动作。
type Action struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextRetryAt time.Time       `json:"next_retry_at,omitempty"`
	Deferrals   int             `json:"deferrals,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (a *Action) clone() *Action {
	c := *a
	c.Payload = append(json.RawMessage(nil), a.Payload...)
	return &c
}

const (
	// CodeActionInFlight 同一动作已有一次尝试在进行中。
	CodeActionInFlight xerrors.Code = "RETRY_IN_FLIGHT"
	// CodeActionTerminal 动作已成功或已放弃，不会再执行。
	CodeActionTerminal xerrors.Code = "RETRY_TERMINAL"
)

func init() {
	xerrors.Register(CodeActionInFlight, xerrors.Attributes{
		Message:  "retry attempt already in flight",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeActionTerminal, xerrors.Attributes{
		Message:  "retry action is terminal",
		Severity: xerrors.SeverityInfo,
	})
}

// DefaultBackoff 是第 1、2、3 次失败之后的等待时间。
var DefaultBackoff = []time.Duration{6 * time.Minute, 15 * time.Minute, 30 * time.Minute}

// DefaultMaxAttempts 是放弃之前允许的失败次数。
const DefaultMaxAttempts = 3
