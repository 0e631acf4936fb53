package agent

import (
	"context"
	"time"

	"Warden/internal/audit"
	"Warden/internal/budget"
	"Warden/internal/config"
	"Warden/internal/governance"
	"Warden/internal/heartbeat"
	"Warden/internal/memory"
	"Warden/internal/retry"
)

// ToolInfo 描述一个已注册工具及其生效的治理等级。
type ToolInfo struct {
	Name  string `json:"name"`
	Level string `json:"level"`
}

// HeartbeatStatus 是心跳调度器的概况。
type HeartbeatStatus struct {
	Enabled    bool                 `json:"enabled"`
	Interval   time.Duration        `json:"interval"`
	QuietHours string               `json:"quiet_hours"`
	LastTick   heartbeat.TickResult `json:"last_tick"`
	Jobs       []heartbeat.Job      `json:"jobs"`
}

// BudgetStatus 是当前预算窗口的用量。
type BudgetStatus struct {
	budget.State
	Error string `json:"error,omitempty"`
}

// Status 是面向操作员的运行概况。
type Status struct {
	StartedAt        time.Time            `json:"started_at"`
	Uptime           time.Duration        `json:"uptime"`
	Degraded         bool                 `json:"degraded"`
	Memory           memory.Status        `json:"memory"`
	Budget           BudgetStatus         `json:"budget"`
	Retry            map[retry.Status]int `json:"retry"`
	NextRetryAt      *time.Time           `json:"next_retry_at,omitempty"`
	PendingApprovals int                  `json:"pending_approvals"`
	Heartbeat        HeartbeatStatus      `json:"heartbeat"`
	AuditSeq         uint64               `json:"audit_seq"`
	Oracle           string               `json:"oracle"`
	Tools            []ToolInfo           `json:"tools"`
}

// Status 汇总各组件状态，不获取会话锁。
func (s *State) Status(ctx context.Context) Status {
	now := s.clock()
	mem := s.memory.Status()
	out := Status{
		StartedAt:        s.startedAt,
		Uptime:           now.Sub(s.startedAt),
		Degraded:         mem.Degraded,
		Memory:           mem,
		Retry:            s.retry.Stats(),
		PendingApprovals: len(s.gate.Approvals(governance.ApprovalPending)),
		Heartbeat: HeartbeatStatus{
			Enabled:    s.cfg.Heartbeat.Enabled,
			Interval:   s.heartbeat.Interval(),
			QuietHours: s.heartbeat.Quiet().String(),
			LastTick:   s.heartbeat.LastTick(),
			Jobs:       s.heartbeat.Jobs(),
		},
		AuditSeq: s.audit.Seq(),
		Oracle:   s.cfg.LLM.Provider,
	}
	if state, err := s.budget.Snapshot(ctx); err != nil {
		out.Budget.Error = err.Error()
	} else {
		out.Budget.State = state
	}
	if at, ok := s.retry.NextDue(); ok {
		out.NextRetryAt = &at
	}
	for _, spec := range s.gate.Specs() {
		out.Tools = append(out.Tools, ToolInfo{Name: spec.Name, Level: spec.Level.String()})
	}
	return out
}

// Approvals 返回指定状态的审批单，status 为空时返回全部。
func (s *State) Approvals(status governance.ApprovalStatus) []governance.Approval {
	return s.gate.Approvals(status)
}

// Approval 按 ID 查询审批单。
func (s *State) Approval(id string) (governance.Approval, bool) {
	return s.gate.Approval(id)
}

// RetryActions 返回指定状态的重试动作，status 为空时返回全部。
func (s *State) RetryActions(status retry.Status) []retry.Action {
	return s.retry.List(status)
}

// AuditEntries 返回最近的审计记录。
func (s *State) AuditEntries(limit int) []audit.Entry {
	return s.audit.List(limit)
}

// Episodes 返回最近的情景记录。
func (s *State) Episodes(limit int) []memory.EpisodicRecord {
	return s.memory.Episodes(limit)
}

// Recovery 返回启动时的恢复结果。
func (s *State) Recovery() memory.LoadResult {
	return *s.recovery
}

// Config 返回生效的配置。
func (s *State) Config() *config.Config {
	return s.cfg
}

// Heartbeat 返回心跳调度器。
func (s *State) Heartbeat() *heartbeat.Scheduler {
	return s.heartbeat
}
