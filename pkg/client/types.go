package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// APIError is returned for 4xx and 5xx responses.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("warden api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("warden api error (%d): %s", e.StatusCode, e.Message)
}

// Approval is a pending or decided L2 call.
type Approval struct {
	ID          string          `json:"id"`
	CallID      string          `json:"call_id"`
	Tool        string          `json:"tool"`
	Arguments   json.RawMessage `json:"arguments"`
	Status      string          `json:"status"`
	Requests    int             `json:"requests"`
	Reason      string          `json:"reason,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`
}

// CallResult is the outcome of a call resumed after approval.
type CallResult struct {
	CallID  string `json:"call_id"`
	Tool    string `json:"tool"`
	Outcome string `json:"outcome"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Decision is returned by Approve and Deny.
type Decision struct {
	Approval Approval    `json:"approval"`
	Result   *CallResult `json:"result,omitempty"`
	RetryID  string      `json:"retry_id,omitempty"`
}

// RetryAction is an entry of the retry queue.
type RetryAction struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	Deferrals   int       `json:"deferrals,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuditEntry is one line of the audit log.
type AuditEntry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	ActionID  string    `json:"action_id"`
	Type      string    `json:"type"`
	Level     string    `json:"level,omitempty"`
	Status    string    `json:"status"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// InteractResult summarises one conversation round.
type InteractResult struct {
	ConversationID string         `json:"conversation_id"`
	Reply          string         `json:"reply"`
	Rounds         int            `json:"rounds"`
	Truncated      bool           `json:"truncated"`
	TruncatedBy    string         `json:"truncated_by,omitempty"`
	Paused         bool           `json:"paused"`
	Outcomes       map[string]int `json:"outcomes,omitempty"`
	Retries        []string       `json:"retries,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Counter is one budget window.
type Counter struct {
	Window      string    `json:"window"`
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
}

// Budget holds both budget windows.
type Budget struct {
	Hourly Counter `json:"hourly"`
	Daily  Counter `json:"daily"`
	Error  string  `json:"error,omitempty"`
}

// Tool is a registered tool and its effective level.
type Tool struct {
	Name  string `json:"name"`
	Level string `json:"level"`
}

// Job is a heartbeat job.
type Job struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	NextDue   time.Time `json:"next_due"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
}

// Heartbeat describes the scheduler.
type Heartbeat struct {
	Enabled    bool          `json:"enabled"`
	Interval   time.Duration `json:"interval"`
	QuietHours string        `json:"quiet_hours"`
	Jobs       []Job         `json:"jobs"`
}

// Memory describes the persistence layers.
type Memory struct {
	Source             string    `json:"source"`
	Degraded           bool      `json:"degraded"`
	Sequence           uint64    `json:"sequence"`
	CheckpointSequence uint64    `json:"checkpoint_sequence"`
	LastSnapshot       time.Time `json:"last_snapshot"`
	LastCheckpoint     time.Time `json:"last_checkpoint"`
	Episodes           int       `json:"episodes"`
	OpenEpisodes       int       `json:"open_episodes"`
	KnowledgeAvailable bool      `json:"knowledge_available"`
}

// Status is the agent overview.
type Status struct {
	StartedAt        time.Time      `json:"started_at"`
	Uptime           time.Duration  `json:"uptime"`
	Degraded         bool           `json:"degraded"`
	Memory           Memory         `json:"memory"`
	Budget           Budget         `json:"budget"`
	Retry            map[string]int `json:"retry"`
	NextRetryAt      *time.Time     `json:"next_retry_at,omitempty"`
	PendingApprovals int            `json:"pending_approvals"`
	Heartbeat        Heartbeat      `json:"heartbeat"`
	AuditSeq         uint64         `json:"audit_seq"`
	Oracle           string         `json:"oracle"`
	Tools            []Tool         `json:"tools"`
}
