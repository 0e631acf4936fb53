package agent

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"Warden/internal/engine"
	xerrors "Warden/internal/errors"
	"Warden/internal/governance"
	"Warden/internal/llm"
	"Warden/internal/memory"
	"Warden/internal/observability/metrics"
	"Warden/internal/retry"
)

// roundEpisode 是写入情景记忆的一轮对话摘要。
type roundEpisode struct {
	ConversationID string                     `json:"conversation_id,omitempty"`
	Trigger        string                     `json:"trigger"`
	Goal           string                     `json:"goal,omitempty"`
	Reply          string                     `json:"reply,omitempty"`
	Rounds         int                        `json:"rounds"`
	TruncatedBy    engine.TruncationReason    `json:"truncated_by,omitempty"`
	Paused         bool                       `json:"paused,omitempty"`
	Outcomes       map[governance.Outcome]int `json:"outcomes,omitempty"`
	Retries        []string                   `json:"retries,omitempty"`
	Error          string                     `json:"error,omitempty"`
}

// Interact 以操作员消息发起一轮对话，与心跳共用会话锁。
func (s *State) Interact(ctx context.Context, message string) (*engine.RoundResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息不能为空")
	}
	s.session.Lock()
	defer s.session.Unlock()
	return s.runRound(ctx, "interactive", message, message)
}

// runRound 执行一轮对话并记录到记忆中。调用方必须持有会话锁。
func (s *State) runRound(ctx context.Context, trigger, goal, prompt string) (*engine.RoundResult, error) {
	open, err := s.memory.AppendEpisode(ctx, "round", roundEpisode{Trigger: trigger, Goal: goal}, memory.EpisodeOpen)
	if err != nil {
		return nil, err
	}
	s.snapshot(ctx, func(w *memory.WorkingSnapshot) { w.CurrentTask = firstNonEmpty(goal, trigger) })

	res, runErr := s.engine.RunConversationRound(ctx, engine.Conversation{
		ID:       open.ID,
		Trigger:  trigger,
		Goal:     goal,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})

	status := memory.EpisodeCompleted
	if runErr != nil {
		status = memory.EpisodeFailed
	}
	if _, err := s.memory.UpdateEpisodeStatus(ctx, open.ID, status); err != nil {
		s.log.Warn("更新情景记录失败", slog.String("episode_id", open.ID), slog.Any("error", err))
	}
	summary := roundEpisode{Trigger: trigger, Goal: goal}
	if res != nil {
		summary.ConversationID = res.ConversationID
		summary.Reply = res.Reply
		summary.Rounds = res.Rounds
		summary.TruncatedBy = res.TruncatedBy
		summary.Paused = res.Paused
		summary.Outcomes = res.Outcomes()
		summary.Retries = res.Retries
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	if _, err := s.memory.AppendEpisode(ctx, "round.result", summary, status); err != nil {
		s.log.Warn("追加对话结果失败", slog.Any("error", err))
	}

	if res != nil && len(res.Retries) > 0 {
		s.publishRetryStats()
	}
	s.snapshot(ctx, func(w *memory.WorkingSnapshot) {
		w.CurrentTask = ""
		w.Counters["rounds"]++
		if res != nil {
			w.Counters["tool_calls"] += int64(len(res.Calls))
			if res.Truncated {
				w.Counters["truncated"]++
			}
			if res.Paused {
				w.Counters["paused"]++
			}
		}
		if runErr != nil {
			w.Counters["failed_rounds"]++
		}
	})
	return res, runErr
}

// Decision 是审批操作的结果；批准时 Result 为恢复执行的结果。
type Decision struct {
	Approval governance.Approval `json:"approval"`
	Result   *governance.Result  `json:"result,omitempty"`
	RetryID  string              `json:"retry_id,omitempty"`
}

// Approve 批准审批单并立即携带令牌执行。可重试的失败会交给重试队列。
func (s *State) Approve(ctx context.Context, id string) (*Decision, error) {
	s.session.Lock()
	defer s.session.Unlock()

	approval, err := s.gate.Approve(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &Decision{Approval: approval}
	res, err := s.gate.ResumeApproved(ctx, id)
	if res != nil {
		out.Result = res
		if res.Outcome == governance.OutcomeFailed && res.Retryable {
			action, subErr := s.retry.Submit(ctx, res.Tool, governance.Call{
				ID:        res.CallID,
				Tool:      res.Tool,
				Arguments: approval.Arguments,
			}, res.Err)
			if subErr != nil {
				s.log.Warn("审批后失败的调用入队失败", slog.String("approval_id", id), slog.Any("error", subErr))
			} else {
				out.RetryID = action.ID
			}
		}
	}
	if current, ok := s.gate.Approval(id); ok {
		out.Approval = current
	}
	s.afterApprovalChange(ctx)
	return out, err
}

// Deny 拒绝审批单。
func (s *State) Deny(ctx context.Context, id, reason string) (*Decision, error) {
	s.session.Lock()
	defer s.session.Unlock()

	approval, err := s.gate.Deny(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	s.afterApprovalChange(ctx)
	return &Decision{Approval: approval}, nil
}

func (s *State) afterApprovalChange(ctx context.Context) {
	metrics.SetPendingApprovals(len(s.gate.Approvals(governance.ApprovalPending)))
	s.publishRetryStats()
	s.snapshot(ctx, nil)
}

// snapshot 刷新工作记忆中的待办与 cron 到期表并写入 Layer 1。
func (s *State) snapshot(ctx context.Context, mutate func(*memory.WorkingSnapshot)) {
	w := s.memory.Working()
	if mutate != nil {
		mutate(&w)
	}
	w.PendingActions = s.pendingActions()
	if s.heartbeat != nil {
		w.CronNextDue = s.heartbeat.NextDue()
	}
	if _, err := s.memory.Snapshot(ctx, w); err != nil {
		s.log.Warn("写入工作记忆失败", slog.Any("error", err))
	}
}

// pendingActions 列出等待中的审批单与未结束的重试动作。
func (s *State) pendingActions() []string {
	var out []string
	if s.gate != nil {
		for _, a := range s.gate.Approvals(governance.ApprovalPending) {
			out = append(out, "approval:"+a.ID)
		}
	}
	if s.retry != nil {
		for _, st := range []retry.Status{retry.StatusPending, retry.StatusScheduled} {
			for _, a := range s.retry.List(st) {
				out = append(out, "retry:"+a.ID)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (s *State) observeCall(res governance.Result) {
	level := ""
	if res.Level.Valid() {
		level = res.Level.String()
	}
	metrics.ObserveToolCall(res.Tool, level, string(res.Outcome))
	if res.Outcome == governance.OutcomePendingApproval && s.gate != nil {
		metrics.SetPendingApprovals(len(s.gate.Approvals(governance.ApprovalPending)))
	}
}

func observeRetry(action retry.Action, _ retry.Status) {
	metrics.ObserveRetryTransition(action.Type, string(action.Status))
}

// publishRetryStats 同步重试队列各状态数量，必须在队列锁之外调用。
func (s *State) publishRetryStats() {
	counts := make(map[string]int)
	for st, n := range s.retry.Stats() {
		counts[string(st)] = n
	}
	metrics.SetRetryQueue(counts)
}

func observeRound(res *engine.RoundResult) {
	result := "reply"
	switch {
	case res.Paused:
		result = "paused"
	case res.Truncated:
		result = string(res.TruncatedBy)
	}
	metrics.ObserveRound(res.Trigger, result, res.Usage.PromptTokens, res.Usage.CompletionTokens)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
