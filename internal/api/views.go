package api

import (
	"encoding/json"
	"net/http"
	"time"

	"Warden/internal/agent"
	xerrors "Warden/internal/errors"
	"Warden/internal/governance"
	"Warden/internal/retry"
)

// ApprovalView 是对外展示的审批单，不包含执行令牌。
type ApprovalView struct {
	ID          string                    `json:"id"`
	CallID      string                    `json:"call_id"`
	Tool        string                    `json:"tool"`
	Arguments   json.RawMessage           `json:"arguments"`
	Status      governance.ApprovalStatus `json:"status"`
	Requests    int                       `json:"requests"`
	Reason      string                    `json:"reason,omitempty"`
	RequestedAt time.Time                 `json:"requested_at"`
	DecidedAt   *time.Time                `json:"decided_at,omitempty"`
}

func viewOf(a governance.Approval) ApprovalView {
	v := ApprovalView{
		ID:          a.ID,
		CallID:      a.CallID,
		Tool:        a.Tool,
		Arguments:   a.Arguments,
		Status:      a.Status,
		Requests:    a.Requests,
		Reason:      a.Reason,
		RequestedAt: a.RequestedAt,
	}
	if !a.DecidedAt.IsZero() {
		at := a.DecidedAt
		v.DecidedAt = &at
	}
	return v
}

// CallView 是审批后执行的结果。
type CallView struct {
	CallID  string             `json:"call_id"`
	Tool    string             `json:"tool"`
	Outcome governance.Outcome `json:"outcome"`
	Output  string             `json:"output,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// DecisionView 是批准或拒绝的响应。
type DecisionView struct {
	Approval ApprovalView `json:"approval"`
	Result   *CallView    `json:"result,omitempty"`
	RetryID  string       `json:"retry_id,omitempty"`
}

func decisionView(d *agent.Decision) DecisionView {
	out := DecisionView{Approval: viewOf(d.Approval), RetryID: d.RetryID}
	if d.Result != nil {
		out.Result = &CallView{
			CallID:  d.Result.CallID,
			Tool:    d.Result.Tool,
			Outcome: d.Result.Outcome,
			Output:  d.Result.Output,
		}
		if d.Result.Err != nil {
			out.Result.Error = d.Result.Err.Error()
		}
	}
	return out
}

// ErrorResponse 是失败请求的响应体。
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, governance.CodeApprovalNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, governance.CodeApprovalInvalid, retry.CodeActionTerminal, retry.CodeActionInFlight:
		return http.StatusConflict
	case xerrors.CodeBudgetExceeded, xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	if err == nil {
		err = xerrors.New(xerrors.CodeUnknown, "未知错误")
	}
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), ErrorResponse{Code: string(code), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
