package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Warden/internal/agent"
	"Warden/internal/audit"
	"Warden/internal/auth"
	"Warden/internal/engine"
	xerrors "Warden/internal/errors"
	"Warden/internal/governance"
	"Warden/internal/observability/metrics"
	"Warden/internal/retry"
	"Warden/pkg/logger"
)

// Operator 是 API 依赖的智能体能力。
type Operator interface {
	Status(ctx context.Context) agent.Status
	Approvals(status governance.ApprovalStatus) []governance.Approval
	Approval(id string) (governance.Approval, bool)
	Approve(ctx context.Context, id string) (*agent.Decision, error)
	Deny(ctx context.Context, id, reason string) (*agent.Decision, error)
	RetryActions(status retry.Status) []retry.Action
	AuditEntries(limit int) []audit.Entry
	Interact(ctx context.Context, message string) (*engine.RoundResult, error)
}

var _ Operator = (*agent.State)(nil)

const maxBodyBytes = 1 << 20

// Server 负责暴露 REST 接口。
type Server struct {
	addr string
	op   Operator
	auth *auth.Service
	log  *slog.Logger
}

// NewServer 构造 API 服务实例。token 为空时不校验操作员令牌。
func NewServer(addr string, op Operator, token string) *Server {
	return &Server{addr: addr, op: op, auth: auth.NewService(token), log: logger.Named("api")}
}

// Handler 返回带认证与指标的路由。
func (s *Server) Handler() http.Handler {
	guard := s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: map[string][]string{
		"*":             {auth.PermissionRead},
		http.MethodPost: {auth.PermissionDecide},
	}})

	mux := http.NewServeMux()
	route := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, metrics.Middleware(name, guard(h)))
	}
	route("GET /api/v1/status", "status", s.handleStatus)
	route("GET /api/v1/approvals", "approvals", s.handleListApprovals)
	route("GET /api/v1/approvals/{id}", "approval", s.handleApproval)
	route("POST /api/v1/approvals/{id}/approve", "approve", s.handleApprove)
	route("POST /api/v1/approvals/{id}/deny", "deny", s.handleDeny)
	route("GET /api/v1/retry", "retry", s.handleRetry)
	route("GET /api/v1/audit", "audit", s.handleAudit)
	route("POST /api/v1/interact", "interact", s.handleInteract)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("操作员接口已启动", slog.String("addr", s.addr), slog.String("auth", string(s.auth.Mode())))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.op.Status(r.Context()))
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := governance.ApprovalStatus(strings.ToLower(r.URL.Query().Get("status")))
	switch status {
	case "", governance.ApprovalPending, governance.ApprovalApproved, governance.ApprovalDenied, governance.ApprovalConsumed:
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的审批状态 "+string(status)))
		return
	}
	items := s.op.Approvals(status)
	out := make([]ApprovalView, 0, len(items))
	for _, a := range items {
		out = append(out, viewOf(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	a, ok := s.op.Approval(r.PathValue("id"))
	if !ok {
		writeError(w, xerrors.New(governance.CodeApprovalNotFound, "审批单不存在"))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	decision, err := s.op.Approve(r.Context(), r.PathValue("id"))
	if decision == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		s.log.Warn("批准后执行失败", slog.String("approval_id", r.PathValue("id")), slog.Any("error", err))
	}
	writeJSON(w, http.StatusOK, decisionView(decision))
}

type denyRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req denyRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	decision, err := s.op.Deny(r.Context(), r.PathValue("id"), strings.TrimSpace(req.Reason))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionView(decision))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	status := retry.Status(strings.ToLower(r.URL.Query().Get("status")))
	switch status {
	case "", retry.StatusPending, retry.StatusScheduled, retry.StatusSucceeded, retry.StatusAbandoned:
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的重试状态 "+string(status)))
		return
	}
	writeJSON(w, http.StatusOK, s.op.RetryActions(status))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.op.AuditEntries(limit))
}

type interactRequest struct {
	Message string `json:"message"`
}

// InteractResponse 是一轮对话的摘要。
type InteractResponse struct {
	ConversationID string                     `json:"conversation_id"`
	Reply          string                     `json:"reply"`
	Rounds         int                        `json:"rounds"`
	Truncated      bool                       `json:"truncated"`
	TruncatedBy    string                     `json:"truncated_by,omitempty"`
	Paused         bool                       `json:"paused"`
	Outcomes       map[governance.Outcome]int `json:"outcomes,omitempty"`
	Retries        []string                   `json:"retries,omitempty"`
	Error          string                     `json:"error,omitempty"`
}

func (s *Server) handleInteract(w http.ResponseWriter, r *http.Request) {
	var req interactRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.op.Interact(r.Context(), req.Message)
	if res == nil {
		writeError(w, err)
		return
	}
	out := InteractResponse{
		ConversationID: res.ConversationID,
		Reply:          res.Reply,
		Rounds:         res.Rounds,
		Truncated:      res.Truncated,
		TruncatedBy:    string(res.TruncatedBy),
		Paused:         res.Paused,
		Outcomes:       res.Outcomes(),
		Retries:        res.Retries,
	}
	if err != nil {
		out.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeBody(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
