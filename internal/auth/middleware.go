package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	loggerpkg "Warden/pkg/logger"
)

// MiddlewareConfig 配置认证中间件。
type MiddlewareConfig struct {
	// RequiredPermissions 按 HTTP 方法声明所需权限，"*" 为缺省项。
	RequiredPermissions map[string][]string
	// AuditEvent 为空时使用请求路径。
	AuditEvent string
}

// Middleware 返回认证与授权中间件，并把每次请求写入审计日志。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
			if err != nil {
				s.deny(w, r, http.StatusUnauthorized, err, "")
				return
			}
			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if err := subject.Authorize(perms...); err != nil {
				s.deny(w, r, http.StatusForbidden, err, subject.Name)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.logger().Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.Name,
			)
		})
	}
}

func (s *Service) deny(w http.ResponseWriter, r *http.Request, status int, err error, user string) {
	if errors.Is(err, ErrPermissionDenied) {
		status = http.StatusForbidden
	}
	http.Error(w, http.StatusText(status), status)
	s.logger().Warn("access_denied",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"user", user,
	)
}

func (s *Service) logger() *slog.Logger {
	if s != nil && s.audit != nil {
		return s.audit
	}
	return loggerpkg.Audit()
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
