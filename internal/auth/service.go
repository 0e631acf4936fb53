package auth

import (
	"crypto/subtle"
	"log/slog"
	"strings"

	"Warden/pkg/logger"
)

// Service 用共享令牌认证操作员请求。
type Service struct {
	mode  Mode
	token string
	audit *slog.Logger
}

// NewService 构造认证服务，token 为空时关闭认证。
func NewService(token string) *Service {
	token = strings.TrimSpace(token)
	svc := &Service{mode: ModeToken, token: token, audit: logger.Audit()}
	if token == "" {
		svc.mode = ModeDisabled
	}
	return svc
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s.Mode() == ModeDisabled {
		return &Subject{Name: "anonymous", Permissions: []string{"*"}}, nil
	}
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, ErrInvalidToken
	}
	token = strings.TrimSpace(token)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		return nil, ErrInvalidToken
	}
	return &Subject{Name: "operator", Permissions: []string{PermissionRead, PermissionDecide}}, nil
}
