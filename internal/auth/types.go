// Package auth 校验操作员 API 的 Bearer 令牌并记录访问审计。
package auth

import (
	"errors"
	"strings"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
)

// 操作员权限。
const (
	PermissionRead   = "read"
	PermissionDecide = "decide"
)

// Mode 是认证模式。
type Mode string

const (
	// ModeDisabled 未配置令牌，所有请求放行。
	ModeDisabled Mode = "disabled"
	// ModeToken 使用共享的操作员令牌。
	ModeToken Mode = "token"
)

// Subject 是通过认证的调用方。
type Subject struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

func (s *Subject) normalise() {
	if s == nil {
		return
	}
	seen := make(map[string]struct{}, len(s.Permissions))
	out := s.Permissions[:0]
	for _, p := range s.Permissions {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	s.Permissions = out
}

// HasPermission 判断是否持有权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	permission = strings.ToLower(permission)
	for _, p := range s.Permissions {
		if p == permission || p == "*" {
			return true
		}
	}
	return false
}

// Authorize 要求同时持有全部权限。
func (s *Subject) Authorize(perms ...string) error {
	for _, p := range perms {
		if !s.HasPermission(p) {
			return ErrPermissionDenied
		}
	}
	return nil
}
