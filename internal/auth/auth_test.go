package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Warden/pkg/logger"
)

func newService(token string) *Service {
	svc := NewService(token)
	svc.audit = logger.Discard()
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newService("s3cret")
	assert.Equal(t, ModeToken, svc.Mode())

	_, err := svc.AuthenticateRequest("")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest("Basic s3cret")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.AuthenticateRequest("Bearer wrong")
	assert.ErrorIs(t, err, ErrInvalidToken)

	subject, err := svc.AuthenticateRequest("bearer  s3cret ")
	require.NoError(t, err)
	assert.Equal(t, "operator", subject.Name)
	assert.True(t, subject.HasPermission(PermissionDecide))
}

func TestDisabledModeAllowsEverything(t *testing.T) {
	svc := newService("  ")
	assert.Equal(t, ModeDisabled, svc.Mode())
	subject, err := svc.AuthenticateRequest("")
	require.NoError(t, err)
	assert.NoError(t, subject.Authorize(PermissionRead, PermissionDecide))
}

func TestMiddleware(t *testing.T) {
	svc := newService("s3cret")
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		"*":             {PermissionRead},
		http.MethodPost: {PermissionDecide},
	}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, seen)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/a/approve", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "operator", seen.Name)
}

func TestAuthorizeRejectsMissingPermission(t *testing.T) {
	subject := &Subject{Name: "viewer", Permissions: []string{" READ ", "read"}}
	subject.normalise()
	assert.Equal(t, []string{"read"}, subject.Permissions)
	assert.ErrorIs(t, subject.Authorize(PermissionDecide), ErrPermissionDenied)
}
