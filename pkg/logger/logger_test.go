package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWritesAuditToSeparateFile(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "app.log")
	auditPath := filepath.Join(dir, "audit", "audit.log")

	require.NoError(t, Init(Config{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}))
	t.Cleanup(func() { _ = Init(Config{}) })

	Named("memory").Info("snapshot written")
	Audit().Info("tool.dispatch", "status", "executed")
	require.NoError(t, Sync())

	app, err := os.ReadFile(appPath)
	require.NoError(t, err)
	require.Contains(t, string(app), `"component":"memory"`)
	require.NotContains(t, string(app), "tool.dispatch")

	audit, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(audit), `"status":"executed"`))
}

func TestAuditFallsBackToDefaultLogger(t *testing.T) {
	require.NoError(t, Init(Config{Level: "warn"}))
	require.Same(t, L(), Audit())
}

func TestAuditRequiresPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
}
