package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Warden/internal/errors"
	"Warden/internal/governance"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, []time.Duration{6 * time.Minute, 15 * time.Minute, 30 * time.Minute}, cfg.Retry.Backoff)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Memory.SnapshotInterval)
	assert.Equal(t, 5*time.Minute, cfg.Memory.CheckpointInterval)
	assert.Equal(t, "scripted", cfg.LLM.Provider)
	assert.Equal(t, filepath.Join(cfg.Runtime.DataDir, "knowledge"), cfg.Memory.KnowledgeDir)
}

func TestLoadFromFileResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	yaml := `
runtime:
  data_dir: state
budget:
  hourly: 5
  daily: 50
  timezone: Asia/Shanghai
governance:
  levels:
    web_fetch: L2
  policy_file: policy.yaml
heartbeat:
  quiet_start: "22:00"
  quiet_end: "07:00"
  jobs:
    - name: digest
      schedule: "0 9 * * *"
      prompt: summarise yesterday
retry:
  backoff: ["1m", "2m"]
  rate_limits:
    social_post:
      every: 10m
      burst: 2
`
	path := filepath.Join(dir, "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join(dir, "state"), cfg.Runtime.DataDir)
	assert.Equal(t, filepath.Join(dir, "policy.yaml"), cfg.Governance.PolicyFile)
	assert.Equal(t, 5, cfg.Budget.Hourly)
	loc, err := cfg.Budget.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Shanghai", loc.String())
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, cfg.Retry.Backoff)
	assert.Equal(t, RateLimitConfig{Every: 10 * time.Minute, Burst: 2}, cfg.Retry.RateLimits["social_post"])
	require.Len(t, cfg.Heartbeat.Jobs, 1)
	assert.Equal(t, "digest", cfg.Heartbeat.Jobs[0].Name)

	policy, err := cfg.Governance.Policy()
	require.NoError(t, err)
	assert.Equal(t, governance.L2, policy.Levels["web_fetch"])
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("WARDEN_BUDGET_HOURLY", "7")
	t.Setenv("WARDEN_SERVER_OPERATOR_TOKEN", "secret")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Budget.Hourly)
	assert.Equal(t, "secret", cfg.Server.OperatorToken)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Budget.Hourly = -1
	cfg.Heartbeat.QuietStart = "22:00"
	cfg.LLM.Provider = "openai"
	cfg.Governance.Levels = map[string]string{"web_fetch": "L9"}

	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	for _, fragment := range []string{"budget", "quiet_end", "api_key", "governance.levels"} {
		assert.Contains(t, err.Error(), fragment)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestSampleConfigValidates(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "deploy", "config.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "23:00", cfg.Heartbeat.QuietStart)
	require.Len(t, cfg.Heartbeat.Jobs, 1)
	assert.Equal(t, 10*time.Minute, cfg.Retry.RateLimits["social_post"].Every)
	assert.Equal(t, filepath.Join("..", "..", "deploy", "data"), cfg.Runtime.DataDir)
}
