package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"Warden/internal/budget"
	"Warden/internal/engine"
	xerrors "Warden/internal/errors"
	"Warden/internal/governance"
	"Warden/internal/llm/openai"
	"Warden/internal/observability/alerting"
	"Warden/internal/storage/mysql"
)

// EnvPrefix 是环境变量覆盖的前缀，例如 WARDEN_BUDGET_HOURLY。
const EnvPrefix = "WARDEN"

// Config 描述了 Warden 在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Engine     engine.Config    `mapstructure:"engine"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Retry      RetryConfig      `mapstructure:"retry"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Tools      ToolsConfig      `mapstructure:"tools"`
}

// ServerConfig 控制状态与审批 API。
type ServerConfig struct {
	Address       string `mapstructure:"address"`
	OperatorToken string `mapstructure:"operator_token"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string         `mapstructure:"level"`
	Format  string         `mapstructure:"format"`
	Outputs []string       `mapstructure:"outputs"`
	Audit   AuditLogConfig `mapstructure:"audit"`
}

// AuditLogConfig 控制审计日志的滚动文件。
type AuditLogConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MemoryConfig 控制三层记忆的节奏。
type MemoryConfig struct {
	SnapshotInterval        time.Duration `mapstructure:"snapshot_interval"`
	CheckpointInterval      time.Duration `mapstructure:"checkpoint_interval"`
	KnowledgeCommitInterval time.Duration `mapstructure:"knowledge_commit_interval"`
	KnowledgeDir            string        `mapstructure:"knowledge_dir"`
	EpisodicRetain          int           `mapstructure:"episodic_retain"`
	AuthorName              string        `mapstructure:"author_name"`
	AuthorEmail             string        `mapstructure:"author_email"`
}

// BudgetConfig 配置两个预算窗口。上限为 0 表示不限。
type BudgetConfig struct {
	Hourly   int    `mapstructure:"hourly"`
	Daily    int    `mapstructure:"daily"`
	Timezone string `mapstructure:"timezone"`
	Store    string `mapstructure:"store"`
}

// Location 返回预算所用时区。
func (b BudgetConfig) Location() (*time.Location, error) {
	return loadLocation(b.Timezone)
}

// GovernanceConfig 配置工具级别覆盖。
type GovernanceConfig struct {
	Levels     map[string]string `mapstructure:"levels"`
	PolicyFile string            `mapstructure:"policy_file"`
}

// Policy 把配置中的级别覆盖转换为治理策略。
func (g GovernanceConfig) Policy() (governance.Policy, error) {
	policy := governance.Policy{Levels: make(map[string]governance.Level, len(g.Levels))}
	for tool, raw := range g.Levels {
		level, err := governance.ParseLevel(raw)
		if err != nil {
			return governance.Policy{}, err
		}
		policy.Levels[tool] = level
	}
	return policy, nil
}

// HeartbeatConfig 配置无人值守调度。
type HeartbeatConfig struct {
	Enabled    bool            `mapstructure:"enabled"`
	Interval   time.Duration   `mapstructure:"interval"`
	QuietStart string          `mapstructure:"quiet_start"`
	QuietEnd   string          `mapstructure:"quiet_end"`
	Timezone   string          `mapstructure:"timezone"`
	Prompt     string          `mapstructure:"prompt"`
	RetryDrain string          `mapstructure:"retry_drain"`
	Jobs       []CronJobConfig `mapstructure:"jobs"`
}

// Location 返回心跳所用时区。
func (h HeartbeatConfig) Location() (*time.Location, error) {
	return loadLocation(h.Timezone)
}

// CronJobConfig 是一个以提示词驱动对话的定时任务。
type CronJobConfig struct {
	Name     string `mapstructure:"name"`
	Schedule string `mapstructure:"schedule"`
	Prompt   string `mapstructure:"prompt"`
}

// RetryConfig 配置重试队列。
type RetryConfig struct {
	Backoff     []time.Duration            `mapstructure:"backoff"`
	MaxAttempts int                        `mapstructure:"max_attempts"`
	RateLimits  map[string]RateLimitConfig `mapstructure:"rate_limits"`
}

// RateLimitConfig 是一类动作的本地令牌桶。
type RateLimitConfig struct {
	Every time.Duration `mapstructure:"every"`
	Burst int           `mapstructure:"burst"`
}

// LLMConfig 用于配置推理服务。
type LLMConfig struct {
	Provider string        `mapstructure:"provider"`
	OpenAI   openai.Config `mapstructure:"openai"`
	DryRun   string        `mapstructure:"dry_run_reply"`
}

// AlertingConfig 配置操作员通知渠道，未填写的渠道不启用。
type AlertingConfig struct {
	Slack SlackConfig         `mapstructure:"slack"`
	AMQP  alerting.AMQPConfig `mapstructure:"amqp"`
}

// SlackConfig 描述 Slack 机器人。
type SlackConfig struct {
	Token     string `mapstructure:"token"`
	ChannelID string `mapstructure:"channel_id"`
	APIURL    string `mapstructure:"api_url"`
}

// StorageConfig 描述可选的外部存储。
type StorageConfig struct {
	MySQL mysql.Config       `mapstructure:"mysql"`
	Redis budget.RedisConfig `mapstructure:"redis"`
}

// ToolsConfig 配置内置工具。
type ToolsConfig struct {
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	FetchMaxBytes int64         `mapstructure:"fetch_max_bytes"`
	SocialWebhook string        `mapstructure:"social_webhook"`
	SocialToken   string        `mapstructure:"social_token"`
	ChainRPCURL   string        `mapstructure:"chain_rpc_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.operator_token", "")
	v.SetDefault("runtime.data_dir", "data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputs", []string{"stdout"})
	v.SetDefault("logging.audit.enabled", false)
	v.SetDefault("logging.audit.path", "")

	v.SetDefault("memory.snapshot_interval", "60s")
	v.SetDefault("memory.checkpoint_interval", "5m")
	v.SetDefault("memory.knowledge_commit_interval", "1h")
	v.SetDefault("memory.knowledge_dir", "")
	v.SetDefault("memory.episodic_retain", 2000)
	v.SetDefault("memory.author_name", "warden")
	v.SetDefault("memory.author_email", "warden@localhost")

	v.SetDefault("budget.hourly", 30)
	v.SetDefault("budget.daily", 300)
	v.SetDefault("budget.timezone", "UTC")
	v.SetDefault("budget.store", "file")

	v.SetDefault("governance.policy_file", "")

	v.SetDefault("engine.max_rounds", 8)
	v.SetDefault("engine.max_duration", "5m")
	v.SetDefault("engine.oracle_timeout", "90s")
	v.SetDefault("engine.system_prompt", "")
	v.SetDefault("engine.knowledge_hits", 3)

	v.SetDefault("heartbeat.enabled", true)
	v.SetDefault("heartbeat.interval", "30m")
	v.SetDefault("heartbeat.quiet_start", "")
	v.SetDefault("heartbeat.quiet_end", "")
	v.SetDefault("heartbeat.timezone", "UTC")
	v.SetDefault("heartbeat.prompt", "Heartbeat: review pending work and decide whether any action is needed.")
	v.SetDefault("heartbeat.retry_drain", "@every 1m")

	v.SetDefault("retry.backoff", []string{"6m", "15m", "30m"})
	v.SetDefault("retry.max_attempts", 3)

	v.SetDefault("llm.provider", "scripted")
	v.SetDefault("llm.openai.api_key", "")
	v.SetDefault("llm.openai.base_url", "")
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.openai.timeout", "60s")
	v.SetDefault("llm.openai.temperature", 0.2)
	v.SetDefault("llm.dry_run_reply", "No action needed.")

	v.SetDefault("alerting.slack.token", "")
	v.SetDefault("alerting.slack.channel_id", "")
	v.SetDefault("alerting.amqp.url", "")
	v.SetDefault("alerting.amqp.exchange", "")
	v.SetDefault("alerting.amqp.queue", "warden.operator")

	v.SetDefault("storage.mysql.dsn", "")
	v.SetDefault("storage.redis.address", "")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key", "warden:budget")

	v.SetDefault("tools.http_timeout", "15s")
	v.SetDefault("tools.fetch_max_bytes", 64*1024)
	v.SetDefault("tools.social_webhook", "")
	v.SetDefault("tools.social_token", "")
	v.SetDefault("tools.chain_rpc_url", "")
}

// Load 读取配置文件并叠加 WARDEN_* 环境变量。path 为空时只使用默认值与环境变量，
// 相对路径以当前目录为基准；否则以配置文件所在目录为基准。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || os.IsNotExist(err) {
				return nil, xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("配置文件 %s 不存在", path))
			}
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}
	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置派生的默认值，并把相对路径转换为绝对基准。
func (c *Config) applyDefaults(baseDir string) {
	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	if c.Memory.KnowledgeDir == "" {
		c.Memory.KnowledgeDir = filepath.Join(c.Runtime.DataDir, "knowledge")
	} else {
		c.Memory.KnowledgeDir = resolve(baseDir, c.Memory.KnowledgeDir)
	}
	if c.Governance.PolicyFile != "" {
		c.Governance.PolicyFile = resolve(baseDir, c.Governance.PolicyFile)
	}
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}
	for i, out := range c.Logging.Outputs {
		switch strings.ToLower(out) {
		case "", "stdout", "stderr":
		default:
			c.Logging.Outputs[i] = resolve(baseDir, out)
		}
	}
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	c.Budget.Store = strings.ToLower(strings.TrimSpace(c.Budget.Store))
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// Validate 检查配置是否自洽，返回所有发现的问题。
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(c.Server.Address) == "" {
		add("server.address 不能为空")
	}
	if c.Runtime.DataDir == "" {
		add("runtime.data_dir 不能为空")
	}
	if c.Budget.Hourly < 0 || c.Budget.Daily < 0 {
		add("budget 上限不能为负数")
	}
	if _, err := c.Budget.Location(); err != nil {
		add("budget.timezone 无效: %v", err)
	}
	switch c.Budget.Store {
	case "file", "memory":
	case "redis":
		if c.Storage.Redis.Address == "" {
			add("budget.store=redis 需要 storage.redis.address")
		}
	default:
		add("budget.store 只支持 file、memory、redis，当前为 %q", c.Budget.Store)
	}
	if _, err := c.Governance.Policy(); err != nil {
		add("governance.levels 无效: %v", err)
	}
	if c.Engine.MaxRounds <= 0 {
		add("engine.max_rounds 必须大于 0")
	}
	if c.Engine.MaxDuration <= 0 {
		add("engine.max_duration 必须大于 0")
	}
	if c.Heartbeat.Interval <= 0 {
		add("heartbeat.interval 必须大于 0")
	}
	if _, err := c.Heartbeat.Location(); err != nil {
		add("heartbeat.timezone 无效: %v", err)
	}
	if (c.Heartbeat.QuietStart == "") != (c.Heartbeat.QuietEnd == "") {
		add("heartbeat.quiet_start 与 quiet_end 必须同时设置")
	}
	for _, v := range []string{c.Heartbeat.QuietStart, c.Heartbeat.QuietEnd} {
		if v == "" {
			continue
		}
		if _, err := time.Parse("15:04", v); err != nil {
			add("静默时段 %q 不是 HH:MM", v)
		}
	}
	for i, job := range c.Heartbeat.Jobs {
		if job.Name == "" || job.Schedule == "" {
			add("heartbeat.jobs[%d] 需要 name 与 schedule", i)
		}
	}
	if len(c.Retry.Backoff) == 0 {
		add("retry.backoff 不能为空")
	}
	for i, d := range c.Retry.Backoff {
		if d <= 0 {
			add("retry.backoff[%d] 必须大于 0", i)
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		add("retry.max_attempts 必须大于 0")
	}
	switch c.LLM.Provider {
	case "scripted":
	case "openai":
		if strings.TrimSpace(c.LLM.OpenAI.APIKey) == "" {
			add("llm.provider=openai 需要 llm.openai.api_key")
		}
	default:
		add("llm.provider 只支持 openai 与 scripted，当前为 %q", c.LLM.Provider)
	}
	if (c.Alerting.Slack.Token == "") != (c.Alerting.Slack.ChannelID == "") {
		add("alerting.slack 需要同时设置 token 与 channel_id")
	}

	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "配置无效: "+strings.Join(problems, "; "))
	}
	return nil
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
