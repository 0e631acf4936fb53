package agent

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/slack-go/slack"

	"Warden/internal/budget"
	"Warden/internal/config"
	xerrors "Warden/internal/errors"
	"Warden/internal/governance"
	"Warden/internal/llm"
	"Warden/internal/llm/openai"
	"Warden/internal/observability/alerting"
	"Warden/internal/observability/metrics"
	"Warden/internal/retry"
	"Warden/internal/storage/mysql"
	"Warden/internal/tools/builtin"
	"Warden/internal/tools/chain"
)

// 持久化文件布局。
const (
	auditFile     = "audit.log"
	budgetFile    = "budget.json"
	approvalsFile = "approvals.json"
	retryFile     = "retry_queue.json"
)

func (s *State) dataPath(name string) string {
	return filepath.Join(s.cfg.Runtime.DataDir, name)
}

// buildNotifier 组装通知渠道：日志总是启用，Slack 与 RabbitMQ 按配置启用。
func (s *State) buildNotifier(extra []alerting.Notifier) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}

	slackCfg := s.cfg.Alerting.Slack
	if slackCfg.Token != "" && slackCfg.ChannelID != "" {
		var opts []slack.Option
		if slackCfg.APIURL != "" {
			opts = append(opts, slack.OptionAPIURL(slackCfg.APIURL))
		}
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackAPISender(slackCfg.Token, opts...),
			ChannelID: slackCfg.ChannelID,
		})
	}

	if s.cfg.Alerting.AMQP.URL != "" {
		n, err := alerting.NewAMQPNotifier(s.cfg.Alerting.AMQP)
		if err != nil {
			s.log.Warn("RabbitMQ 通知渠道不可用，已跳过", slog.Any("error", err))
		} else {
			notifiers = append(notifiers, n)
			s.closers = append(s.closers, n)
		}
	}

	notifiers = append(notifiers, extra...)
	fanout := alerting.NewFanout(notifiers...)
	channels := make([]string, 0, len(notifiers))
	for _, ch := range fanout.Channels() {
		channels = append(channels, string(ch))
	}
	s.log.Info("通知渠道已就绪", slog.String("channels", strings.Join(channels, ",")))
	return fanout
}

// buildAuditSink 在配置了 DSN 时连接 MySQL 审计副本。
func (s *State) buildAuditSink(ctx context.Context) (*mysql.AuditRepository, error) {
	if strings.TrimSpace(s.cfg.Storage.MySQL.DSN) == "" {
		return nil, nil
	}
	repo, err := mysql.NewAuditRepository(ctx, s.cfg.Storage.MySQL)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, repo)
	return repo, nil
}

func (s *State) buildBudgetStore(ctx context.Context) (budget.CounterStore, error) {
	switch s.cfg.Budget.Store {
	case "memory":
		return budget.NewMemoryStore(), nil
	case "redis":
		store, err := budget.NewRedisStore(ctx, s.cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store)
		return store, nil
	default:
		return budget.NewFileStore(s.dataPath(budgetFile)), nil
	}
}

// buildPolicy 合并配置中的级别覆盖与策略文件，策略文件优先。
func (s *State) buildPolicy() (governance.Policy, error) {
	policy, err := s.cfg.Governance.Policy()
	if err != nil {
		return governance.Policy{}, err
	}
	if s.cfg.Governance.PolicyFile == "" {
		return policy, nil
	}
	fromFile, err := governance.LoadPolicyFile(s.cfg.Governance.PolicyFile)
	if err != nil {
		return governance.Policy{}, err
	}
	return policy.Merge(fromFile), nil
}

// buildTools 注册内置工具、可选的链状态工具与调用方追加的工具。
func (s *State) buildTools(ctx context.Context, extra []governance.Tool) (*governance.Registry, error) {
	httpCfg := builtin.HTTPConfig{Timeout: s.cfg.Tools.HTTPTimeout, MaxBytes: s.cfg.Tools.FetchMaxBytes}
	handlers := builtin.Handlers{
		Operator:  s.notifier,
		Knowledge: s.memory,
		Fetcher:   builtin.NewFetcher(httpCfg),
		Poster: builtin.NewSocialPoster(builtin.SocialConfig{
			HTTPConfig: httpCfg,
			Webhook:    s.cfg.Tools.SocialWebhook,
			Token:      s.cfg.Tools.SocialToken,
		}),
	}
	tools := handlers.Tools()

	if rpcURL := strings.TrimSpace(s.cfg.Tools.ChainRPCURL); rpcURL != "" {
		client, err := chain.Dial(ctx, rpcURL)
		if err != nil {
			s.log.Warn("链状态工具不可用，已跳过", slog.Any("error", err))
		} else {
			tools = append(tools, client.Tool())
			s.closers = append(s.closers, closerFunc(func() error { client.Close(); return nil }))
		}
	}

	registry, err := governance.NewRegistry(tools...)
	if err != nil {
		return nil, err
	}
	for _, t := range extra {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (s *State) buildOracle() (llm.Oracle, error) {
	switch s.cfg.LLM.Provider {
	case "openai":
		return openai.NewOracle(s.cfg.LLM.OpenAI)
	case "scripted", "":
		return llm.NewLooping(llm.Response{Content: s.cfg.LLM.DryRun}), nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的推理服务 "+s.cfg.LLM.Provider)
	}
}

func (s *State) buildLimiter() *retry.LocalLimiter {
	specs := make(map[string]retry.RateSpec, len(s.cfg.Retry.RateLimits))
	for actionType, rl := range s.cfg.Retry.RateLimits {
		specs[actionType] = retry.RateSpec{Every: rl.Every, Burst: rl.Burst}
	}
	return retry.NewLocalLimiter(specs)
}

// meteredBudget 在准入时同步预算指标。
type meteredBudget struct {
	guard *budget.Guard
}

func (m meteredBudget) Admit(ctx context.Context) (budget.Decision, error) {
	d, err := m.guard.Admit(ctx)
	if err == nil {
		metrics.ObserveBudget(d.Allowed, string(d.Window), d.State.Hourly.Count, d.State.Daily.Count)
	}
	return d, err
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var _ io.Closer = closerFunc(nil)

func budgetConfig(cfg config.BudgetConfig) (budget.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return budget.Config{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "预算时区无效")
	}
	return budget.Config{Hourly: cfg.Hourly, Daily: cfg.Daily, Location: loc}, nil
}
