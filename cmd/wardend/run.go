package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"Warden/internal/agent"
	"Warden/internal/api"
	"Warden/internal/config"
	"Warden/pkg/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent daemon",
	Long: `Load the config, recover memory, then run the heartbeat and the
operator API until SIGINT or SIGTERM. Shutdown writes a final snapshot and
checkpoint before exiting.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(loggerConfig(cfg.Logging)); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("wardend")

	state, err := agent.Init(ctx, cfg)
	if err != nil {
		log.Error("初始化失败", slog.Any("error", err))
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := state.Teardown(shutdownCtx); err != nil {
			log.Error("关闭时持久化失败", slog.Any("error", err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return state.Run(gctx) })
	g.Go(func() error {
		return api.NewServer(cfg.Server.Address, state, cfg.Server.OperatorToken).Start(gctx)
	})
	err = g.Wait()
	log.Info("收到退出信号，正在关闭")
	return err
}

func loggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		},
	}
}
