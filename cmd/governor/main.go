// Command governor runs the compliance governance engine: the HTTP API and
// one-shot assessment, gap analysis, maintenance and audit export jobs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/config"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/telemetry"
)

const serviceName = "compliance-governance-engine"

var (
	configPath string
	logLevel   string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "governor",
		Short: "Compliance governance engine",
		Long: `governor collects compliance evidence, keeps a tamper-evident audit
trail, scores control risk and assesses frameworks such as SOC 2, ISO 27001
and GDPR. Run "governor serve" for the API or use the one-shot commands.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(serveCmd(), assessCmd(), gapCmd(), maintainCmd(), exportCmd())
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	cobra.CheckErr(err)
}

// runtime holds what every command needs before it touches the engine.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	provider *telemetry.Provider
}

func setup(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	provider, err := telemetry.InitializeOpenTelemetry(ctx, &telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  cfg.Telemetry.ExportTimeout,
		BatchTimeout:   cfg.Telemetry.BatchTimeout,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	return &runtime{cfg: cfg, logger: logger, provider: provider}, nil
}

func (rt *runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.provider.Shutdown(ctx); err != nil {
		rt.logger.Error("Failed to shutdown telemetry", zap.Error(err))
	}
	_ = rt.logger.Sync()
}

// withApp wires the engine, runs fn and shuts everything down in order.
func withApp(cmd *cobra.Command, opts appOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	a, err := newApp(ctx, rt.cfg, rt.logger, opts)
	if err != nil {
		rt.logger.Error("Failed to start engine", zap.Error(err))
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.close(closeCtx)
	}()

	return fn(ctx, a)
}
