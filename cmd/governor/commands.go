package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/api/rest"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/audit"
	auditsvc "github.com/davidleathers/compliance-governance-engine/internal/service/audit"
	"github.com/davidleathers/compliance-governance-engine/internal/service/governance"
)

// gaugeInterval is how often the posture gauges are refreshed while serving.
const gaugeInterval = 30 * time.Second

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background collection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, appOptions{migrate: migrate}, func(ctx context.Context, a *app) error {
				go a.collectGauges(ctx, gaugeInterval)

				router := rest.NewRouter(rest.Config{
					EnableMetrics: true,
					EnableTracing: a.cfg.Telemetry.Enabled,
					Limiter:       a.limiter(),
					Events:        a.hub,
					Metrics:       a.registry,
				}, a.services(), a.logger)

				a.logger.Info("Starting governance engine",
					zap.String("version", a.cfg.Version),
					zap.String("environment", a.cfg.Environment),
					zap.String("storage", a.cfg.Storage.Driver),
					zap.Int("port", a.cfg.Server.Port))

				return rest.NewServer(a.cfg.Server, router, a.logger).Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending database migrations before serving")
	return cmd
}

func assessCmd() *cobra.Command {
	var scope []string
	cmd := &cobra.Command{
		Use:   "assess <framework>",
		Short: "Run a compliance assessment and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				result, err := a.governance.RunComplianceAssessment(ctx, args[0], scope)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "restrict the assessment to these control ids")
	return cmd
}

func gapCmd() *cobra.Command {
	var (
		target  int
		refresh bool
		scope   []string
	)
	cmd := &cobra.Command{
		Use:   "gap <framework>",
		Short: "Run a gap analysis against a target maturity level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target != 0 && (target < 1 || target > 5) {
				return fmt.Errorf("--target must be between 1 and 5, got %d", target)
			}
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				report, err := a.governance.RunGapAnalysis(ctx, governance.GapRequest{
					FrameworkID:    args[0],
					TargetMaturity: target,
					Scope:          scope,
					Refresh:        refresh,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().IntVar(&target, "target", 0, "target maturity level 1-5 (default: configured target)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "run a fresh assessment instead of reusing the latest")
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "restrict the analysis to these control ids")
	return cmd
}

func maintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Apply evidence and audit retention",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				report, err := a.governance.PerformMaintenance(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var (
		format  string
		from    string
		to      string
		actions []string
		users   []string
		output  string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit events as JSON lines or CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := exportFilter(from, to, actions, users)
			if err != nil {
				return err
			}
			ef := auditsvc.ExportFormat(strings.ToLower(format))
			if ef != auditsvc.FormatJSONL && ef != auditsvc.FormatCSV {
				return fmt.Errorf("unsupported export format %q", format)
			}

			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}

			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				n, err := a.audit.Export(ctx, filter, ef, w)
				if err != nil {
					return err
				}
				a.logger.Info("Audit export complete",
					zap.Int("events", n),
					zap.String("format", string(ef)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", string(auditsvc.FormatJSONL), "jsonl or csv")
	cmd.Flags().StringVar(&from, "from", "", "earliest event time, RFC3339")
	cmd.Flags().StringVar(&to, "to", "", "latest event time, RFC3339")
	cmd.Flags().StringSliceVar(&actions, "action", nil, "only these actions")
	cmd.Flags().StringSliceVar(&users, "user", nil, "only these user ids")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func exportFilter(from, to string, actions, users []string) (audit.Filter, error) {
	filter := audit.Filter{Actions: actions, UserIDs: users}
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return filter, fmt.Errorf("invalid --from: %w", err)
		}
		filter.From = &t
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return filter, fmt.Errorf("invalid --to: %w", err)
		}
		filter.To = &t
	}
	return filter, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
