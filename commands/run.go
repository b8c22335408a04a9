package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/artemishq/artemis/config"
	"github.com/artemishq/artemis/kanban"
	"github.com/artemishq/artemis/messenger"
	"github.com/artemishq/artemis/orchestrator"
	"github.com/artemishq/artemis/rag"
	"github.com/artemishq/artemis/statemachine"
	"github.com/artemishq/artemis/supervisor"
)

// newRunCmd builds the `artemis run` command: drive one card through the
// full pipeline and exit with the pipeline's exit code.
func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		boardPath        string
		reportDir        string
		maxReviewRetries int
		retryOnNeeds     bool
		metricsAddr      string
	)

	cmd := &cobra.Command{
		Use:   "run <card-id>",
		Short: "Run the full pipeline for one card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.newLogger()

			cfg, err := opts.loadConfig(logger)
			if err != nil {
				return &ExitError{Code: orchestrator.ExitConfigInvalid, Err: err}
			}
			if boardPath != "" {
				cfg.Board.Path = boardPath
			}
			if reportDir != "" {
				cfg.Reports.Dir = reportDir
			}
			if cmd.Flags().Changed("max-review-retries") {
				cfg.Pipeline.MaxReviewRetries = maxReviewRetries
			}
			if retryOnNeeds {
				cfg.Pipeline.RetryOnNeedsImprovement = true
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return runPipeline(ctx, cfg, logger, args[0], metricsAddr)
		},
	}

	cmd.Flags().StringVar(&boardPath, "board", "", "Kanban board file (overrides config)")
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "Report output directory (overrides config)")
	cmd.Flags().IntVar(&maxReviewRetries, "max-review-retries", 0, "Review retry budget, 0 disables retries (overrides config)")
	cmd.Flags().BoolVar(&retryOnNeeds, "retry-on-needs-improvement", false, "Spend a review retry on NEEDS_IMPROVEMENT verdicts")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	return cmd
}

func runPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger, cardID, metricsAddr string) error {
	printBanner()

	board, err := kanban.OpenBoard(cfg.Board.Path, logger)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitConfigInvalid, Err: err}
	}
	defer board.Close()
	if cfg.Board.Watch {
		if err := board.Watch(ctx); err != nil {
			logger.Warn("Board watcher unavailable", "error", err)
		}
	}

	msgr, err := buildMessenger(ctx, cfg, logger)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitConfigInvalid, Err: err}
	}
	defer msgr.Close()

	var store rag.Store
	if cfg.RAG.RedisAddr != "" {
		redisStore, err := rag.NewRedisStore(ctx, cfg.RAG.RedisAddr, logger)
		if err != nil {
			return &ExitError{Code: orchestrator.ExitConfigInvalid, Err: err}
		}
		defer redisStore.Close()
		store = redisStore
	}

	snapshots, err := statemachine.NewSnapshotStore(cfg.State.Dir, logger)
	if err != nil {
		return &ExitError{Code: orchestrator.ExitConfigInvalid, Err: err}
	}

	registry := prometheus.NewRegistry()
	metrics := supervisor.NewMetrics(registry)
	if metricsAddr != "" {
		serveMetrics(ctx, metricsAddr, registry, logger)
	}

	var budget *supervisor.BudgetTracker
	if cfg.Budget.Daily > 0 || cfg.Budget.Monthly > 0 {
		budget = supervisor.NewBudgetTracker(cfg.Budget.Daily, cfg.Budget.Monthly, metrics)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Board:                   board,
		Messenger:               msgr,
		RAG:                     store,
		Snapshots:               snapshots,
		Logger:                  logger,
		Metrics:                 metrics,
		Budget:                  budget,
		Sandbox:                 supervisor.NewSandbox(cfg.Sandbox.AllowedPatterns),
		ReportDir:               cfg.Reports.Dir,
		Strategies:              cfg.Stages,
		MaxParallelDevelopers:   cfg.Pipeline.MaxParallelDevelopers,
		RetryOnNeedsImprovement: cfg.Pipeline.RetryOnNeedsImprovement,
	})
	if err != nil {
		return &ExitError{Code: orchestrator.ExitConfigInvalid, Err: err}
	}

	logger.Info("Starting pipeline", "card_id", cardID, "board", cfg.Board.Path)
	report, runErr := orch.RunFullPipeline(ctx, cardID, cfg.Pipeline.MaxReviewRetries)
	code := orchestrator.ExitCode(report, runErr)

	if report != nil {
		printReportSummary(report)
	}
	if code != orchestrator.ExitOK {
		return &ExitError{Code: code, Err: runErr}
	}
	return nil
}

// buildMessenger picks the transport: external NATS, embedded NATS, or an
// in-process mailbox when both are disabled.
func buildMessenger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (messenger.Messenger, error) {
	switch {
	case cfg.NATS.URL != "":
		return messenger.NewNATS(ctx, cfg.NATS.URL, logger)
	case cfg.NATS.Embedded:
		return messenger.NewEmbeddedNATS(ctx, cfg.NATS.StoreDir, logger)
	default:
		return messenger.NewMemory(), nil
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("Metrics server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func printReportSummary(report *orchestrator.Report) {
	fmt.Printf("\nPipeline %s: %s (%.1fs)\n", report.CardID, report.Status, report.DurationSeconds)
	for _, st := range report.Stages {
		line := fmt.Sprintf("  %-18s %s", st.Name, st.Status)
		if st.Retries > 0 {
			line += fmt.Sprintf(" (%d retries)", st.Retries)
		}
		if st.Reason != "" {
			line += " - " + st.Reason
		}
		fmt.Println(line)
	}
	if report.ReviewRetries > 0 {
		fmt.Printf("  review retries: %d\n", report.ReviewRetries)
	}
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║             Artemis v" + Version + "                     ║")
	fmt.Println("║      Supervised Pipeline Orchestration        ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
