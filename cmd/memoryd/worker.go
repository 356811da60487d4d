package main

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/config"
	"github.com/fyrsmithlabs/memoryd/internal/runner"
)

func init() {
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the durable pipeline worker",
	Long: `Run the Temporal worker that executes pipeline steps for durable runs.
Requires runner.mode=temporal in the configuration; the worker polls the
memoryd task queue until interrupted.

Examples:
  memoryd worker --config memoryd.yaml`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Runner.Mode != "temporal" {
		return fmt.Errorf("worker requires runner.mode=temporal, got %q", cfg.Runner.Mode)
	}

	eng, err := config.Build(cmd.Context(), cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer eng.Close()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				eng.Logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		eng.Logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	w := worker.New(eng.TemporalClient, runner.TaskQueue, worker.Options{})
	runner.RegisterWorker(w, eng.Registry, eng.Deps)

	eng.Logger.Info("pipeline worker starting",
		zap.String("task_queue", runner.TaskQueue),
		zap.String("temporal", cfg.Runner.HostPort),
	)
	return w.Run(worker.InterruptCh())
}
