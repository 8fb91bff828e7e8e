package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background schedulers",
	Long:  `Run the payment sweeps, the batch scheduler and monitor, and the FSP health probe until interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		startWorker()
	},
}

var (
	sweepInterval  time.Duration
	probeInterval  time.Duration
	schedulerEvery time.Duration
	monitorEvery   time.Duration
)

func startWorker() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := initializeDependencies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	wg := startBackground(ctx, deps)
	deps.Logger.Info("worker is running. Press Ctrl+C to stop.")

	<-ctx.Done()
	deps.Logger.Info("received signal, shutting down worker")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		deps.Logger.Info("worker shutdown complete")
	case <-time.After(30 * time.Second):
		deps.Logger.Warn("shutdown timeout reached, forcing exit")
	}
}

// startBackground launches the long-running loops and returns once they are
// started. They stop when ctx is cancelled.
func startBackground(ctx context.Context, deps *Dependencies) *sync.WaitGroup {
	cfg := deps.Config

	sweeps := getDurationFlag(sweepInterval, cfg.Payment.SweepInterval)
	probe := getDurationFlag(probeInterval, cfg.FSP.HealthProbeInterval)
	scheduler := getDurationFlag(schedulerEvery, cfg.Batch.SchedulerInterval)
	monitor := getDurationFlag(monitorEvery, cfg.Batch.MonitorInterval)

	deps.Logger.Info("starting background loops",
		"sweep_interval", sweeps,
		"health_probe_interval", probe,
		"batch_scheduler_interval", scheduler,
		"batch_monitor_interval", monitor)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		deps.Payments.RunSweeps(ctx, sweeps)
	}()
	go func() {
		defer wg.Done()
		deps.Orchestrator.Run(ctx, scheduler, monitor)
	}()
	go func() {
		defer wg.Done()
		deps.Registry.RunHealthProbe(ctx, probe)
	}()
	return &wg
}

func getDurationFlag(flagValue, configValue time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	workerCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 0, "Payment sweep interval (overrides config)")
	workerCmd.Flags().DurationVar(&probeInterval, "probe-interval", 0, "FSP health probe interval (overrides config)")
	workerCmd.Flags().DurationVar(&schedulerEvery, "scheduler-interval", 0, "Scheduled batch sweep interval (overrides config)")
	workerCmd.Flags().DurationVar(&monitorEvery, "monitor-interval", 0, "Stuck batch detection interval (overrides config)")

	rootCmd.AddCommand(workerCmd)
}
