package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Checks the schedule and collects realtime feeds until interrupted",
	Args:  cobra.NoArgs,
	RunE:  run,
}

var (
	checkInterval   time.Duration
	collectInterval time.Duration
)

func init() {
	runCmd.Flags().DurationVarP(&checkInterval, "check-interval", "", 0, "Schedule check interval (default from config)")
	runCmd.Flags().DurationVarP(&collectInterval, "interval", "i", 0, "Realtime collection interval (default from config)")
}

func run(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	a.serveMetrics()

	if checkInterval == 0 {
		checkInterval = a.cfg.Schedule.CheckInterval
	}
	if collectInterval == 0 {
		collectInterval = a.cfg.Schedule.CollectInterval
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.logger.Info("running", "check_interval", checkInterval, "collect_interval", collectInterval)
	return a.manager.Run(ctx, checkInterval, collectInterval)
}

