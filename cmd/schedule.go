package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Creates the database tables if missing",
	Args:  cobra.NoArgs,
	RunE:  initDB,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Promotes the newest staged snapshot if it changed",
	Args:  cobra.NoArgs,
	RunE:  check,
}

var loadStaticCmd = &cobra.Command{
	Use:   "load-static [dir]",
	Short: "Loads a snapshot directory (default: the active one) into storage",
	Args:  cobra.MaximumNArgs(1),
	RunE:  loadStatic,
}

var distancesCmd = &cobra.Command{
	Use:   "distances",
	Short: "Recomputes distances between consecutive stops",
	Args:  cobra.NoArgs,
	RunE:  distances,
}

func initDB(cmd *cobra.Command, args []string) error {
	// Opening the storage creates the schema.
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("database ready", "backend", a.cfg.Storage.Backend)
	return nil
}

func check(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	status := a.manager.CheckSchedule(cmd.Context())

	fmt.Printf("%s", status.Outcome)
	if status.Candidate != "" {
		fmt.Printf(" candidate=%s", status.Candidate)
	}
	if len(status.Changed) > 0 {
		fmt.Printf(" changed=%s", strings.Join(status.Changed, ","))
	}
	if status.Archive != "" {
		fmt.Printf(" archive=%s", status.Archive)
	}
	if status.Recovery != "" {
		fmt.Printf(" recovery=%s", status.Recovery)
	}
	fmt.Println()

	return status.Err
}

func loadStatic(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 0 {
		return a.manager.LoadActive(cmd.Context())
	}

	summary, err := a.manager.Loader().Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("routes=%d trips=%d stops=%d stop_times=%d\n",
		summary.Routes, summary.Trips, summary.Stops, summary.StopTimes)
	return nil
}

func distances(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.manager.Distances().Recompute(cmd.Context())
	if err != nil {
		return err
	}
	a.metrics.DistanceRowsSet(n)
	fmt.Printf("%d stop distances\n", n)
	return nil
}
