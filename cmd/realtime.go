package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"transitdelay.dev/gtfs/model"
	"transitdelay.dev/gtfs/storage"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Pulls the realtime feeds once and records stop delays",
	Args:  cobra.NoArgs,
	RunE:  collect,
}

var delaysCmd = &cobra.Command{
	Use:   "delays",
	Short: "Lists recorded stop delays",
	Args:  cobra.NoArgs,
	RunE:  delays,
}

var (
	tripID  string
	routeID string
)

func init() {
	delaysCmd.Flags().StringVarP(&tripID, "trip", "t", "", "Restrict to a specific trip")
	delaysCmd.Flags().StringVarP(&routeID, "route", "r", "", "Restrict to a specific route")
}

func collect(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.manager.Collect(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("positions=%d delays=%d skipped=%d fetched=%t\n",
		res.Positions, res.Delays, res.Skipped, res.Fetched)
	return nil
}

func delays(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rows, err := a.storage.ListStopDelays(storage.StopDelayFilter{
		TripID:  tripID,
		RouteID: routeID,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TRIP\tROUTE\tSEQ\tSTOP\tSCHEDULED\tACTUAL\tDELAY\tBUS")
	for _, d := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			d.TripID, d.RouteID, d.StopSequence, d.StopID,
			orDash(d.ScheduledArrival), orDash(d.ActualArrivalLocal),
			formatDelay(d), orDash(d.BusID))
	}
	return w.Flush()
}

func formatDelay(d model.StopDelay) string {
	if d.DelaySeconds == nil {
		return "-"
	}
	return fmt.Sprintf("%+ds", *d.DelaySeconds)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
