package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmbish04/cfgate/internal/state"
	"github.com/jmbish04/cfgate/internal/telemetry"
	"github.com/jmbish04/cfgate/internal/threshold"
	"github.com/jmbish04/cfgate/internal/types"
)

func init() {
	rootCmd.AddCommand(telemetryCmd)
	telemetryCmd.AddCommand(telemetryStatsCmd, telemetryTuneCmd, telemetryRecentCmd)

	telemetryStatsCmd.Flags().Int("window", 0, "window in days (default from config)")
	telemetryRecentCmd.Flags().Int("limit", 20, "number of records to show")
}

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Inspect routing telemetry and tune the threshold",
}

func telemetryService() (*telemetry.Service, func(), error) {
	cfg := loadConfig()
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	thr := threshold.New(state.NewSettingsStore(db), cfg.Gateway.DefaultThreshold, 0)
	svc := telemetry.New(state.NewTelemetryStore(db), thr, autoTuneConfig(cfg))
	return svc, func() { db.Close() }, nil
}

func printStats(s *types.RollingStats) {
	fmt.Printf("Window:                     %d days\n", s.WindowDays)
	fmt.Printf("Threshold:                  %v\n", s.Threshold)
	fmt.Printf("Coached requests:           %d\n", s.Total)
	fmt.Printf("Accepted:                   %d (success rate %.1f%%)\n", s.AcceptedCount, s.AcceptedSuccessRate*100)
	fmt.Printf("Clarified:                  %d (near misses %d, %.1f%%)\n", s.ClarifiedCount, s.ClarifiedNearMissCount, s.NearMissFraction*100)
	fmt.Printf("Clarified, would succeed:   %.1f%%\n", s.ClarifiedWouldHaveSucceededRate*100)
}

var telemetryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show rolling statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		window, _ := cmd.Flags().GetInt("window")
		svc, closeDB, err := telemetryService()
		if err != nil {
			return err
		}
		defer closeDB()

		stats, err := svc.RollingStats(context.Background(), window)
		if err != nil {
			return err
		}
		printStats(stats)
		return nil
	},
}

var telemetryTuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Run auto-tune once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeDB, err := telemetryService()
		if err != nil {
			return err
		}
		defer closeDB()

		res, err := svc.AutoTune(context.Background())
		if err != nil {
			return err
		}
		printStats(res.Stats)
		fmt.Println()
		if res.Changed {
			fmt.Printf("Threshold %v -> %s (%s)\n", res.Previous, color.New(color.FgGreen).Sprint(res.Current), res.Reason)
		} else {
			fmt.Printf("Threshold unchanged at %v (%s)\n", res.Current, color.New(color.FgYellow).Sprint(res.Reason))
		}
		return nil
	},
}

func resultColor(r types.ResultStatus) string {
	switch r {
	case types.ResultExecuted:
		return color.New(color.FgGreen).Sprint(r)
	case types.ResultFailed:
		return color.New(color.FgRed).Sprint(r)
	default:
		return color.New(color.FgYellow).Sprint(r)
	}
}

var telemetryRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the most recent routing decisions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		svc, closeDB, err := telemetryService()
		if err != nil {
			return err
		}
		defer closeDB()

		records, err := svc.Recent(context.Background(), limit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No telemetry recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tPRODUCT\tACTION\tMETHOD\tCONFIDENCE\tRESULT\tLATENCY")
		for _, r := range records {
			latency := "-"
			if r.ExecutionLatencyMS != nil {
				latency = fmt.Sprintf("%dms", *r.ExecutionLatencyMS)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\t%s\n",
				r.Timestamp.Format("2006-01-02 15:04:05"),
				r.Product,
				r.Action,
				r.Method,
				r.Confidence,
				resultColor(r.ResultStatus),
				latency,
			)
		}
		return w.Flush()
	},
}
