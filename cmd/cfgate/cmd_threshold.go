package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmbish04/cfgate/internal/state"
	"github.com/jmbish04/cfgate/internal/threshold"
)

func init() {
	rootCmd.AddCommand(thresholdCmd)
	thresholdCmd.AddCommand(thresholdGetCmd, thresholdSetCmd)
}

var thresholdCmd = &cobra.Command{
	Use:   "threshold",
	Short: "Read or change the confidence threshold",
}

// thresholdService opens the settings store behind the threshold.
func thresholdService() (*threshold.Service, func(), error) {
	cfg := loadConfig()
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	svc := threshold.New(state.NewSettingsStore(db), cfg.Gateway.DefaultThreshold, 0)
	return svc, func() { db.Close() }, nil
}

var thresholdGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeDB, err := thresholdService()
		if err != nil {
			return err
		}
		defer closeDB()

		fmt.Println(svc.Get(context.Background()))
		return nil
	},
}

var thresholdSetCmd = &cobra.Command{
	Use:   "set <value>",
	Short: "Set the threshold (0..1)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("parse threshold: %w", err)
		}
		svc, closeDB, err := thresholdService()
		if err != nil {
			return err
		}
		defer closeDB()

		ctx := context.Background()
		previous := svc.Get(ctx)
		if err := svc.Set(ctx, v); err != nil {
			return err
		}
		fmt.Printf("Threshold %v -> %s\n", previous, color.New(color.FgGreen).Sprint(v))
		return nil
	},
}
