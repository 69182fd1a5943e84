package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmbish04/cfgate/internal/state"
	"github.com/jmbish04/cfgate/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionStatusCmd)

	sessionListCmd.Flags().Int("limit", 50, "maximum number of sessions to show")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect sessions",
}

func statusColor(s types.SessionStatus) string {
	switch s {
	case types.StatusCompleted:
		return color.New(color.FgGreen).Sprint(s)
	case types.StatusFailed:
		return color.New(color.FgRed).Sprint(s)
	case types.StatusInProgress:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return string(s)
	}
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		db, err := openDB(loadConfig())
		if err != nil {
			return err
		}
		defer db.Close()

		list, err := state.NewSessionStore(db).List(context.Background(), limit)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tUPDATES\tCREATED")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				s.ID,
				statusColor(s.Status),
				len(s.Updates),
				s.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := types.SessionID(args[0])
		if !id.Valid() {
			return fmt.Errorf("invalid session ID: %s", args[0])
		}
		db, err := openDB(loadConfig())
		if err != nil {
			return err
		}
		defer db.Close()

		s, err := state.NewSessionStore(db).Load(context.Background(), id)
		if errors.Is(err, types.ErrNotFound) {
			s, err = types.NewPendingSession(id), nil
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		out, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
