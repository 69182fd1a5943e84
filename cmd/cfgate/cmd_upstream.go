package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmbish04/cfgate/internal/upstream"
)

func init() {
	rootCmd.AddCommand(upstreamCmd)
	upstreamCmd.AddCommand(upstreamVerifyCmd)

	upstreamVerifyCmd.Flags().String("account", "", "account id (defaults to upstream.account_id)")
	upstreamVerifyCmd.Flags().Bool("json", false, "print the report as JSON")
}

var upstreamCmd = &cobra.Command{
	Use:   "upstream",
	Short: "Inspect the upstream API connection",
}

var upstreamVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the API token's read access with GET-only calls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		account, _ := cmd.Flags().GetString("account")
		if account == "" {
			account = cfg.Upstream.AccountID
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		client := upstream.New(upstream.Config{
			BaseURL:  cfg.Upstream.BaseURL,
			APIToken: cfg.Upstream.APIToken,
			Timeout:  cfg.UpstreamTimeout(),
		}, retryPolicy(cfg))
		ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.UpstreamTimeout())
		defer cancel()

		report, err := client.Verify(ctx, account)
		if err != nil {
			return err
		}

		if asJSON {
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
		} else {
			pass := color.New(color.FgGreen).Sprint("PASS")
			fail := color.New(color.FgRed).Sprint("FAIL")
			skip := color.New(color.FgYellow).Sprint("SKIP")

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RESULT\tCHECK\tPATH\tDETAIL")
			for _, ch := range report.Checks {
				result := fail
				switch {
				case ch.Skipped:
					result = skip
				case ch.OK:
					result = pass
				}
				detail := ch.Detail
				if ch.OK {
					detail = fmt.Sprintf("%d item(s)", ch.Count)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", result, ch.Name, ch.Path, detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%d passed, %d failed\n", report.Passed, report.Failed)
		}

		if !report.OK() {
			return fmt.Errorf("%d upstream check(s) failed", report.Failed)
		}
		return nil
	},
}
