package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

// cancelCmd represents the cancel command
var cancelCmd = &cobra.Command{
	Use:   "cancel <record-id>",
	Short: "Cancel a pending delivery record",
	Long: `Cancel one delivery record that has not yet reached a terminal state.

A record whose dispatch is already in flight still records the in-flight
outcome, but no further retries will be scheduled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest("POST", "/v1/records/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return fmt.Errorf("cancel request failed: %w", err)
		}
		out, raw, err := readBody(resp)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("cancel failed (HTTP %d): %s", resp.StatusCode, string(raw))
		}

		if outputJSON {
			printOutput(out)
			return nil
		}
		fmt.Printf("record %s cancelled\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
