package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate delivery stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest("GET", "/v1/stats", nil)
		if err != nil {
			return fmt.Errorf("stats request failed: %w", err)
		}
		out, raw, err := readBody(resp)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("stats failed (HTTP %d): %s", resp.StatusCode, string(raw))
		}

		if outputJSON {
			printOutput(out)
			return nil
		}
		if counts, ok := out["counts"].(map[string]any); ok {
			fmt.Println("records by state:")
			for state, n := range counts {
				fmt.Printf("  %-18s %v\n", state, n)
			}
		}
		fmt.Printf("avg attempts to success: %v\n", out["avg_attempts_to_success"])
		fmt.Printf("throttle rejection rate: %v\n", out["throttle_rejection_rate"])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
