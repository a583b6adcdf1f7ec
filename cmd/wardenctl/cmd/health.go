package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the FormWarden service",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest("GET", "/healthz", nil)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		body, _, err := readBody(resp)
		if err != nil {
			return err
		}

		if outputJSON {
			printOutput(body)
			return nil
		}
		if resp.StatusCode == 200 {
			fmt.Println("✓ Service is healthy")
		} else {
			fmt.Printf("✗ Service is unhealthy (HTTP %d)\n", resp.StatusCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
