package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var (
	ingestID          string
	ingestSubjectType string
	ingestSeverity    string
	ingestPayload     string
)

// ingestCmd represents the ingest command
var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a form change event",
	Long: `Ingest one form change event into the delivery pipeline.

The payload flag takes raw JSON, for example:
  wardenctl ingest --subject-type form.hipaa.consent --severity critical \
      --payload '{"field":"retention_days","old":30,"new":90}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"subject_type": ingestSubjectType,
			"severity":     ingestSeverity,
		}
		if ingestID != "" {
			body["id"] = ingestID
		}
		if ingestPayload != "" {
			var payload map[string]any
			if err := json.Unmarshal([]byte(ingestPayload), &payload); err != nil {
				return fmt.Errorf("failed to parse payload JSON: %w", err)
			}
			body["payload"] = payload
		}

		resp, err := makeRequest("POST", "/v1/events", body)
		if err != nil {
			return fmt.Errorf("ingest request failed: %w", err)
		}
		out, raw, err := readBody(resp)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("ingest rejected (HTTP %d): %s", resp.StatusCode, string(raw))
		}

		if outputJSON {
			printOutput(out)
			return nil
		}
		if resp.StatusCode == http.StatusOK {
			fmt.Printf("duplicate event, already ingested: %v\n", out["event_id"])
			return nil
		}
		fmt.Printf("event accepted: %v (fanout %v)\n", out["event_id"], out["fanout"])
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestID, "id", "", "event id (server generates one when omitted)")
	ingestCmd.Flags().StringVar(&ingestSubjectType, "subject-type", "", "monitored subject type (required)")
	ingestCmd.Flags().StringVar(&ingestSeverity, "severity", "info", "severity: info, warning or critical")
	ingestCmd.Flags().StringVar(&ingestPayload, "payload", "", "event payload as raw JSON")
	_ = ingestCmd.MarkFlagRequired("subject-type")

	rootCmd.AddCommand(ingestCmd)
}
