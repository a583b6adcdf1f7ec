package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	recordsEventID     string
	recordsRecipientID string
	recordsChannel     string
	recordsState       string
	recordsLimit       int
)

// recordsCmd represents the records command group
var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List delivery records",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if recordsEventID != "" {
			q.Set("event_id", recordsEventID)
		}
		if recordsRecipientID != "" {
			q.Set("recipient_id", recordsRecipientID)
		}
		if recordsChannel != "" {
			q.Set("channel", recordsChannel)
		}
		if recordsState != "" {
			q.Set("state", recordsState)
		}
		if recordsLimit > 0 {
			q.Set("limit", fmt.Sprintf("%d", recordsLimit))
		}

		path := "/v1/records"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		resp, err := makeRequest("GET", path, nil)
		if err != nil {
			return fmt.Errorf("records request failed: %w", err)
		}
		out, raw, err := readBody(resp)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("records query failed (HTTP %d): %s", resp.StatusCode, string(raw))
		}

		if outputJSON {
			printOutput(out)
			return nil
		}
		records, _ := out["records"].([]any)
		fmt.Printf("%d record(s)\n", len(records))
		for _, r := range records {
			rec, ok := r.(map[string]any)
			if !ok {
				continue
			}
			fmt.Printf("  %v  %v/%v  state=%v attempts=%v\n",
				rec["id"], rec["recipient_id"], rec["channel"], rec["state"],
				len(toSlice(rec["attempts"])))
		}
		return nil
	},
}

// getRecordCmd fetches one record by id
var getRecordCmd = &cobra.Command{
	Use:   "get <record-id>",
	Short: "Show one delivery record with its attempt trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest("GET", "/v1/records/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return fmt.Errorf("record request failed: %w", err)
		}
		out, raw, err := readBody(resp)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("record lookup failed (HTTP %d): %s", resp.StatusCode, string(raw))
		}
		printOutput(out)
		return nil
	},
}

func toSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func init() {
	recordsCmd.Flags().StringVar(&recordsEventID, "event", "", "filter by event id")
	recordsCmd.Flags().StringVar(&recordsRecipientID, "recipient", "", "filter by recipient id")
	recordsCmd.Flags().StringVar(&recordsChannel, "channel", "", "filter by channel")
	recordsCmd.Flags().StringVar(&recordsState, "state", "", "filter by state")
	recordsCmd.Flags().IntVar(&recordsLimit, "limit", 50, "maximum records to return")

	recordsCmd.AddCommand(getRecordCmd)
	rootCmd.AddCommand(recordsCmd)
}
