package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// newReprocessCmd asks a running server to re-index every entity of one type.
func newReprocessCmd() *cobra.Command {
	var (
		addr       string
		entityType string
		tenantID   string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Re-index all entities of a type via the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, _ := json.Marshal(map[string]any{
				"entity_type": entityType,
				"tenant_id":   tenantID,
				"force":       force,
			})

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
				addr+"/v1/admin/reprocess", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			client := &http.Client{Timeout: 30 * time.Minute}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("reprocess request: %w", err)
			}
			defer resp.Body.Close()

			out, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("reprocess failed: %s: %s", resp.Status, out)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type (required)")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "restrict to one tenant")
	cmd.Flags().BoolVar(&force, "force", false, "re-embed even when content is unchanged")
	cmd.MarkFlagRequired("entity-type")

	return cmd
}
