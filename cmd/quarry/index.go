package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry-engine/engine/config"
	"github.com/quarryhq/quarry-engine/engine/domain"
	"github.com/quarryhq/quarry-engine/engine/indexer"
)

// newIndexCmd publishes a single change event onto the feed, for manual
// backfills and smoke tests against a running consumer.
func newIndexCmd(logger *slog.Logger) *cobra.Command {
	var (
		entityID   string
		entityType string
		tenantID   string
		kind       string
	)

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Publish a change event for one entity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ev := domain.ChangeEvent{
				EntityID:   entityID,
				EntityType: entityType,
				TenantID:   tenantID,
				Kind:       domain.ChangeKind(kind),
				OccurredAt: time.Now().UTC(),
			}
			if err := domain.ValidateChangeEvent(ev); err != nil {
				return err
			}

			nc, err := nats.Connect(cfg.NATS.URL, nats.Name("quarry-index"))
			if err != nil {
				return fmt.Errorf("nats connect: %w", err)
			}
			defer nc.Close()

			if err := indexer.PublishChange(cmd.Context(), nc, ev); err != nil {
				return err
			}
			logger.Info("change event published",
				"entity_id", ev.EntityID, "entity_type", ev.EntityType,
				"tenant_id", ev.TenantID, "kind", ev.Kind)
			return nil
		},
	}

	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id (required)")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type (required)")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&kind, "kind", string(domain.ChangeUpdated), "created, updated or deleted")
	cmd.MarkFlagRequired("entity-id")
	cmd.MarkFlagRequired("entity-type")
	cmd.MarkFlagRequired("tenant")

	return cmd
}
