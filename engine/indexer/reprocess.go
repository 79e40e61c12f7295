package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarryhq/quarry-engine/engine/domain"
	"github.com/quarryhq/quarry-engine/engine/extract"
)

// DefaultReprocessConcurrency bounds parallel entity reprocessing.
const DefaultReprocessConcurrency = 8

// Reprocessor walks all entities of a type through the pipeline again, for
// template changes or model upgrades.
type Reprocessor struct {
	ix          *Indexer
	reader      extract.EntityReader
	concurrency int
	logger      *slog.Logger
}

// NewReprocessor creates a Reprocessor sharing the indexer's pipeline.
func NewReprocessor(ix *Indexer, reader extract.EntityReader, concurrency int, logger *slog.Logger) *Reprocessor {
	if concurrency <= 0 {
		concurrency = DefaultReprocessConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reprocessor{ix: ix, reader: reader, concurrency: concurrency, logger: logger}
}

// Stats summarizes one reprocessing run.
type Stats struct {
	Seen     int64         `json:"seen"`
	Failed   int64         `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// ReprocessType re-indexes every entity of the given type. force bypasses the
// content-hash staleness check, which is what a template or model change
// needs: the source content is unchanged but the vectors are not. A non-empty
// tenantID restricts the run to that tenant. Cancelling ctx stops the walk;
// entities already in flight finish.
func (r *Reprocessor) ReprocessType(ctx context.Context, tenantID, entityType string, force bool) (Stats, error) {
	start := time.Now()
	var seen, failed atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	err := r.reader.ListByType(ctx, entityType, func(entity domain.Entity) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tenantID != "" && entity.TenantID != tenantID {
			return nil
		}
		ev := domain.ChangeEvent{
			EntityID:   entity.ID,
			EntityType: entityType,
			TenantID:   entity.TenantID,
			Kind:       domain.ChangeUpdated,
			OccurredAt: time.Now().UTC(),
		}
		g.Go(func() error {
			seen.Add(1)
			if perr := r.ix.ProcessWith(ctx, ev, force); perr != nil {
				failed.Add(1)
				r.logger.Warn("reprocess: entity failed",
					"entity_id", ev.EntityID, "tenant_id", ev.TenantID, "err", perr)
			}
			// Individual failures don't abort the run.
			return nil
		})
		return nil
	})

	werr := g.Wait()
	stats := Stats{Seen: seen.Load(), Failed: failed.Load(), Duration: time.Since(start)}
	if err != nil {
		return stats, fmt.Errorf("indexer: reprocess %s: %w", entityType, err)
	}
	if werr != nil {
		return stats, fmt.Errorf("indexer: reprocess %s: %w", entityType, werr)
	}
	r.logger.Info("reprocess: run complete",
		"entity_type", entityType, "tenant_id", tenantID,
		"seen", stats.Seen, "failed", stats.Failed, "duration", stats.Duration)
	return stats, nil
}
