// Package indexer drives entities from change events to stored vectors. It
// owns the per-entity state machine, staleness short-circuiting, partitioned
// worker queues that preserve per-entity ordering, and retry/DLQ routing.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quarryhq/quarry-engine/engine/domain"
	"github.com/quarryhq/quarry-engine/engine/embed"
	"github.com/quarryhq/quarry-engine/engine/extract"
	"github.com/quarryhq/quarry-engine/engine/preprocess"
	"github.com/quarryhq/quarry-engine/engine/template"
	"github.com/quarryhq/quarry-engine/engine/vecstore"
	"github.com/quarryhq/quarry-engine/pkg/fn"
	"github.com/quarryhq/quarry-engine/pkg/metrics"
)

const (
	// DefaultWorkers is the number of partitioned queue workers.
	DefaultWorkers = 4
	// DefaultQueueSize bounds each partition queue; full queues block the
	// dispatcher for backpressure.
	DefaultQueueSize = 256
	// snippetLen caps the stored payload snippet per chunk.
	snippetLen = 240
)

// Deps holds the external collaborators of the indexer.
type Deps struct {
	Resolver  *template.Resolver
	Reader    extract.EntityReader
	Extractor *extract.Extractor
	Generator *embed.Generator
	Store     vecstore.Store
	Status    *StatusStore
	Metrics   *metrics.Registry
	Logger    *slog.Logger
	// OnFailure is invoked when processing a queued task fails; the consumer
	// wires retry/DLQ routing here. Nil means failures are only logged.
	OnFailure func(ctx context.Context, ev domain.ChangeEvent, retries int, err error)
}

// Opts tunes the worker pool.
type Opts struct {
	Workers   int
	QueueSize int
}

// task is one queued unit of work.
type task struct {
	event   domain.ChangeEvent
	force   bool
	retries int
}

// Indexer processes change events into vector store updates.
type Indexer struct {
	deps   Deps
	opts   Opts
	logger *slog.Logger

	queues []chan task
	wg     sync.WaitGroup

	indexed *metrics.Counter
	skipped *metrics.Counter
	failed  *metrics.Counter
	deleted *metrics.Counter
	latency *metrics.Histogram
	depth   *metrics.Gauge
}

// New creates an Indexer. Call Start before Dispatch.
func New(deps Deps, opts Opts) *Indexer {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := deps.Metrics
	if reg == nil {
		reg = metrics.New()
	}
	ix := &Indexer{
		deps:    deps,
		opts:    opts,
		logger:  log,
		indexed: reg.Counter(metrics.WithLabels("quarry_index_events_total", "result", "indexed"), "Processed change events by result"),
		skipped: reg.Counter(metrics.WithLabels("quarry_index_events_total", "result", "skipped"), ""),
		failed:  reg.Counter(metrics.WithLabels("quarry_index_events_total", "result", "failed"), ""),
		deleted: reg.Counter(metrics.WithLabels("quarry_index_events_total", "result", "deleted"), ""),
		latency: reg.Histogram("quarry_index_duration_seconds", "End-to-end indexing latency per event", nil),
		depth:   reg.Gauge("quarry_index_queue_depth", "Tasks waiting in partition queues"),
	}
	return ix
}

// SetOnFailure installs the failure handler. Must be called before Start.
func (ix *Indexer) SetOnFailure(f func(ctx context.Context, ev domain.ChangeEvent, retries int, err error)) {
	ix.deps.OnFailure = f
}

// Start launches the partition workers. Workers drain until the context is
// cancelled and the queues are closed by Close.
func (ix *Indexer) Start(ctx context.Context) {
	ix.queues = make([]chan task, ix.opts.Workers)
	for i := range ix.queues {
		ix.queues[i] = make(chan task, ix.opts.QueueSize)
		ix.wg.Add(1)
		go ix.worker(ctx, ix.queues[i])
	}
}

// Close stops accepting work and waits for the workers to drain.
func (ix *Indexer) Close() {
	for _, q := range ix.queues {
		close(q)
	}
	ix.wg.Wait()
}

// Dispatch routes an event to its partition. Events for the same entity
// always land on the same worker, so supersession order is preserved.
func (ix *Indexer) Dispatch(ev domain.ChangeEvent, retries int) {
	ix.dispatch(task{event: ev, retries: retries})
}

// DispatchForced enqueues a reprocessing task that bypasses the staleness
// short-circuit.
func (ix *Indexer) DispatchForced(ev domain.ChangeEvent) {
	ix.dispatch(task{event: ev, force: true})
}

func (ix *Indexer) dispatch(t task) {
	h := fnv.New32a()
	h.Write([]byte(t.event.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(t.event.EntityID))
	ix.depth.Inc()
	ix.queues[h.Sum32()%uint32(len(ix.queues))] <- t
}

func (ix *Indexer) worker(ctx context.Context, queue <-chan task) {
	defer ix.wg.Done()
	for t := range queue {
		ix.depth.Dec()
		if ctx.Err() != nil {
			continue // drain without processing on shutdown
		}
		if err := ix.ProcessWith(ctx, t.event, t.force); err != nil {
			if ix.deps.OnFailure != nil {
				ix.deps.OnFailure(ctx, t.event, t.retries, err)
			}
		}
	}
}

// Process runs one change event through the pipeline.
func (ix *Indexer) Process(ctx context.Context, ev domain.ChangeEvent) error {
	return ix.ProcessWith(ctx, ev, false)
}

// ProcessWith is Process with an optional force flag that bypasses the
// content-hash staleness check.
func (ix *Indexer) ProcessWith(ctx context.Context, ev domain.ChangeEvent, force bool) error {
	start := time.Now()
	err := ix.processEvent(ctx, ev, force)
	ix.latency.Since(start)
	if err != nil {
		ix.failed.Inc()
		ix.logger.Error("indexer: event failed",
			"entity_id", ev.EntityID, "entity_type", ev.EntityType,
			"tenant_id", ev.TenantID, "kind", ev.Kind, "err", err)
	}
	return err
}

func (ix *Indexer) processEvent(ctx context.Context, ev domain.ChangeEvent, force bool) error {
	if err := domain.ValidateChangeEvent(ev); err != nil {
		return err
	}

	if ev.Kind == domain.ChangeDeleted {
		if err := ix.deps.Store.DeleteEntity(ctx, ev.TenantID, ev.EntityID); err != nil {
			return err
		}
		if err := ix.deps.Status.Delete(ctx, ev.TenantID, ev.EntityID); err != nil {
			return err
		}
		ix.deleted.Inc()
		ix.logger.Info("indexer: entity removed", "entity_id", ev.EntityID, "tenant_id", ev.TenantID)
		return nil
	}

	pipeline := fn.Pipeline(
		fn.TracedStage("indexer.resolve", ix.resolveStage()),
		fn.TracedStage("indexer.extract", ix.extractStage()),
		fn.TracedStage("indexer.preprocess", ix.preprocessStage(force)),
		fn.TracedStage("indexer.embed", ix.embedStage()),
		fn.TracedStage("indexer.store", ix.storeStage()),
	)
	result := pipeline(ctx, job{event: ev})
	j, err := result.Unwrap()
	if err != nil {
		ix.recordFailure(ctx, ev, err)
		return err
	}
	if j.skipped {
		ix.skipped.Inc()
		return nil
	}
	if j.removed {
		ix.deleted.Inc()
		return nil
	}
	ix.indexed.Inc()
	ix.logger.Info("indexer: entity indexed",
		"entity_id", ev.EntityID, "tenant_id", ev.TenantID,
		"chunks", len(j.vectors), "model", j.modelID)
	return nil
}

// job carries one event's state between pipeline stages.
type job struct {
	event     domain.ChangeEvent
	tpl       domain.EmbeddingTemplate
	entity    domain.Entity
	extracted domain.ExtractedText
	fullText  string
	hash      string
	modelID   string
	chunks    []domain.Chunk
	vectors   []domain.EmbeddingVector
	skipped   bool // staleness or empty extraction short-circuit
	removed   bool // entity vanished between event and processing
}

func (ix *Indexer) resolveStage() fn.Stage[job, job] {
	return func(ctx context.Context, j job) fn.Result[job] {
		tpl, err := ix.deps.Resolver.Resolve(j.event.EntityType)
		if err != nil {
			return fn.Err[job](err)
		}
		j.tpl = tpl
		return fn.Ok(j)
	}
}

func (ix *Indexer) extractStage() fn.Stage[job, job] {
	return func(ctx context.Context, j job) fn.Result[job] {
		if err := ix.setState(ctx, j.event, domain.StateExtracting, "", 0); err != nil {
			return fn.Err[job](err)
		}
		entity, err := ix.deps.Reader.Get(ctx, j.event.EntityID)
		if errors.Is(err, domain.ErrEntityNotFound) {
			// Deleted between the event and now; treat as removal.
			if derr := ix.deps.Store.DeleteEntity(ctx, j.event.TenantID, j.event.EntityID); derr != nil {
				return fn.Err[job](derr)
			}
			if derr := ix.deps.Status.Delete(ctx, j.event.TenantID, j.event.EntityID); derr != nil {
				return fn.Err[job](derr)
			}
			j.removed = true
			return fn.Ok(j)
		}
		if err != nil {
			return fn.Err[job](fmt.Errorf("indexer: load entity %s: %w", j.event.EntityID, err))
		}
		j.entity = entity

		text, err := ix.deps.Extractor.Extract(ctx, entity, j.tpl)
		if err != nil {
			return fn.Err[job](err)
		}
		if text.Empty() {
			// Nothing indexable; supersede any previous vectors.
			if derr := ix.deps.Store.DeleteEntity(ctx, j.event.TenantID, j.event.EntityID); derr != nil {
				return fn.Err[job](derr)
			}
			if serr := ix.setState(ctx, j.event, domain.StateSkipped, "", 0); serr != nil {
				return fn.Err[job](serr)
			}
			j.skipped = true
			return fn.Ok(j)
		}
		j.extracted = text
		j.fullText = text.Text
		return fn.Ok(j)
	}
}

func (ix *Indexer) preprocessStage(force bool) fn.Stage[job, job] {
	return func(ctx context.Context, j job) fn.Result[job] {
		if j.skipped || j.removed {
			return fn.Ok(j)
		}
		normalized := preprocess.Normalize(j.fullText, j.tpl.Preprocessing)
		j.modelID = j.tpl.Model.ModelID
		j.hash = embed.ContentHash(normalized, j.modelID)

		if !force {
			prior, ok, err := ix.deps.Status.Get(ctx, j.event.TenantID, j.event.EntityID)
			if err != nil {
				return fn.Err[job](err)
			}
			if ok && prior.State == domain.StateIndexed && prior.ContentHash == j.hash {
				j.skipped = true
				ix.logger.Debug("indexer: content unchanged, skipping",
					"entity_id", j.event.EntityID, "tenant_id", j.event.TenantID)
				return fn.Ok(j)
			}
		}

		j.chunks = preprocess.Chunk(normalized, j.tpl.Preprocessing)
		return fn.Ok(j)
	}
}

func (ix *Indexer) embedStage() fn.Stage[job, job] {
	return func(ctx context.Context, j job) fn.Result[job] {
		if j.skipped || j.removed {
			return fn.Ok(j)
		}
		if err := ix.setState(ctx, j.event, domain.StateEmbedding, j.hash, 0); err != nil {
			return fn.Err[job](err)
		}
		texts := make([]string, len(j.chunks))
		for i, c := range j.chunks {
			texts[i] = c.Text
		}
		embeddings, err := ix.deps.Generator.Generate(ctx, texts, j.tpl.Model, j.tpl.Normalization)
		if err != nil {
			return fn.Err[job](err)
		}

		now := time.Now().UTC()
		j.vectors = make([]domain.EmbeddingVector, len(j.chunks))
		for i, c := range j.chunks {
			j.vectors[i] = domain.EmbeddingVector{
				ID:          vecstore.PointID(j.event.TenantID, j.event.EntityID, c.Index),
				EntityID:    j.event.EntityID,
				EntityType:  j.event.EntityType,
				TenantID:    j.event.TenantID,
				ChunkIndex:  c.Index,
				ModelID:     embeddings[i].ModelID,
				Dim:         len(embeddings[i].Values),
				Values:      embeddings[i].Values,
				ContentHash: j.hash,
				Snippet:     snippet(c.Text),
				Field:       j.extracted.FieldAt(c.Start),
				CreatedAt:   now,
			}
		}
		return fn.Ok(j)
	}
}

func (ix *Indexer) storeStage() fn.Stage[job, job] {
	return func(ctx context.Context, j job) fn.Result[job] {
		if j.skipped || j.removed {
			return fn.Ok(j)
		}
		if err := ix.deps.Store.ReplaceEntity(ctx, j.event.TenantID, j.event.EntityID, j.vectors); err != nil {
			return fn.Err[job](err)
		}
		if err := ix.setState(ctx, j.event, domain.StateIndexed, j.hash, len(j.vectors)); err != nil {
			return fn.Err[job](err)
		}
		return fn.Ok(j)
	}
}

// MarkReceived records that a change event arrived and is queued. Rows already
// in the indexed state are left untouched; overwriting them would discard the
// content hash the staleness short-circuit compares against.
func (ix *Indexer) MarkReceived(ctx context.Context, ev domain.ChangeEvent) {
	if ev.Kind == domain.ChangeDeleted {
		return
	}
	prior, ok, err := ix.deps.Status.Get(ctx, ev.TenantID, ev.EntityID)
	if err != nil {
		ix.logger.Warn("indexer: mark received", "entity_id", ev.EntityID, "err", err)
		return
	}
	if ok && prior.State == domain.StateIndexed {
		return
	}
	if err := ix.setState(ctx, ev, domain.StateReceived, prior.ContentHash, prior.ChunkCount); err != nil {
		ix.logger.Warn("indexer: mark received", "entity_id", ev.EntityID, "err", err)
	}
}

func (ix *Indexer) setState(ctx context.Context, ev domain.ChangeEvent, state domain.IndexState, hash string, chunks int) error {
	return ix.deps.Status.Put(ctx, domain.IndexStatus{
		EntityID:    ev.EntityID,
		EntityType:  ev.EntityType,
		TenantID:    ev.TenantID,
		State:       state,
		ContentHash: hash,
		ChunkCount:  chunks,
		UpdatedAt:   time.Now().UTC(),
	})
}

func (ix *Indexer) recordFailure(ctx context.Context, ev domain.ChangeEvent, err error) {
	serr := ix.deps.Status.Put(ctx, domain.IndexStatus{
		EntityID:   ev.EntityID,
		EntityType: ev.EntityType,
		TenantID:   ev.TenantID,
		State:      domain.StateFailed,
		LastError:  err.Error(),
		UpdatedAt:  time.Now().UTC(),
	})
	if serr != nil {
		ix.logger.Error("indexer: record failure", "entity_id", ev.EntityID, "err", serr)
	}
}

// Permanent reports whether an error cannot succeed on retry. The consumer
// routes these straight to the DLQ.
func Permanent(err error) bool {
	return errors.Is(err, domain.ErrUnknownEntityType) ||
		errors.Is(err, domain.ErrExtraction) ||
		errors.Is(err, domain.ErrInvalidEvent)
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= snippetLen {
		return text
	}
	cut := snippetLen
	for cut > 0 && (text[cut]&0xC0) == 0x80 {
		cut--
	}
	return text[:cut]
}
