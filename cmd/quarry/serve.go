package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry-engine/engine/api"
	"github.com/quarryhq/quarry-engine/engine/config"
	"github.com/quarryhq/quarry-engine/engine/embed"
	"github.com/quarryhq/quarry-engine/engine/extract"
	"github.com/quarryhq/quarry-engine/engine/indexer"
	"github.com/quarryhq/quarry-engine/engine/rag"
	"github.com/quarryhq/quarry-engine/engine/search"
	"github.com/quarryhq/quarry-engine/engine/template"
	"github.com/quarryhq/quarry-engine/engine/vecstore"
	"github.com/quarryhq/quarry-engine/pkg/metrics"
	"github.com/quarryhq/quarry-engine/pkg/ollama"
	"github.com/quarryhq/quarry-engine/pkg/repo"
)

func newServeCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the indexing consumer and query API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	reg.ServeAsync(cfg.HTTP.MetricsPort)

	// --- Templates ---
	registry, err := template.NewRegistry(cfg.Templates)
	if err != nil {
		return err
	}
	resolver := template.NewResolver(registry, cfg.KnownTypes, cfg.DefaultModel)

	// --- Caches ---
	var (
		embedCache  embed.Cache
		resultCache *search.ResultCache
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		embedCache = embed.NewRedisCache(rdb, cfg.Redis.EmbedTTL)
		resultCache = search.NewResultCache(rdb, cfg.Redis.SearchTTL)
	} else {
		embedCache, err = embed.NewMemoryCache(cfg.Redis.MemoryFallback)
		if err != nil {
			return err
		}
	}

	// --- Embedding generator ---
	embedder := ollama.New(cfg.Ollama.URL, ollama.Opts{RequestsPerSecond: cfg.Ollama.RequestsPerSecond})
	genOpts := embed.DefaultGeneratorOpts()
	genOpts.Metrics = reg
	generator := embed.NewGenerator(embedder, embedCache, genOpts, logger)

	// --- Vector store ---
	metric := vecstore.Metric(cfg.Qdrant.Metric)
	var store vecstore.Store
	if cfg.Qdrant.InMemory {
		store = vecstore.NewMemory(metric)
	} else {
		store, err = vecstore.NewQdrant(cfg.Qdrant.Addr, cfg.Qdrant.Collection)
		if err != nil {
			return fmt.Errorf("qdrant connect: %w", err)
		}
	}
	defer store.Close()
	if err := store.EnsureCollection(ctx, cfg.Qdrant.Dim, metric); err != nil {
		return err
	}

	// --- Entity source ---
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Pass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(ctx)
	reader := repo.NewNeo4jReader(driver, "Entity")

	// --- Indexer + change feed consumer ---
	status, err := indexer.OpenStatusStore(cfg.Indexer.StatusDSN)
	if err != nil {
		return err
	}
	defer status.Close()

	ix := indexer.New(indexer.Deps{
		Resolver:  resolver,
		Reader:    reader,
		Extractor: extract.New(reader, extract.DefaultConfig(), logger),
		Generator: generator,
		Store:     store,
		Status:    status,
		Metrics:   reg,
		Logger:    logger,
	}, indexer.Opts{Workers: cfg.Indexer.Workers, QueueSize: cfg.Indexer.QueueSize})

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("quarry"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	consumer, err := indexer.StartConsumer(ctx, nc, ix, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	// --- Query surface ---
	searchOpts := search.DefaultOptions()
	searchOpts.Alpha = cfg.Search.Alpha
	searcher := search.New(store, generator, resolver, resultCache, searchOpts, logger)

	ragOpts := rag.DefaultOptions()
	ragOpts.TokenBudget = cfg.RAG.TokenBudget
	ragOpts.MaxPerEntity = cfg.RAG.MaxPerEntity
	retriever := rag.New(searcher, ragOpts, logger)

	handler := api.NewHandler(api.Deps{
		Searcher:    searcher,
		Retriever:   retriever,
		Reprocessor: indexer.NewReprocessor(ix, reader, cfg.Indexer.Concurrency, logger),
		Status:      status,
		Logger:      logger,
		CORSOrigin:  cfg.HTTP.CORSOrigin,
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
