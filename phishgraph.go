// Package phishgraph is the public API for embedding the PhishGraph
// investigation server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := phishgraph.New(
//	    phishgraph.WithVersion(version),
//	    phishgraph.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: phishgraph (root)
// imports internal/*, but internal/* never imports the root.
package phishgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/phishgraph/phishgraph/api"
	"github.com/phishgraph/phishgraph/internal/agent"
	"github.com/phishgraph/phishgraph/internal/auth"
	"github.com/phishgraph/phishgraph/internal/config"
	"github.com/phishgraph/phishgraph/internal/graph"
	"github.com/phishgraph/phishgraph/internal/mcp"
	"github.com/phishgraph/phishgraph/internal/packs"
	"github.com/phishgraph/phishgraph/internal/ratelimit"
	"github.com/phishgraph/phishgraph/internal/search"
	"github.com/phishgraph/phishgraph/internal/server"
	"github.com/phishgraph/phishgraph/internal/service/embedding"
	"github.com/phishgraph/phishgraph/internal/service/investigations"
	"github.com/phishgraph/phishgraph/internal/storage"
	"github.com/phishgraph/phishgraph/internal/telemetry"
	"github.com/phishgraph/phishgraph/migrations"
)

// App is the PhishGraph server lifecycle. Construct with New(), run with
// Run(). App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	graphStore   *graph.Store
	srv          *server.Server
	packCache    *packs.Cache
	outbox       *search.OutboxWorker
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the PhishGraph server. It connects to Neo4j and Postgres,
// runs migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.maxHops != 0 {
		cfg.MaxHops = o.maxHops
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("phishgraph starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to the graph store.
	graphStore, err := graph.NewStore(context.Background(), graph.StoreConfig{
		URI:      cfg.Neo4jURI,
		Username: cfg.Neo4jUser,
		Password: cfg.Neo4jPassword,
		Database: cfg.Neo4jDatabase,
	}, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("graph: %w", err)
	}

	// Connect to Postgres and migrate.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = graphStore.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = graphStore.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = graphStore.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Embedding provider. An external override takes priority over config.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &providerAdapter{p: o.embeddingProvider}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Qdrant search index and outbox worker.
	var searcher search.Searcher
	var qdrantIndex *search.QdrantIndex
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			db.Close()
			_ = graphStore.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			db.Close()
			_ = graphStore.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	// Graph tool surface for the reasoning loop.
	executor := graph.NewExecutor(graphStore, logger, cfg.ToolTimeout)
	introspector := graph.NewIntrospector(graphStore, logger)
	algorithms := graph.NewAlgorithmRunner(graphStore, logger)
	registry := agent.NewRegistry(executor, introspector, algorithms)

	if cfg.OpenAIAPIKey == "" && cfg.ReasonerBaseURL == "" {
		logger.Warn("no OPENAI_API_KEY and no PHISHGRAPH_REASONER_BASE_URL; investigations will fail until one is set")
	}
	reasoner := agent.NewOpenAIReasoner(agent.OpenAIConfig{
		APIKey:    cfg.OpenAIAPIKey,
		BaseURL:   cfg.ReasonerBaseURL,
		Model:     cfg.ReasonerModel,
		MaxTokens: cfg.ReasonerMaxTokens,
	})
	orchestrator := agent.NewOrchestrator(reasoner, registry, logger, agent.OrchestratorConfig{
		MaxHops:     cfg.MaxHops,
		ToolTimeout: cfg.ToolTimeout,
	})

	invSvc := investigations.New(db, orchestrator, embedder, searcher, logger)

	// Catch rows whose inline embedding failed on a previous run (non-fatal).
	if n, err := invSvc.BackfillEmbeddings(context.Background(), 500); err != nil {
		logger.Warn("embedding backfill failed", "error", err)
	} else if n > 0 {
		logger.Info("embedding backfill complete", "count", n)
	}

	// Subgraph packs.
	packCache := packs.NewCache()
	packGen := packs.NewGenerator(graphStore, packCache, logger)

	// MCP server.
	mcpSrv := mcp.New(invSvc, packGen, executor, introspector, db, logger, version)

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitPerMinute)/60.0, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"per_minute", cfg.RateLimitPerMinute, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Graph:               graphStore,
		JWTMgr:              jwtMgr,
		InvestigationSvc:    invSvc,
		PackGen:             packGen,
		PackCache:           packCache,
		Searcher:            searcher,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	if err := srv.Handlers().SeedAdmin(context.Background(), cfg.AdminAPIKey); err != nil {
		db.Close()
		_ = graphStore.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		graphStore:   graphStore,
		srv:          srv,
		packCache:    packCache,
		outbox:       outboxWorker,
		qdrantIndex:  qdrantIndex,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts background workers and the HTTP server, then blocks until ctx
// is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown: stop accepting HTTP requests and
// drain in-flight investigations, then drain remaining outbox entries to
// Qdrant, then close connections.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("phishgraph shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.outbox != nil {
		outboxCtx, outboxCancel := context.WithTimeout(ctx, 30*time.Second)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	a.packCache.Close()
	_ = a.limiter.Close()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	_ = a.graphStore.Close(context.Background())
	a.db.Close()

	a.logger.Info("phishgraph stopped")
	return nil
}

// newEmbeddingProvider selects the embedding backend from config.
// "auto" prefers OpenAI when an API key is present and falls back to the
// local Ollama default otherwise.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	switch cfg.EmbeddingProvider {
	case "openai":
		logger.Info("embedding: openai", "model", cfg.EmbeddingModel, "dims", cfg.EmbeddingDimensions)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	case "ollama":
		logger.Info("embedding: ollama", "model", cfg.OllamaModel, "dims", cfg.EmbeddingDimensions)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	case "noop":
		logger.Warn("embedding: noop (similar-case recall disabled)")
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	default:
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding: auto-detected openai", "model", cfg.EmbeddingModel)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		}
		logger.Info("embedding: auto-detected ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	}
}

// EmbeddingProvider is the public embedding extension point. Implementations
// replace the built-in OpenAI/Ollama providers.
type EmbeddingProvider interface {
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the vector size every Embed call produces.
	Dimensions() int
}

// providerAdapter bridges the public EmbeddingProvider to the internal
// embedding.Provider contract.
type providerAdapter struct {
	p EmbeddingProvider
}

func (a *providerAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *providerAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		vec, err := a.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (a *providerAdapter) Dimensions() int {
	return a.p.Dimensions()
}
