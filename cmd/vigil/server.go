package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/vigil/internal/api"
	"github.com/rcourtman/vigil/internal/cache"
	"github.com/rcourtman/vigil/internal/config"
	"github.com/rcourtman/vigil/internal/correlation"
	"github.com/rcourtman/vigil/internal/dashboard"
	"github.com/rcourtman/vigil/internal/embedding"
	"github.com/rcourtman/vigil/internal/ipenrich"
	"github.com/rcourtman/vigil/internal/llm"
	"github.com/rcourtman/vigil/internal/logging"
	"github.com/rcourtman/vigil/internal/models"
	"github.com/rcourtman/vigil/internal/pipeline"
	"github.com/rcourtman/vigil/internal/pool"
	"github.com/rcourtman/vigil/internal/rules"
	"github.com/rcourtman/vigil/internal/store"
	"github.com/rcourtman/vigil/internal/vectorstore"
	"github.com/rcourtman/vigil/internal/watcher"
	"github.com/rcourtman/vigil/internal/websocket"
)

const (
	statusBroadcastInterval    = 30 * time.Second
	dashboardBroadcastInterval = 10 * time.Second
	shutdownTimeout            = 30 * time.Second
)

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "vigil",
	})
	log.Info().
		Str("version", Version).
		Str("build", BuildTime).
		Str("commit", GitCommit).
		Msg("Starting Vigil")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence.
	storeCfg := store.DefaultConfig(cfg.DataPath)
	if cfg.Retention.EventDays > 0 {
		storeCfg.EventRetention = time.Duration(cfg.Retention.EventDays) * 24 * time.Hour
	}
	if cfg.Retention.CorrelationDays > 0 {
		storeCfg.CorrelationRetention = time.Duration(cfg.Retention.CorrelationDays) * 24 * time.Hour
	}
	st, err := store.New(storeCfg)
	if err != nil {
		log.Fatal().Err(err).Str("path", storeCfg.DBPath).Msg("Failed to open database")
	}
	defer st.Close()

	// Shared cache.
	cacheCfg := cache.DefaultConfig()
	if cfg.Cache.MaxMemoryMB > 0 {
		cacheCfg.MaxMemoryBytes = int64(cfg.Cache.MaxMemoryMB) * 1024 * 1024
	}
	if cfg.Cache.DefaultTTLMin > 0 {
		cacheCfg.DefaultTTL = time.Duration(cfg.Cache.DefaultTTLMin) * time.Minute
	}
	if cfg.Cache.PerKeyspaceMaxEntries > 0 {
		cacheCfg.PerKeyspaceMax = cfg.Cache.PerKeyspaceMaxEntries
	}
	if cfg.Cache.SimilarityThreshold > 0 {
		cacheCfg.SimilarityThreshold = cfg.Cache.SimilarityThreshold
	}
	sharedCache := cache.New(cacheCfg)

	// Upstream pool and vector store, only when instances are configured.
	var dbPool *pool.Pool
	var vectors *vectorstore.Client
	if len(cfg.Pool.Instances) > 0 {
		dbPool = pool.New(poolConfig(cfg))
		dbPool.Start()
		defer dbPool.Stop()

		vectors = vectorstore.New(vectorstore.Config{
			Collection: cfg.Vector.Collection,
			Dimension:  cfg.Vector.Dimension,
			AutoCreate: cfg.Vector.AutoCreate,
		}, dbPool, sharedCache)
		ensureCtx, ensureCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := vectors.EnsureCollection(ensureCtx); err != nil {
			log.Warn().Err(err).Str("collection", cfg.Vector.Collection).
				Msg("Vector collection unavailable, similarity search disabled")
			vectors = nil
		}
		ensureCancel()
	} else {
		log.Info().Msg("No vector database instances configured, similarity search disabled")
	}

	// Embedding provider. Only useful with a vector store to index into,
	// but the search API also needs it, so it is built independently.
	var embedder *embedding.Embedder
	if provider := embeddingProvider(cfg.Embedding); provider != nil {
		embedder = embedding.NewEmbedder(provider, sharedCache, cfg.Vector.Dimension, cacheCfg.DefaultTTL)
	}

	// LLM analyzer ensemble.
	var analyzer *llm.Analyzer
	if cfg.LLM.Enabled {
		analyzer, err = llm.NewAnalyzer(cfg.LLM, sharedCache)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build LLM analyzer")
		}
		log.Info().Int("models", len(cfg.LLM.Models)).
			Str("voting", cfg.LLM.VotingStrategy).Msg("LLM analysis enabled")
	}

	// IP enrichment.
	enricher := ipenrich.New(cfg.IPEnrich, sharedCache)

	// Deterministic rule detector, seeded from file if configured.
	detector := rules.NewDetector(st, time.Duration(cfg.Rules.RefreshTTLMin)*time.Minute)
	if cfg.Rules.File != "" {
		if n, err := rules.LoadSeedFile(ctx, cfg.Rules.File, st); err != nil {
			log.Warn().Err(err).Str("file", cfg.Rules.File).Msg("Rule seed file load failed")
		} else {
			log.Info().Int("loaded", n).Str("file", cfg.Rules.File).Msg("Rule seed file loaded")
		}
		if err := rules.WatchSeedFile(ctx, cfg.Rules.File, st, detector); err != nil {
			log.Warn().Err(err).Str("file", cfg.Rules.File).Msg("Rule seed watch failed")
		}
	}
	if err := detector.Refresh(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load detection rules")
	}
	detector.Start(ctx)
	defer detector.Stop()

	// WebSocket hub.
	hub := websocket.NewHub()
	go hub.Run()

	// Dashboard snapshots and component health.
	health := dashboard.NewHealthRegistry()
	dash := dashboard.NewBuilder(st, health, nil)

	// Correlation engine.
	correlator, err := correlation.New(cfg.Correlation, st)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build correlation engine")
	}
	correlator.SetOnDetected(func(c *models.Correlation) {
		dash.Invalidate()
		hub.BroadcastCorrelation(c)
	})
	correlator.Start(ctx)
	defer correlator.Stop()
	if cfg.Correlation.RulesFile != "" {
		if err := correlator.WatchRulesFile(ctx, cfg.Correlation.RulesFile); err != nil {
			log.Warn().Err(err).Str("file", cfg.Correlation.RulesFile).Msg("Correlation rules watch failed")
		}
	}

	// Processing pipeline.
	deps := pipeline.Deps{
		Store:      st,
		Classifier: detector,
		Correlator: correlator,
		Hub:        hub,
		LLMTopK:    cfg.LLM.TopKNeighbors,
	}
	if embedder != nil {
		deps.Embedder = embedder
	}
	if vectors != nil {
		deps.Vectors = vectors
	}
	if analyzer != nil {
		deps.Analyzer = analyzer
	}
	deps.IPEnrich = enricher
	deps.MemoryReclaim = func() {
		sharedCache.EvictToWatermark()
	}
	orch := pipeline.New(cfg.Pipeline, deps)
	orch.Start(ctx)
	defer orch.Stop()

	// Log watcher feeding the pipeline. Records are acked once durably
	// persisted so bookmarks never pass unprocessed records.
	channelDir := filepath.Join(cfg.DataPath, "channels")
	logWatcher := watcher.New(cfg.LogWatcher, watcher.NewFileSource(channelDir), st)
	logWatcher.SetHandler(func(ctx context.Context, rec *models.RawRecord, ack func()) {
		if !orch.Submit(ctx, rec, ack) {
			log.Warn().Str("channel", rec.Channel).Int("event_id", rec.EventID).
				Msg("Pipeline rejected record")
		}
	})
	if err := logWatcher.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start log watcher")
	}
	defer logWatcher.Stop()

	registerHealthProbes(health, cfg, st, dbPool, orch, correlator, logWatcher)

	// Periodic vector retention sweep.
	if vectors != nil && cfg.Retention.VectorSweepIntervalMin > 0 {
		go runVectorSweeper(ctx, vectors, storeCfg.EventRetention,
			time.Duration(cfg.Retention.VectorSweepIntervalMin)*time.Minute)
	}

	// Live status and dashboard pushes.
	go runBroadcasters(ctx, hub, health, dash)

	// HTTP front end.
	router := api.NewRouter(api.Deps{
		Config:     cfg,
		Store:      st,
		Detector:   detector,
		Correlator: correlator,
		Dashboard:  dash,
		Health:     health,
		Hub:        hub,
		Pool:       dbPool,
		Pipeline:   orch,
		Watcher:    logWatcher,
		Cache:      sharedCache,
		Embedder:   embedder,
		Vectors:    vectors,
	})
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	// Stop intake first so in-flight work can drain, then close outward
	// surfaces. Deferred Stops handle the pipeline, correlator and store.
	logWatcher.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	orch.Stop()
	correlator.Stop()
	hub.Close()
	log.Info().Msg("Shutdown complete")
}

func poolConfig(cfg *config.Config) pool.Config {
	instances := make([]pool.InstanceConfig, 0, len(cfg.Pool.Instances))
	for _, in := range cfg.Pool.Instances {
		instances = append(instances, pool.InstanceConfig{
			Host:     in.Host,
			Port:     in.Port,
			Weight:   in.Weight,
			UseHTTPS: in.UseHTTPS,
		})
	}
	return pool.Config{
		Instances:                   instances,
		Algorithm:                   cfg.Pool.Algorithm,
		ConnectionTimeout:           time.Duration(cfg.Pool.ConnectionTimeoutSeconds) * time.Second,
		RequestTimeout:              time.Duration(cfg.Pool.RequestTimeoutSeconds) * time.Second,
		EnableFailover:              cfg.Pool.EnableFailover,
		MinHealthyInstances:         cfg.Pool.MinHealthyInstances,
		HealthCheckInterval:         time.Duration(cfg.Health.CheckIntervalSeconds) * time.Second,
		HealthCheckTimeout:          time.Duration(cfg.Health.CheckTimeoutSeconds) * time.Second,
		HealthCheckPath:             "/healthz",
		ConsecutiveFailureThreshold: cfg.Health.ConsecutiveFailureThreshold,
		ConsecutiveSuccessThreshold: cfg.Health.ConsecutiveSuccessThreshold,
	}
}

func embeddingProvider(cfg config.EmbeddingConfig) embedding.Provider {
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			log.Warn().Msg("OpenAI embedding provider configured without API key, embeddings disabled")
			return nil
		}
		return embedding.NewOpenAIProvider(cfg.Model, cfg.BaseURL, cfg.APIKey)
	case "ollama":
		return embedding.NewOllamaProvider(cfg.Model, cfg.BaseURL)
	case "", "none":
		return nil
	default:
		log.Warn().Str("provider", cfg.Provider).Msg("Unknown embedding provider, embeddings disabled")
		return nil
	}
}

func registerHealthProbes(health *dashboard.HealthRegistry, cfg *config.Config,
	st *store.Store, dbPool *pool.Pool, orch *pipeline.Orchestrator,
	correlator *correlation.Engine, logWatcher *watcher.Watcher) {

	health.RegisterStatic("store", func() (bool, string) {
		return true, "open"
	})
	health.RegisterStatic("pipeline", func() (bool, string) {
		s := orch.GetStats()
		if s.QueueCapacity > 0 && s.QueueDepth >= s.QueueCapacity {
			return false, fmt.Sprintf("intake queue full (%d)", s.QueueDepth)
		}
		return true, fmt.Sprintf("queue %d/%d", s.QueueDepth, s.QueueCapacity)
	})
	health.RegisterStatic("correlation", func() (bool, string) {
		s := correlator.GetStats()
		return true, fmt.Sprintf("windows %d, queue %d", s.Windows, s.QueueDepth)
	})
	health.RegisterStatic("log_watcher", func() (bool, string) {
		failed := 0
		for _, ch := range logWatcher.Statuses() {
			if ch.State == "failed" {
				failed++
			}
		}
		if failed > 0 {
			return false, fmt.Sprintf("%d channel(s) failed", failed)
		}
		return true, "all channels running"
	})
	if dbPool != nil {
		minHealthy := cfg.Pool.MinHealthyInstances
		health.RegisterStatic("vector_pool", func() (bool, string) {
			healthy := dbPool.HealthyCount()
			if healthy < minHealthy {
				return false, fmt.Sprintf("%d/%d healthy instances", healthy, len(cfg.Pool.Instances))
			}
			return true, fmt.Sprintf("%d/%d healthy instances", healthy, len(cfg.Pool.Instances))
		})
	}
}

func runVectorSweeper(ctx context.Context, vectors *vectorstore.Client, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if err := vectors.DeleteBefore(sweepCtx, time.Now().Add(-retention)); err != nil {
				log.Warn().Err(err).Msg("Vector retention sweep failed")
			}
			cancel()
		}
	}
}

func runBroadcasters(ctx context.Context, hub *websocket.Hub, health *dashboard.HealthRegistry, dash *dashboard.Builder) {
	statusTicker := time.NewTicker(statusBroadcastInterval)
	dashTicker := time.NewTicker(dashboardBroadcastInterval)
	defer statusTicker.Stop()
	defer dashTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-statusTicker.C:
			hub.BroadcastSystemStatus(health.Stats())
		case <-dashTicker.C:
			if hub.ClientCount() == 0 {
				continue
			}
			snapCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			snap, err := dash.Snapshot(snapCtx, models.Range24h)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("Dashboard snapshot failed")
				continue
			}
			hub.BroadcastDashboard(snap)
		}
	}
}
