package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/auth"
	"github.com/becomeliminal/memoryd/internal/cache"
	"github.com/becomeliminal/memoryd/internal/config"
	"github.com/becomeliminal/memoryd/internal/embedder"
	"github.com/becomeliminal/memoryd/internal/metrics"
	"github.com/becomeliminal/memoryd/internal/replication"
	"github.com/becomeliminal/memoryd/internal/server"
	"github.com/becomeliminal/memoryd/internal/session"
	"github.com/becomeliminal/memoryd/internal/store"
	"github.com/becomeliminal/memoryd/internal/summarize"
	"github.com/becomeliminal/memoryd/internal/vector"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the memory daemon",
		Run:   runServe,
	}
	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, _ []string) {
	logger, err := newLogger()
	if err != nil {
		exitErr("init logger", err)
	}
	defer logger.Sync()

	cfg := loadConfig()
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger.Info("starting memoryd",
		zap.String("node_id", nodeID),
		zap.String("role", cfg.Role),
		zap.String("db", cfg.DBPath))

	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		exitErr("open store", err)
	}
	defer st.Close()

	replicated := cfg.PeerURL != ""
	if replicated {
		st.EnableOutbox(nodeID)
	}

	emb, err := buildEmbedder(cfg)
	if err != nil {
		exitErr("init embedder", err)
	}

	summarizer := buildSummarizer(cfg)
	m := metrics.New()
	vectors := vector.New(logger)
	hot := cache.New(cfg.CacheCapacity)

	sessions := session.NewManager(st, summarizer, session.Config{
		IdleAfter:     cfg.SessionIdleAfter,
		SweepInterval: cfg.SweepInterval,
	}, logger)

	// A replica applies the primary's records on ties; the primary
	// keeps its own copy on ties with replica records.
	tieWins := cfg.Role == config.RoleReplica

	var applier *replication.Applier
	var sender *replication.Sender
	var reconciler *replication.Reconciler
	if replicated {
		applier = replication.NewApplier(st, nodeID, tieWins, logger)
		peer := replication.NewClient(cfg.PeerURL, nodeID, cfg.CallTimeout, logger)
		defer peer.Close()
		sender = replication.NewSender(st, peer, m, replication.SenderConfig{
			NodeID:         nodeID,
			Interval:       cfg.ReplicationInterval,
			AlertThreshold: int64(cfg.OutboxAlertThreshold),
		}, logger)
		reconciler = replication.NewReconciler(st, peer, replication.ReconcilerConfig{
			NodeID:   nodeID,
			Interval: cfg.ReconcileInterval,
			TieWins:  tieWins,
		}, logger)
	}

	svc := server.NewService(server.ServiceDeps{
		Store:      st,
		Vectors:    vectors,
		Cache:      hot,
		Sessions:   sessions,
		Embedder:   emb,
		Summarizer: summarizer,
		Applier:    applier,
		Metrics:    m,
		Logger:     logger,
		CacheTTL:   cfg.CacheTTL,
	})

	var limiter auth.RateLimiter = auth.Unlimited{}
	if cfg.RateLimitPerMin > 0 {
		limiter = auth.NewTokenBucket(cfg.RateLimitPerMin, time.Minute/time.Duration(cfg.RateLimitPerMin))
	}

	authorizer, err := buildAuthorizer(cfg)
	if err != nil {
		exitErr("parse auth config", err)
	}
	dispatcher := server.NewDispatcher(svc, authorizer, limiter, m, cfg.CallTimeout, logger)
	srv := server.NewServer(cfg.ListenAddr, cfg.TLSCertFile, cfg.TLSKeyFile, dispatcher, logger)
	sweeper := server.NewSweeper(st, vectors, hot, m, cfg.SweepInterval, cfg.PurgeRetention, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions.Start(ctx)
	sweeper.Start(ctx)
	if sender != nil {
		sender.Start(ctx)
		reconciler.Start(ctx)
	}
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, m, logger)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if sender != nil {
		sender.Stop()
		reconciler.Stop()
	}
	sweeper.Stop()
	sessions.Stop()
}

func buildEmbedder(cfg *config.Config) (embedder.Embedder, error) {
	var inner embedder.Embedder
	switch cfg.Embedder {
	case "onnx":
		e, err := embedder.NewONNX(embedder.ONNXConfig{
			ModelPath:         cfg.ONNXModelPath,
			TokenizerPath:     cfg.ONNXTokenizer,
			SharedLibraryPath: cfg.ONNXLibrary,
			ModelName:         cfg.EmbeddingModel,
		})
		if err != nil {
			return nil, err
		}
		inner = e
	default:
		inner = embedder.NewMock(0)
	}
	return embedder.NewCached(inner, cfg.EmbedCacheBytes)
}

// buildAuthorizer returns the scope table configured through
// MEMORYD_AUTH_AGENTS and MEMORYD_AUTH_DEFAULT_SCOPES, or AllowAll when
// neither is set.
func buildAuthorizer(cfg *config.Config) (auth.Authorizer, error) {
	if cfg.AuthAgents == "" && cfg.AuthDefaultScopes == "" {
		return auth.AllowAll{}, nil
	}
	return auth.ParseStatic(cfg.AuthAgents, cfg.AuthDefaultScopes)
}

func buildSummarizer(cfg *config.Config) summarize.Summarizer {
	if cfg.AnthropicAPIKey == "" {
		return &summarize.Extractive{}
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
	return summarize.NewClaude(&client, cfg.SummaryModel)
}

func serveMetrics(addr string, m *metrics.Metrics, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", zap.Error(err))
	}
}
