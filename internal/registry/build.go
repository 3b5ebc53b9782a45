package registry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/advisor/internal/aggregate"
	"github.com/Kocoro-lab/advisor/internal/colleges"
	"github.com/Kocoro-lab/advisor/internal/config"
	"github.com/Kocoro-lab/advisor/internal/db"
	"github.com/Kocoro-lab/advisor/internal/deadline"
	"github.com/Kocoro-lab/advisor/internal/embeddings"
	"github.com/Kocoro-lab/advisor/internal/health"
	"github.com/Kocoro-lab/advisor/internal/intent"
	"github.com/Kocoro-lab/advisor/internal/llm"
	"github.com/Kocoro-lab/advisor/internal/policy"
	"github.com/Kocoro-lab/advisor/internal/safety"
	"github.com/Kocoro-lab/advisor/internal/session"
	"github.com/Kocoro-lab/advisor/internal/sources"
	"github.com/Kocoro-lab/advisor/internal/sources/semantic"
	"github.com/Kocoro-lab/advisor/internal/sources/structured"
	"github.com/Kocoro-lab/advisor/internal/sources/web"
	"github.com/Kocoro-lab/advisor/internal/state"
	"github.com/Kocoro-lab/advisor/internal/vectordb"
)

// Build constructs every shared client from cfg. The warehouse must be reachable;
// Redis falls back to an in-process session store so advising keeps working.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ServiceRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ServiceRegistry{
		Logger:         logger,
		Aliases:        colleges.Default(),
		Health:         health.NewManager(logger),
		RequestTimeout: cfg.Workflow.RequestTimeout(),
		SourceTimeout:  cfg.SourceTimeout(),
		HistoryWindow:  cfg.Redis.MaxHistory,
	}
	r.OnReload(func(cm *config.ConfigManager) {
		cm.RegisterHandler(colleges.FileName, r.Aliases.HandleChange)
	})

	llmClient := llm.NewServiceClient(cfg.LLM.URL, logger)
	caller := llm.NewCaller(llmClient, cfg.LLM.Timeout(), logger)
	_ = r.Health.RegisterChecker(health.NewLLMServiceHealthChecker(llmClient, logger))

	if err := r.buildSafety(cfg, caller); err != nil {
		return nil, err
	}
	r.Intent = intent.NewClassifier(caller, r.Aliases, logger)
	r.Aggregator = aggregate.New(caller, logger)

	warehouse, err := r.buildWarehouse(ctx, cfg)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	r.Structured = structured.New(warehouse, logger, structured.WithAliases(r.Aliases))
	r.Deadlines = deadline.New(warehouse, r.Aliases, logger)

	r.buildSessions(cfg)

	if err := r.buildSemantic(ctx, cfg); err != nil {
		_ = r.Close()
		return nil, err
	}

	searcher := web.NewSearchClient(web.SearchConfig{
		URL:        cfg.Search.URL,
		APIKey:     cfg.Search.APIKey,
		RPS:        cfg.Search.RPS,
		Burst:      cfg.Search.Burst,
		MaxResults: cfg.Search.MaxResults,
		Timeout:    cfg.Search.Timeout(),
	}, logger)
	r.Web = web.New(searcher, caller, logger)

	if err := r.Validate(); err != nil {
		_ = r.Close()
		return nil, err
	}
	logger.Info("Service registry built",
		zap.Duration("request_timeout", r.RequestTimeout),
		zap.Duration("source_timeout", r.SourceTimeout),
		zap.Strings("health_checks", r.Health.Names()),
	)
	return r, nil
}

func (r *ServiceRegistry) buildSafety(cfg *config.Config, caller *llm.Caller) error {
	dir := cfg.Safety.PolicyDir
	if _, err := os.Stat(dir); err != nil {
		// embedded policies only
		dir = ""
	}
	engine, err := policy.NewOPAEngine(&policy.Config{
		Enabled:    cfg.Safety.PolicyEnabled,
		Path:       dir,
		FailClosed: cfg.Safety.FailClosed,
	}, r.Logger)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}
	gate, err := safety.NewGate(caller, engine, r.Logger,
		safety.WithWindow(cfg.Safety.HistoryWindow),
		safety.WithAliases(r.Aliases),
	)
	if err != nil {
		return fmt.Errorf("safety gate: %w", err)
	}
	r.Safety = gate
	r.OnReload(func(cm *config.ConfigManager) {
		cm.RegisterHandler(safety.DenyListFile, gate.HandleDenyListChange)
		cm.RegisterPolicyHandler(engine.LoadPolicies)
	})
	return nil
}

func (r *ServiceRegistry) buildWarehouse(ctx context.Context, cfg *config.Config) (structured.Warehouse, error) {
	w := cfg.Warehouse
	client, err := db.NewClient(&db.Config{
		Driver:          w.Driver,
		Host:            w.Host,
		Port:            w.Port,
		User:            w.User,
		Password:        w.Password,
		Database:        w.Database,
		SSLMode:         w.SSLMode,
		Path:            w.Path,
		MaxConnections:  w.MaxOpenConns,
		IdleConnections: w.MaxIdleConns,
	}, r.Logger)
	if err != nil {
		return nil, fmt.Errorf("warehouse: %w", err)
	}
	r.OnClose(client.Close)

	if client.Driver() == db.DriverSQLite {
		if err := client.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("warehouse schema: %w", err)
		}
	}
	_ = r.Health.RegisterChecker(health.NewDatabaseHealthChecker(client.Wrapper(), r.Logger))
	return structured.NewSQLWarehouse(client.Wrapper(), r.Logger), nil
}

func (r *ServiceRegistry) buildSessions(cfg *config.Config) {
	ttl := time.Duration(cfg.Redis.TTLHours) * time.Hour
	mgr, err := session.NewManager(session.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      ttl,
	}, r.Logger)
	if err != nil {
		r.Logger.Warn("Redis unavailable, sessions will not survive a restart", zap.Error(err))
		r.Sessions = session.NewMemoryStore(ttl)
		return
	}
	r.Sessions = mgr
	r.OnClose(mgr.Close)
	_ = r.Health.RegisterChecker(health.NewRedisHealthChecker(mgr.RedisWrapper(), r.Logger))
}

func (r *ServiceRegistry) buildSemantic(ctx context.Context, cfg *config.Config) error {
	if !cfg.Qdrant.Enabled {
		r.Logger.Info("Vector search disabled, semantic source always empty")
		r.Semantic = sources.Func{
			SourceID: state.SourceSemantic,
			Fn: func(context.Context, string, state.Entities) state.SourceResult {
				return state.Empty()
			},
		}
		return nil
	}

	var cache embeddings.EmbeddingCache
	if mgr, ok := r.Sessions.(*session.Manager); ok && cfg.Embeddings.RedisCache {
		cache = embeddings.NewRedisCache(mgr.RedisWrapper())
	}
	embedder, err := NewEmbedder(cfg.Embeddings, cache, r.Logger)
	if err != nil {
		return err
	}
	q := cfg.Qdrant
	vdb := NewVectorClient(q, r.Logger)
	if err := vdb.ValidateEmbeddingDimensions(ctx); err != nil {
		r.Logger.Warn("Vector collection check failed", zap.Error(err))
	}
	_ = r.Health.RegisterChecker(health.NewQdrantHealthChecker(vdb, r.Logger))

	r.Semantic = semantic.New(embedder, vdb, r.Aliases, semantic.Options{
		TopKRecommend: q.TopKRecommend,
		TopKCompare:   q.TopKCompare,
		Threshold:     q.Threshold,
	}, r.Logger)
	return nil
}

// NewEmbedder builds the embedding service from configuration. cache may be nil.
func NewEmbedder(e config.EmbeddingsConfig, cache embeddings.EmbeddingCache, logger *zap.Logger) (*embeddings.Service, error) {
	embCfg := embeddings.Config{
		Provider:     e.Provider,
		BaseURL:      e.BaseURL,
		APIKey:       e.APIKey,
		DefaultModel: e.Model,
		Timeout:      time.Duration(e.TimeoutMs) * time.Millisecond,
		CacheTTL:     time.Duration(e.CacheTTLMinute) * time.Minute,
		MaxLRU:       e.MaxLRU,
	}
	provider, err := embeddings.NewProvider(embCfg)
	if err != nil {
		return nil, err
	}
	return embeddings.NewService(embCfg, provider, cache, logger), nil
}

// NewVectorClient builds the Qdrant client from configuration
func NewVectorClient(q config.QdrantConfig, logger *zap.Logger) *vectordb.Client {
	return vectordb.New(vectordb.Config{
		Enabled:    q.Enabled,
		Host:       q.Host,
		Port:       q.Port,
		Collection: q.Collection,
		TopK:       q.TopKRecommend,
		Threshold:  q.Threshold,
		Timeout:    time.Duration(q.TimeoutMs) * time.Millisecond,

		ExpectedEmbeddingDim: q.ExpectedDim,
	}, logger)
}
