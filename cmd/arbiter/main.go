package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/model-arbiter/internal/api"
	"github.com/felipepmaragno/model-arbiter/internal/arbitration"
	"github.com/felipepmaragno/model-arbiter/internal/auth"
	"github.com/felipepmaragno/model-arbiter/internal/budget"
	"github.com/felipepmaragno/model-arbiter/internal/cache"
	"github.com/felipepmaragno/model-arbiter/internal/candidate"
	"github.com/felipepmaragno/model-arbiter/internal/catalog"
	"github.com/felipepmaragno/model-arbiter/internal/circuitbreaker"
	"github.com/felipepmaragno/model-arbiter/internal/config"
	"github.com/felipepmaragno/model-arbiter/internal/cost"
	"github.com/felipepmaragno/model-arbiter/internal/dispatch"
	"github.com/felipepmaragno/model-arbiter/internal/notifications"
	"github.com/felipepmaragno/model-arbiter/internal/provider"
	"github.com/felipepmaragno/model-arbiter/internal/provider/bedrock"
	"github.com/felipepmaragno/model-arbiter/internal/provider/openai"
	"github.com/felipepmaragno/model-arbiter/internal/queue"
	"github.com/felipepmaragno/model-arbiter/internal/ratelimit"
	"github.com/felipepmaragno/model-arbiter/internal/repository"
	"github.com/felipepmaragno/model-arbiter/internal/rules"
	"github.com/felipepmaragno/model-arbiter/internal/secrets"
	"github.com/felipepmaragno/model-arbiter/internal/telemetry"
)

const (
	version          = "0.1.0"
	snapshotInterval = time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting model arbiter", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secretSrc := &secretSource{region: cfg.AWSRegion}
	if err := resolveSecrets(ctx, cfg, secretSrc); err != nil {
		slog.Error("failed to resolve secrets", "error", err)
		os.Exit(1)
	}

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "model-arbiter",
		Version:     version,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		slog.Error("failed to load policy", "error", err)
		os.Exit(1)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		slog.Info("using redis", "addr", opts.Addr)
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		slog.Info("using postgres")
	}

	models, err := buildCatalog(cfg, db, rdb)
	if err != nil {
		slog.Error("failed to load catalog", "error", err)
		os.Exit(1)
	}

	ruleSet, err := loadRules(cfg.RulesPath)
	if err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	evaluator, err := rules.NewEvaluator(ruleSet, rules.WithDefaultMaxCost(cfg.DefaultMaxCost))
	if err != nil {
		slog.Error("invalid rule set", "error", err)
		os.Exit(1)
	}
	slog.Info("rules loaded", "count", len(evaluator.Rules()))

	notifier := buildNotifier(ctx, cfg)
	defer notifier.Close()

	// Circuits
	cbOpts := policy.CircuitOptions(cfg.CircuitBreaker())
	if rdb != nil && cfg.UseDistributedCircuitBreaker {
		cbOpts = append(cbOpts, circuitbreaker.WithCheckpointer(
			circuitbreaker.NewRedisCheckpointerWithClient(rdb, cfg.Circuit.CheckpointTTL)))
		slog.Info("circuit state checkpointed to redis")
	}
	circuits := circuitbreaker.NewRegistry(cfg.CircuitBreaker(), cbOpts...)
	circuits.OnStateChange(notifications.CircuitStateHandler(notifier))

	// Quotas
	var (
		quotas      ratelimit.Enforcer
		localQuotas *ratelimit.InMemoryEnforcer
	)
	if rdb != nil {
		quotas = ratelimit.NewRedisEnforcerWithClient(rdb, policy.Limits)
		slog.Info("using redis quota enforcer", "limits", len(policy.Limits))
	} else {
		localQuotas = ratelimit.NewInMemoryEnforcer(policy.Limits)
		quotas = localQuotas
		slog.Info("using in-memory quota enforcer", "limits", len(policy.Limits))
	}

	// Budgets
	var dedup budget.AlertDeduplicator = budget.NewInMemoryDeduplicator()
	if rdb != nil {
		dedup = budget.NewRedisDeduplicatorWithClient(rdb, 24*time.Hour)
	}
	ledger := budget.NewLedger(budget.WithDeduplicator(dedup))
	for _, st := range policy.BudgetStates() {
		if err := ledger.Configure(st); err != nil {
			slog.Error("invalid budget", "scope", st.Scope.Key(), "error", err)
			os.Exit(1)
		}
	}
	ledger.OnAlert(notifications.BudgetAlertHandler(notifier))

	performance := cost.NewPerformanceTracker()

	var usage dispatch.UsageRecorder = cost.NewInMemoryTracker()
	var snapshots *repository.SnapshotStore
	var writer *repository.AsyncWriter
	if db != nil {
		snapshots = repository.NewSnapshotStore(db)
		restoreState(ctx, snapshots, ledger, localQuotas, performance)

		writer = repository.NewAsyncWriter(snapshots, repository.NewUsageRepository(db), repository.DefaultWriteBuffer)
		ledger.OnRecord(writer.SaveBudgetState)
		usage = writer
	}

	adapters, err := buildProviders(ctx, cfg, policy, secretSrc)
	if err != nil {
		slog.Error("failed to build providers", "error", err)
		os.Exit(1)
	}

	estimator := cost.NewEstimator(cfg.CostMultiplier, cfg.ServiceFee)
	builder := candidate.NewBuilder(models, estimator, performance)

	publisher := buildPublisher(ctx, cfg)
	defer publisher.Close()

	engine := arbitration.NewEngine(builder, evaluator, circuits,
		arbitration.WithQuota(quotas),
		arbitration.WithBudget(ledger),
		arbitration.WithPublisher(publisher),
		arbitration.WithMaxFallbackAttempts(cfg.MaxFallbackAttempts),
	)

	coordinator := dispatch.NewCoordinator(adapters, circuits,
		dispatch.WithArbiter(engine),
		dispatch.WithQuota(quotas),
		dispatch.WithLedger(ledger),
		dispatch.WithEstimator(estimator),
		dispatch.WithPerformance(performance),
		dispatch.WithUsageRecorder(usage),
		dispatch.WithTimeout(cfg.DispatchTimeout),
		dispatch.WithMaxFallbackAttempts(cfg.MaxFallbackAttempts),
	)

	var checkers []api.HealthChecker
	if rdb != nil {
		checkers = append(checkers, api.RedisCheck(rdb))
	}
	if db != nil {
		checkers = append(checkers, api.PostgresCheck(db))
	}
	checkers = append(checkers, api.CheckFunc{
		CheckName: "catalog",
		Critical:  true,
		Fn: func(ctx context.Context) error {
			_, err := models.ListActiveModels(ctx, catalog.Filter{})
			return err
		},
	})
	for _, name := range adapters.Names() {
		if a, err := adapters.Get(name); err == nil {
			checkers = append(checkers, api.ProviderCheck(a))
		}
	}

	var rbac *auth.RBACMiddleware
	authn := auth.NewAuthenticator(
		auth.Credential{Role: auth.RoleAdmin, Hash: cfg.AdminTokenHash},
		auth.Credential{Role: auth.RoleViewer, Hash: cfg.ViewerTokenHash},
	)
	if authn.Enabled() {
		rbac = auth.NewRBACMiddleware(authn)
	} else {
		slog.Warn("admin endpoints disabled: no admin token configured")
	}

	handler := api.NewHandler(api.HandlerConfig{
		Arbiter:  engine,
		Executor: coordinator,
		Auth:     rbac,
		Circuits: circuits,
		Budgets:  ledger,
		Quotas:   quotas,
		Checkers: checkers,
	})

	var wg sync.WaitGroup
	if snapshots != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			persistSnapshots(ctx, snapshots, localQuotas, performance)
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DispatchTimeout*time.Duration(cfg.MaxFallbackAttempts+1) + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop the snapshot loop; it saves one last time on the way out.
	cancel()
	wg.Wait()

	if writer != nil {
		writer.Close()
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}
	if rdb != nil {
		rdb.Close()
	}
	if db != nil {
		db.Close()
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// secretSource builds the Secrets Manager client on first use, so
// deployments without secret names never load AWS credentials.
type secretSource struct {
	region string
	store  secrets.SecretStore
}

func (s *secretSource) resolve(ctx context.Context, name, key string) (string, error) {
	if s.store == nil {
		m, err := secrets.NewManager(ctx, s.region)
		if err != nil {
			return "", err
		}
		s.store = m
	}
	return secrets.Resolve(ctx, s.store, name, key)
}

// resolveSecrets replaces connection strings with their Secrets Manager
// values when *_SECRET names are configured.
func resolveSecrets(ctx context.Context, cfg *config.Config, src *secretSource) error {
	var err error
	if cfg.DatabaseURLSecret != "" {
		if cfg.DatabaseURL, err = src.resolve(ctx, cfg.DatabaseURLSecret, "url"); err != nil {
			return err
		}
	}
	if cfg.RedisURLSecret != "" {
		if cfg.RedisURL, err = src.resolve(ctx, cfg.RedisURLSecret, "url"); err != nil {
			return err
		}
	}
	return nil
}

func buildCatalog(cfg *config.Config, db *sql.DB, rdb *redis.Client) (catalog.Catalog, error) {
	var source catalog.Catalog
	if db != nil {
		source = catalog.NewPostgres(db)
		slog.Info("using postgres catalog")
	} else {
		static, err := catalog.LoadStatic(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		source = static
		slog.Info("using static catalog", "path", cfg.CatalogPath)
	}

	if cfg.CatalogCacheTTL <= 0 {
		return source, nil
	}
	var c cache.Cache
	if rdb != nil {
		c = cache.NewRedisCacheWithClient(rdb)
	} else {
		c = cache.NewInMemoryCache()
	}
	return catalog.NewCached(source, c, cfg.CatalogCacheTTL), nil
}

// loadRules treats a missing rules file as an empty rule set, which scores
// every request with the balanced blend.
func loadRules(path string) ([]rules.Rule, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Warn("rules file not found, using balanced scoring", "path", path)
		return nil, nil
	}
	return rules.Load(path)
}

type closingNotifier interface {
	notifications.Notifier
	Close()
}

func buildNotifier(ctx context.Context, cfg *config.Config) closingNotifier {
	var sink notifications.Notifier = notifications.NewInMemoryNotifier()
	if cfg.SNSTopicARN != "" {
		sns, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Warn("sns unavailable, notifications kept in memory", "error", err)
		} else {
			sink = sns
			slog.Info("publishing notifications to sns", "topic", cfg.SNSTopicARN)
		}
	}
	return notifications.NewAsync(sink, 0)
}

func buildPublisher(ctx context.Context, cfg *config.Config) *queue.Publisher {
	var q queue.AuditQueue = queue.NewInMemoryAuditQueue()
	if cfg.AuditQueueURL != "" {
		sqs, err := queue.NewSQSAuditQueue(ctx, cfg.AWSRegion, cfg.AuditQueueURL)
		if err != nil {
			slog.Warn("sqs unavailable, decisions kept in memory", "error", err)
		} else {
			q = sqs
			slog.Info("publishing decisions to sqs", "queue", cfg.AuditQueueURL)
		}
	}
	return queue.NewPublisher(q, 0)
}

func buildProviders(ctx context.Context, cfg *config.Config, policy *config.Policy, src *secretSource) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	reg.Register(bedrock.Type, bedrock.Factory)
	reg.Register(openai.Type, openai.Factory)

	settings := policy.Providers
	if len(settings) == 0 && cfg.AWSRegion != "" {
		settings = []provider.Settings{{Name: bedrock.Type, Type: bedrock.Type, Region: cfg.AWSRegion}}
	}
	for _, s := range settings {
		if s.Region == "" {
			s.Region = cfg.AWSRegion
		}
		if s.APIKey == "" && s.APIKeySecret != "" {
			key, err := src.resolve(ctx, s.APIKeySecret, "api_key")
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", s.Name, err)
			}
			s.APIKey = key
		}
		if _, err := reg.Build(ctx, s); err != nil {
			return nil, err
		}
		slog.Info("registered provider", "provider", s.Name, "type", s.Type)
	}
	if len(reg.Names()) == 0 {
		slog.Warn("no providers configured; completions will fail, arbitration still works")
	}
	return reg, nil
}

// restoreState loads saved state into the in-process components. quotas is
// nil when quota windows live in Redis, which keeps them across restarts.
func restoreState(ctx context.Context, store *repository.SnapshotStore, ledger *budget.Ledger, quotas *ratelimit.InMemoryEnforcer, perf *cost.PerformanceTracker) {
	n, err := store.RestoreBudgets(ctx, ledger)
	if err != nil {
		slog.Warn("failed to restore budgets", "error", err)
	} else {
		slog.Info("budgets restored", "count", n)
	}

	if quotas != nil {
		if n, err := store.RestoreQuotas(ctx, quotas); err != nil {
			slog.Warn("failed to restore quota windows", "error", err)
		} else {
			slog.Info("quota windows restored", "count", n)
		}
	}

	stats, err := store.LoadPerformance(ctx)
	if err != nil {
		slog.Warn("failed to restore performance history", "error", err)
		return
	}
	perf.Restore(stats)
	slog.Info("performance history restored", "models", len(stats))
}

func persistSnapshots(ctx context.Context, store *repository.SnapshotStore, quotas *ratelimit.InMemoryEnforcer, perf *cost.PerformanceTracker) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	save := func(ctx context.Context) {
		if err := store.SavePerformance(ctx, perf.Snapshot()); err != nil {
			slog.Warn("failed to save performance history", "error", err)
		}
		if quotas == nil {
			return
		}
		windows, err := quotas.Snapshot(ctx)
		if err == nil {
			err = store.SaveQuotaWindows(ctx, windows)
		}
		if err != nil {
			slog.Warn("failed to save quota windows", "error", err)
		}
	}

	for {
		select {
		case <-ticker.C:
			save(ctx)
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			save(final)
			cancel()
			return
		}
	}
}
