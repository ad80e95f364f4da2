package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/weftworks/weft/internal/api"
	"github.com/weftworks/weft/internal/auth"
	"github.com/weftworks/weft/internal/balance"
	"github.com/weftworks/weft/internal/breaker"
	"github.com/weftworks/weft/internal/buildinfo"
	"github.com/weftworks/weft/internal/cache"
	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/discovery"
	"github.com/weftworks/weft/internal/fedsearch"
	"github.com/weftworks/weft/internal/forward"
	"github.com/weftworks/weft/internal/llm"
	"github.com/weftworks/weft/internal/merge"
	"github.com/weftworks/weft/internal/metrics"
	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/netutil"
	"github.com/weftworks/weft/internal/probe"
	"github.com/weftworks/weft/internal/registry"
	"github.com/weftworks/weft/internal/routing"
	"github.com/weftworks/weft/internal/searchlog"
	"github.com/weftworks/weft/internal/service"
	"github.com/weftworks/weft/internal/state"
)

// queryCacheMaxBytes bounds the in-memory tier of the query cache.
const queryCacheMaxBytes = 64 << 20

type weftApp struct {
	envCfg     *config.EnvConfig
	runtimeCfg *atomic.Pointer[config.RuntimeConfig]

	registry    *registry.Registry
	brk         *breaker.Breaker
	queryCache  *cache.QueryCache
	redisClient *redis.Client
	authSvc     *auth.Service
	tokenSrc    *nodeTokenSource
	catalog     *discovery.Catalog
	digests     *discovery.DigestService
	router      *routing.Router
	searchLog   *searchlog.Service
	fedSearch   *fedsearch.Service
	forwarder   *forward.Forwarder
	probeMgr    *probe.Manager
	metricsMgr  *metrics.Manager
	flushWorker *state.CacheFlushWorker
	maintenance *cron.Cron
	apiSrv      *api.Server
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	warnWeakSecrets(envCfg)

	engine, dbCloser, err := state.PersistenceBootstrap(envCfg.StateDir, envCfg.CacheDir)
	if err != nil {
		return fmt.Errorf("persistence bootstrap: %w", err)
	}
	log.Println("Persistence ready (state.db, cache.db)")

	app, err := newWeftApp(envCfg, engine)
	if err != nil {
		_ = dbCloser.Close()
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if err := dbCloser.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("server exited: %w", runtimeErr)
	}
	return nil
}

func newWeftApp(envCfg *config.EnvConfig, engine *state.StateEngine) (*weftApp, error) {
	app := &weftApp{
		envCfg:     envCfg,
		runtimeCfg: &atomic.Pointer[config.RuntimeConfig]{},
	}
	app.runtimeCfg.Store(loadRuntimeConfig(engine))

	fleet, err := loadFleet(envCfg)
	if err != nil {
		return nil, err
	}

	factory := app.buildPeerTransport()
	app.buildFabricCore(engine, factory, fleet)

	if err := app.bootstrapFromPersistence(engine, fleet); err != nil {
		return nil, err
	}
	app.initObservability(engine)
	if err := app.scheduleMaintenance(); err != nil {
		return nil, err
	}
	app.buildAPIServer(engine)

	app.startBackgroundServices()
	return app, nil
}

// buildPeerTransport creates the outbound HTTP factory. The token source
// does not exist yet (it needs the auth service, which needs the
// registry, which needs this factory), so TokenFn resolves it late.
func (a *weftApp) buildPeerTransport() *netutil.Factory {
	return netutil.NewFactory(netutil.FactoryConfig{
		TimeoutFn: func() time.Duration {
			return time.Duration(runtimeConfigSnapshot(a.runtimeCfg).RequestTimeout)
		},
		HealthTimeoutFn: func() time.Duration {
			return time.Duration(runtimeConfigSnapshot(a.runtimeCfg).HealthTimeout)
		},
		VerifyTLSFn: func() bool {
			return runtimeConfigSnapshot(a.runtimeCfg).VerifySSL
		},
		TokenFn: func() (string, error) {
			if a.tokenSrc == nil {
				return "", nil
			}
			return a.tokenSrc.Token()
		},
	})
}

// buildFabricCore wires the registry and everything that serves fabric
// traffic: breaker, query cache, auth, catalog, digests, router, search
// log, federation, forwarder.
func (a *weftApp) buildFabricCore(engine *state.StateEngine, factory *netutil.Factory, fleet *registry.FleetFile) {
	a.brk = breaker.New(a.runtimeCfg, func(nodeID string) {
		log.Printf("[breaker] opened for node %s", nodeID)
	})

	var backend cache.Backend
	if a.envCfg.RedisAddr != "" {
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     a.envCfg.RedisAddr,
			Password: a.envCfg.RedisPassword,
			DB:       a.envCfg.RedisDB,
		})
		backend = cache.NewRedisBackend(a.redisClient, a.runtimeCfg)
		log.Printf("Durable query cache backend: redis (%s)", a.envCfg.RedisAddr)
	} else {
		backend = cache.NewSQLiteBackend(engine.CacheRepo)
		log.Println("Durable query cache backend: sqlite")
	}
	a.queryCache = cache.New(a.runtimeCfg, backend, queryCacheMaxBytes)

	// Digest invalidation is late-bound: the digest service consumes the
	// registry and so cannot exist before it.
	a.registry = registry.New(registry.Config{
		RuntimeConfig: a.runtimeCfg,
		HTTP:          factory,
		PersistNode:   engine.UpsertNode,
		DeleteNode:    engine.DeleteNode,
		MarkRuntime:   engine.MarkNodeRuntime,
		DeleteRuntime: engine.MarkNodeRuntimeDelete,
		OnPingResult: func(nodeID string, ok bool) {
			if ok {
				a.brk.RecordSuccess(nodeID)
			} else {
				a.brk.RecordFailure(nodeID)
			}
		},
		OnNodeRemoved: func(nodeID string) {
			a.brk.Reset(nodeID)
			a.queryCache.InvalidateNode(context.Background(), nodeID)
			if a.digests != nil {
				a.digests.Invalidate(nodeID)
			}
		},
		OnMetadataSync: func(nodeID string) {
			if a.digests != nil {
				a.digests.Invalidate(nodeID)
			}
		},
		OnEvent: func(event string, n model.Node) {
			log.Printf("[registry] %s: %s", event, n.Slug)
		},
	})

	var signer auth.Signer
	if a.envCfg.JWTSecret != "" {
		signer = auth.NewHS256Signer(a.envCfg.JWTSecret)
	}
	a.authSvc = auth.NewService(signer, a.registry, a.envCfg.JWTIssuer, a.envCfg.JWTAudience, a.runtimeCfg)
	if signer != nil {
		a.tokenSrc = newNodeTokenSource(a.authSvc, a.runtimeCfg, localNodeRecord(a.envCfg))
	}

	a.catalog = buildCatalog(a.envCfg, a.runtimeCfg, fleet)

	var llmClient llm.Client
	if a.envCfg.LLMBaseURL != "" {
		client, err := llm.NewHTTPClient(llm.HTTPConfig{
			BaseURL: a.envCfg.LLMBaseURL,
			APIKey:  a.envCfg.LLMAPIKey,
		})
		if err != nil {
			log.Printf("LLM client disabled: %v", err)
		} else {
			llmClient = client
			log.Printf("LLM client configured (%s)", a.envCfg.LLMBaseURL)
		}
	}

	a.digests = discovery.NewDigestService(discovery.DigestConfig{
		RuntimeConfig: a.runtimeCfg,
		Registry:      a.registry,
		Catalog:       a.catalog,
		LLM:           llmClient,
	})
	a.router = routing.New(routing.Config{
		RuntimeConfig: a.runtimeCfg,
		Registry:      a.registry,
		Breaker:       a.brk,
		Digests:       a.digests,
		LLM:           llmClient,
	})

	a.searchLog = searchlog.New(searchlog.Config{
		Repo:          engine.CacheRepo,
		RuntimeConfig: a.runtimeCfg,
		QueueSize:     a.envCfg.SearchLogQueueSize,
		FlushBatch:    a.envCfg.SearchLogFlushBatchSize,
		FlushInterval: a.envCfg.SearchLogFlushInterval,
		RetainRows:    a.envCfg.SearchLogRetainRows,
	})

	a.fedSearch = fedsearch.New(fedsearch.Config{
		RuntimeConfig: a.runtimeCfg,
		Registry:      a.registry,
		Breaker:       a.brk,
		Balancer:      balance.New(a.runtimeCfg),
		Merger:        merge.New(a.runtimeCfg),
		Cache:         a.queryCache,
		HTTP:          factory,
		Log:           a.searchLog.Record,
		LocalName:     a.catalog.Name(),
	})
	a.forwarder = forward.New(forward.Config{
		RuntimeConfig: a.runtimeCfg,
		HTTP:          factory,
		Registry:      a.registry,
		Breaker:       a.brk,
	})
}

// bootstrapFromPersistence restores the persisted fleet into the
// registry, then registers any seeded peers that are not present yet.
// Seeded registrations ping the peer synchronously, so the whole seed
// pass runs under one deadline.
func (a *weftApp) bootstrapFromPersistence(engine *state.StateEngine, fleet *registry.FleetFile) error {
	restored, err := bootstrapNodes(engine, a.registry)
	if err != nil {
		return err
	}
	log.Printf("Restored %d nodes from state.db", restored)

	if fleet != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if added := a.registry.ApplySeed(ctx, fleet); added > 0 {
			log.Printf("Seeded %d nodes from %s", added, a.envCfg.FleetFile)
		}
	}
	return nil
}

// initObservability builds the probe scheduler, the metrics manager and
// the runtime flush worker. Runs after node bootstrap so restored
// counters become the metrics baseline instead of first-bucket activity.
func (a *weftApp) initObservability(engine *state.StateEngine) {
	a.probeMgr = probe.NewManager(probe.Config{
		Registry:    a.registry,
		Concurrency: a.envCfg.PingConcurrency,
		PingInterval: func() time.Duration {
			return time.Duration(runtimeConfigSnapshot(a.runtimeCfg).PingInterval)
		},
	})

	a.metricsMgr = metrics.NewManager(metrics.Config{
		Source:           metricsSource(a.registry),
		BucketSeconds:    a.envCfg.MetricBucketSeconds,
		RetentionSeconds: a.envCfg.MetricRetentionSeconds,
	})

	a.flushWorker = state.NewCacheFlushWorker(
		engine,
		state.CacheReaders{ReadNodeRuntime: nodeRuntimeReader(a.registry)},
		func() int { return runtimeConfigSnapshot(a.runtimeCfg).CacheFlushDirtyThreshold },
		func() time.Duration { return time.Duration(runtimeConfigSnapshot(a.runtimeCfg).CacheFlushInterval) },
		5*time.Second, // due-check cadence
	)
}

// scheduleMaintenance registers the periodic jobs: metric bucket close,
// expired cache sweep, search log retention.
func (a *weftApp) scheduleMaintenance() error {
	a.maintenance = cron.New()

	flushSpec := fmt.Sprintf("@every %ds", a.envCfg.MetricBucketSeconds)
	if _, err := a.maintenance.AddFunc(flushSpec, a.closeMetricBucket); err != nil {
		return fmt.Errorf("schedule metrics flush: %w", err)
	}
	if _, err := a.maintenance.AddFunc("@every 5m", a.sweepExpiredCache); err != nil {
		return fmt.Errorf("schedule cache sweep: %w", err)
	}
	if _, err := a.maintenance.AddFunc("@every 1h", a.pruneSearchLog); err != nil {
		return fmt.Errorf("schedule search log prune: %w", err)
	}
	return nil
}

func (a *weftApp) closeMetricBucket() {
	a.metricsMgr.Flush(time.Now())
}

func (a *weftApp) sweepExpiredCache() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if n := a.queryCache.CleanExpired(ctx); n > 0 {
		log.Printf("[cache] removed %d expired entries", n)
	}
}

func (a *weftApp) pruneSearchLog() {
	n, err := a.searchLog.Prune()
	if err != nil {
		log.Printf("[searchlog] prune failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[searchlog] pruned %d rows", n)
	}
}

func (a *weftApp) buildAPIServer(engine *state.StateEngine) {
	systemInfo := service.SystemInfo{
		Version:   buildinfo.Version,
		GitCommit: buildinfo.GitCommit,
		BuildTime: buildinfo.BuildTime,
		StartedAt: time.Now().UTC(),
	}

	cp := &service.ControlPlaneService{
		Engine:     engine,
		Registry:   a.registry,
		Breaker:    a.brk,
		Cache:      a.queryCache,
		Router:     a.router,
		ProbeMgr:   a.probeMgr,
		Auth:       a.authSvc,
		Digests:    a.digests,
		SearchLog:  a.searchLog,
		Metrics:    a.metricsMgr,
		RuntimeCfg: a.runtimeCfg,
		EnvCfg:     a.envCfg,
		Info:       systemInfo,
	}

	// Fabric token checks apply only when a signing secret exists; the
	// auth service itself stays wired so admin token issuance can report
	// the missing secret.
	var fabricTokens *auth.Service
	if a.tokenSrc != nil {
		fabricTokens = a.authSvc
	}

	a.apiSrv = api.NewServerWithAddress(
		a.envCfg.ListenAddress,
		a.envCfg.Port,
		a.envCfg.AdminToken,
		systemInfo,
		a.runtimeCfg,
		a.envCfg,
		cp,
		int64(a.envCfg.APIMaxBodyBytes),
		api.FabricDeps{
			Registry: a.registry,
			Search:   a.fedSearch,
			Forward:  a.forwarder,
			Router:   a.router,
			Catalog:  a.catalog,
			Tokens:   fabricTokens,
			Info:     systemInfo,
		},
	)
}

func (a *weftApp) startBackgroundServices() {
	// Batch 1: persistence flush and log sinks.
	a.flushWorker.Start()
	log.Println("Runtime flush worker started")

	a.searchLog.Start()
	log.Println("Search log service started")

	// Batch 2: probe scheduler and maintenance jobs.
	a.probeMgr.Start()
	log.Println("Probe scheduler started")

	a.maintenance.Start()
	log.Println("Maintenance scheduler started")
}

func (a *weftApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("Weft %s node %q starting on %s",
			a.envCfg.NodeType, a.catalog.Name(),
			formatListenURL(a.envCfg.ListenAddress, a.envCfg.Port))
		err := a.apiSrv.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		select {
		case serverErrCh <- fmt.Errorf("weft server: %w", err):
		default:
		}
	}()
	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Shutting down on signal %s", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Shutting down on server error: %v", err)
		return err
	}
}

func (a *weftApp) shutdown(ctx context.Context) {
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("API server shutdown error: %v", err)
	}
	log.Println("Weft server stopped")

	// Sources of new work stop first, then the workers that drain it,
	// then the stores underneath.
	stopCtx := a.maintenance.Stop()
	<-stopCtx.Done()
	log.Println("Maintenance scheduler stopped")

	a.probeMgr.Stop()
	log.Println("Probe scheduler stopped")

	a.searchLog.Stop()
	log.Println("Search log service stopped")

	a.flushWorker.Stop() // final runtime flush before DB close
	log.Println("Runtime flush worker stopped")

	a.queryCache.Close()
	a.registry.Close()
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			log.Printf("Redis close error: %v", err)
		}
	}
	log.Println("Server stopped")
}

func formatListenAddress(listenAddress string, port int) string {
	return net.JoinHostPort(listenAddress, strconv.Itoa(port))
}

func formatListenURL(listenAddress string, port int) string {
	return "http://" + formatListenAddress(listenAddress, port)
}
