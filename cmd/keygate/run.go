package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/eugener/keygate/internal/app"
	"github.com/eugener/keygate/internal/auth"
	"github.com/eugener/keygate/internal/config"
	"github.com/eugener/keygate/internal/provider"
	"github.com/eugener/keygate/internal/provider/anthropic"
	"github.com/eugener/keygate/internal/provider/gemini"
	"github.com/eugener/keygate/internal/provider/openai"
	"github.com/eugener/keygate/internal/ratelimit"
	"github.com/eugener/keygate/internal/server"
	"github.com/eugener/keygate/internal/storage/sqlite"
	"github.com/eugener/keygate/internal/telemetry"
	"github.com/eugener/keygate/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting keygate", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
			Endpoint:   cfg.Telemetry.Tracing.Endpoint,
			SampleRate: cfg.Telemetry.Tracing.SampleRate,
			Insecure:   cfg.Telemetry.Tracing.Insecure,
			Version:    version,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := shutdownTracing(sctx); err != nil {
				slog.Error("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Metrics
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
		queueGauge     prometheus.Gauge
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		queueGauge = metrics.UsageQueueLength
	}

	// Upstream adapters share one pooled client.
	resolver := &dnscache.Resolver{}
	client := &http.Client{Transport: provider.NewTransport(resolver)}
	adapters := provider.NewRegistry()
	adapters.Register("openai", openai.New(client))
	adapters.Register("gemini", gemini.New(client))
	adapters.Register("anthropic", anthropic.New(client, cfg.Policy.MaxTokens))

	verifier, err := buildVerifier(cfg, client, metrics)
	if err != nil {
		return err
	}

	limiter, err := buildLimiter(cfg)
	if err != nil {
		return err
	}
	defer limiter.Close()

	workers := []worker.Worker{worker.NewDNSRefresher(resolver)}
	readyChecks := []server.ReadyChecker{limiter.Ping}

	// Usage log
	var usage app.UsageRecorder
	if cfg.Usage.DSN != "" {
		store, err := sqlite.New(ctx, cfg.Usage.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder := worker.NewUsageRecorder(store, queueGauge)
		usage = recorder
		workers = append(workers, recorder)
		readyChecks = append(readyChecks, store.Ping)
		if limiter.memory != nil {
			workers = append(workers, worker.NewQuotaSeeder(limiter.memory, store))
		}
	}
	if limiter.memory != nil {
		workers = append(workers, worker.NewBucketEvictor(limiter.memory))
	}

	router := app.NewRouterService(adapters, cfg.ProductTable())
	pipeline := app.NewPipeline(app.PipelineDeps{
		Auth:           verifier,
		Router:         router,
		Policy:         app.NewPolicy(cfg.PolicyConfig()),
		Limiter:        limiter,
		Usage:          usage,
		Metrics:        metrics,
		DefaultTimeout: cfg.Upstream.Timeout,
	})

	var handler http.Handler = server.New(server.Deps{
		Pipeline:       pipeline,
		ReadyCheck:     allReady(readyChecks...),
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})
	if cfg.Telemetry.Tracing.Enabled {
		handler = otelhttp.NewHandler(handler, "keygate")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Workers outlive the listener so records from in-flight calls are flushed.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	runnerErr := make(chan error, 1)
	go func() { runnerErr <- worker.NewRunner(workers...).Run(workerCtx) }()

	go reloadOnHangup(ctx, configPath, router)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("keygate ready", "addr", cfg.Server.Addr, "products", len(cfg.ProductTable()))

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		stopWorkers()
		<-runnerErr
		return err
	case err := <-runnerErr:
		return fmt.Errorf("worker: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	stopWorkers()
	if err := <-runnerErr; err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	slog.Info("keygate stopped")
	return nil
}

func buildVerifier(cfg *config.Config, client *http.Client, metrics *telemetry.Metrics) (*auth.Verifier, error) {
	var s auth.Strategies
	enabled := 0

	ks, err := cfg.JWTKeySet()
	if err != nil {
		return nil, err
	}
	if len(ks.Keys) > 0 {
		s.JWT = auth.NewJWTVerifier(ks, cfg.Auth.JWT.Audience, nil)
		enabled++
	}
	if secrets := cfg.HMACSecrets(); len(secrets) > 0 {
		s.HMAC = auth.NewHMACVerifier(secrets, cfg.Auth.HMAC.Tolerance, nil)
		enabled++
	}
	if cfg.Auth.IAP.Enabled {
		keys, err := auth.NewJWKSource(cfg.Auth.IAP.KeysURL, client)
		if err != nil {
			return nil, err
		}
		s.IAP = auth.NewIAPVerifier(keys, cfg.Auth.IAP.Audience, nil)
		enabled++
	}
	if enabled == 0 {
		slog.Warn("no credential scheme configured; every call will be rejected")
	}

	var observer auth.FailureObserver
	if metrics != nil {
		observer = metrics
	}
	return auth.NewVerifier(s, observer), nil
}

// limiterBackend is the configured limiter plus what the workers and
// readiness check need from it.
type limiterBackend struct {
	ratelimit.Limiter
	memory *ratelimit.Memory // nil for shared backends
	ping   func(context.Context) error
	close  func() error
}

func (l *limiterBackend) Ping(ctx context.Context) error { return l.ping(ctx) }
func (l *limiterBackend) Close() error                   { return l.close() }

func buildLimiter(cfg *config.Config) (*limiterBackend, error) {
	lc := cfg.LimiterConfig()
	if cfg.RateLimits.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.RateLimits.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("rate_limits.redis.url: %w", err)
		}
		client := redis.NewClient(opts)
		rl := ratelimit.NewRedis(client, lc, cfg.RateLimits.Redis.Prefix)
		slog.Info("rate limiter", "backend", "redis", "addr", opts.Addr)
		return &limiterBackend{Limiter: rl, ping: rl.Ping, close: client.Close}, nil
	}
	mem := ratelimit.NewMemory(lc)
	slog.Info("rate limiter", "backend", "memory")
	return &limiterBackend{Limiter: mem, memory: mem, ping: mem.Ping, close: func() error { return nil }}, nil
}

// allReady runs every check and reports the first failure.
func allReady(checks ...server.ReadyChecker) server.ReadyChecker {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// reloadOnHangup re-reads the config on SIGHUP and swaps the product table.
// Other settings need a restart.
func reloadOnHangup(ctx context.Context, configPath string, router *app.RouterService) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			cfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("config reload failed, keeping current products", "error", err)
				continue
			}
			products := cfg.ProductTable()
			router.Update(products)
			slog.Info("products reloaded", "count", len(products))
		case <-ctx.Done():
			return
		}
	}
}
