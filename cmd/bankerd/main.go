package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rtbfoundry/bankerd/internal/banker"
	"github.com/rtbfoundry/bankerd/internal/config"
	"github.com/rtbfoundry/bankerd/internal/handlers"
	"github.com/rtbfoundry/bankerd/internal/ledger"
	"github.com/rtbfoundry/bankerd/internal/remote"
	"github.com/rtbfoundry/bankerd/libs/health"
	"github.com/rtbfoundry/bankerd/libs/httpmiddleware"
	"github.com/rtbfoundry/bankerd/libs/logging"
	"github.com/rtbfoundry/bankerd/libs/metrics"
	"github.com/rtbfoundry/bankerd/libs/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	bankerMetrics := banker.NewMetrics(registry, banker.MetricSuffix(cfg.Account.Suffix))

	client, err := remote.NewClient(remote.Config{
		BaseURL:        cfg.Remote.URL,
		Timeout:        cfg.Remote.Timeout,
		MaxConnections: cfg.Remote.MaxConnections,
		TCPNoDelay:     cfg.Remote.TCPNoDelay,
	})
	if err != nil {
		logger.Error("remote banker client failed", "error", err)
		os.Exit(1)
	}

	led := ledger.New()
	localBanker := banker.New(led, client, logger, bankerMetrics, banker.Config{
		AccountSuffix:       cfg.Account.Suffix,
		SpendRate:           ledger.MicroUSD(cfg.Account.SpendRateMicroUSD),
		Role:                cfg.Role,
		SweepInterval:       cfg.Intervals.Sweep,
		ReauthorizeInterval: cfg.Intervals.Reauthorize,
		SpendUpdateInterval: cfg.Intervals.SpendUpdate,
		Debug:               cfg.Debug,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	localBanker.Run(runCtx)

	ready := health.NewManager(false)
	httpServer := buildHTTPServer(cfg, localBanker, ready, registry, logger)

	ready.SetReady(true)

	go func() {
		logger.Info("bankerd http starting", "addr", httpServer.Addr, "role", string(cfg.Role))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, cancel, logger)
}

func buildHTTPServer(cfg *config.Config, b *banker.Banker, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handlers.New(b, logger).Register(router)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
}
