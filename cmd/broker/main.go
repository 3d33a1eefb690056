package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/rickgao/bar-broker/internal/config"
	"github.com/rickgao/bar-broker/internal/driver"
	"github.com/rickgao/bar-broker/internal/driver/gws"
	"github.com/rickgao/bar-broker/internal/fanout"
	"github.com/rickgao/bar-broker/internal/health"
	"github.com/rickgao/bar-broker/internal/healthapi"
	"github.com/rickgao/bar-broker/internal/logging"
	"github.com/rickgao/bar-broker/internal/metrics"
	"github.com/rickgao/bar-broker/internal/multiplexer"
	"github.com/rickgao/bar-broker/internal/session"
	"github.com/rickgao/bar-broker/internal/subkey"
	"github.com/rickgao/bar-broker/internal/version"
)

// upstreamURL is the streaming OHLCV provider's websocket endpoint. Not
// configurable per spec §6 — only the proxy path and connect timeout are.
const upstreamURL = "wss://data.tradingview.com/socket.io/websocket"

func main() {
	configPath := pflag.String("config", "", "path to an optional YAML config file")
	pflag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bar-broker: load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bar-broker: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	pricesLogger, err := logging.NewPricesLogger(cfg.Prices.Debug, cfg.Prices.File)
	if err != nil {
		logger.Fatal("build prices logger", zap.Error(err))
	}
	defer pricesLogger.Sync()

	logger.Info("starting bar-broker",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	metricsRegistry := metrics.New()

	pinned := make([]subkey.Key, 0, len(cfg.Subscriptions))
	for _, s := range cfg.Subscriptions {
		pinned = append(pinned, subkey.New(s.Symbol, s.Timeframe))
	}

	driverClient := gws.NewClient(upstreamURL, driver.Config{
		ProxyURL:  cfg.Upstream.ProxyURL,
		TimeoutMS: int(cfg.Upstream.TimeoutMS / time.Millisecond),
	}, nil)

	muxCfg := multiplexer.DefaultConfig()
	muxCfg.Pinned = pinned
	mux := multiplexer.New(muxCfg, driverClient, metricsRegistry, logger.Named("multiplexer"))

	logger.Info("connecting to upstream", zap.Int("pinned_subscriptions", len(pinned)))
	if err := mux.Connect(ctx); err != nil {
		logger.Fatal("connect to upstream", zap.Error(err))
	}

	healthCfg := health.DefaultConfig()
	healthCfg.CheckInterval = time.Duration(cfg.Health.CheckIntervalMs) * time.Millisecond
	healthCfg.StaleThresholdMultiplier = cfg.Health.StaleThresholdMultiplier
	healthCfg.AutoRecoveryEnabled = cfg.Health.IsAutoRecoveryEnabled()
	healthCfg.MaxRecoveryAttempts = cfg.Health.MaxRecoveryAttempts
	healthCfg.FullReconnectThreshold = cfg.Health.FullReconnectThreshold
	healthCfg.FullReconnectCooldown = time.Duration(cfg.Health.FullReconnectCooldownMs) * time.Millisecond

	monitor := health.New(healthCfg, mux, metricsRegistry, logger.Named("health"))
	monitor.Start(ctx)

	registry := session.New(session.DefaultConfig(), mux, metricsRegistry, logger.Named("session"))

	fanoutCfg := fanout.Config{PricesLogger: pricesLogger}
	if cfg.Push.Endpoint != "" {
		pushCfg := fanout.DefaultPushConfig(cfg.Push.Endpoint, cfg.Push.APIKey)
		fanoutCfg.Push = &pushCfg
	}
	if cfg.NATS.URL != "" {
		natsCfg := fanout.DefaultNATSConfig(cfg.NATS.URL)
		fanoutCfg.NATS = &natsCfg
	}

	fanoutService, err := fanout.New(registry, fanoutCfg, metricsRegistry, logger.Named("fanout"))
	if err != nil {
		logger.Fatal("build fanout", zap.Error(err))
	}
	fanoutService.Attach(mux)
	defer fanoutService.Close()
	defer fanoutService.Detach(mux)

	var wsServer *http.Server
	if cfg.WebSocket.IsEnabled() {
		wsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.WebSocket.Port),
			Handler: session.NewServer(registry, logger.Named("ws")),
		}
		go func() {
			logger.Info("starting client websocket front", zap.Int("port", cfg.WebSocket.Port))
			if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("client websocket front stopped", zap.Error(err))
			}
		}()
	}

	healthAPI := healthapi.New(mux, monitor, func() bool {
		return mux.FullReconnect(context.Background())
	}, logger.Named("healthapi"))
	healthAPIServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HealthAPI.Port),
		Handler: healthAPI.Handler(),
	}
	go func() {
		logger.Info("starting health API", zap.Int("port", cfg.HealthAPI.Port))
		if err := healthAPIServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health API stopped", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: metricsRegistry.Handler(),
	}
	go func() {
		logger.Info("starting metrics endpoint", zap.Int("port", cfg.Metrics.Port))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics endpoint stopped", zap.Error(err))
		}
	}()

	stopSampler := make(chan struct{})
	metricsRegistry.StartProcessSampler(int32(os.Getpid()), 10*time.Second, stopSampler)
	defer close(stopSampler)

	logger.Info("bar-broker running")
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown order follows §6 literally: Health API, then Health Monitor,
	// then the client front, then the Multiplexer.
	healthAPIServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	monitor.Stop()
	if wsServer != nil {
		wsServer.Shutdown(shutdownCtx)
	}
	mux.Close()

	logger.Info("bar-broker stopped")
}
