package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/thibautrey/multicodex-proxy/internal/config"
	"github.com/thibautrey/multicodex-proxy/internal/handler"
	"github.com/thibautrey/multicodex-proxy/internal/pkg/logger"
	"github.com/thibautrey/multicodex-proxy/internal/server"
	"github.com/thibautrey/multicodex-proxy/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server start failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(logger.Options{Level: cfg.LogLevel, FilePath: cfg.LogFilePath}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	store, err := service.NewAccountStore(cfg.StorePath, time.Duration(cfg.AccountFlushIntervalMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("open account store: %w", err)
	}
	defer store.Close()

	traces, err := service.NewTraceLog(cfg.TraceFilePath, cfg.TraceStatsHistoryPath)
	if err != nil {
		return fmt.Errorf("open trace log: %w", err)
	}

	usage := service.NewUsageService(store, service.UsageServiceOptions{
		BaseURL:       cfg.ChatGPTBaseURL,
		CacheTTL:      time.Duration(cfg.UsageCacheTTLMs) * time.Millisecond,
		Timeout:       time.Duration(cfg.UsageTimeoutMs) * time.Millisecond,
		BlockFallback: time.Duration(cfg.BlockFallbackMs) * time.Millisecond,
	})
	tokens := service.NewTokenRefresher(store, time.Duration(cfg.TokenRefreshMarginMs)*time.Millisecond)
	scheduler := service.NewScheduler(store, time.Duration(cfg.RoutingWindowMs)*time.Millisecond)
	gateway := service.NewGatewayService(store, usage, traces, service.GatewayServiceOptions{
		BaseURL:            cfg.ChatGPTBaseURL,
		UpstreamPath:       cfg.UpstreamPath,
		MaxUpstreamRetries: cfg.MaxUpstreamRetries,
		BaseDelay:          time.Duration(cfg.UpstreamBaseDelayMs) * time.Millisecond,
		TraceIncludeBody:   cfg.TraceIncludeBody,
	})
	models := service.NewModelsService(store, service.ModelsServiceOptions{
		BaseURL:       cfg.ChatGPTBaseURL,
		ProxyModels:   cfg.ProxyModelIDs(),
		ClientVersion: cfg.ModelsClientVersion,
		CacheTTL:      time.Duration(cfg.ModelsCacheMs) * time.Millisecond,
	})

	// Background sweeps keep tokens fresh and routing pressure current even
	// when the gateway is idle.
	jobs := cron.New()
	if _, err := jobs.AddFunc("@every 5m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		usage.SweepUsage(ctx)
	}); err != nil {
		return fmt.Errorf("schedule usage sweep: %w", err)
	}
	if _, err := jobs.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		tokens.SweepTokens(ctx)
	}); err != nil {
		return fmt.Errorf("schedule token sweep: %w", err)
	}
	jobs.Start()
	defer jobs.Stop()

	oauth, err := service.NewOAuthService(store, cfg.OAuthStatePath)
	if err != nil {
		return fmt.Errorf("open oauth state: %w", err)
	}

	gatewayHandler := handler.NewOpenAIGatewayHandler(gateway, scheduler, tokens, usage, store, cfg.MaxAccountRetryAttempts)
	modelsHandler := handler.NewModelsHandler(models)
	adminHandler := handler.NewAdminHandler(store, usage, oauth, traces)
	engine := server.NewRouter(gatewayHandler, modelsHandler, adminHandler, cfg.AdminToken)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("gateway listening", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.L().Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := store.Flush(); err != nil {
		logger.L().Warn("final store flush failed", zap.Error(err))
	}
	return nil
}
