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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/spf13/cobra"

	"github.com/thorgate/relay/internal/auth"
	"github.com/thorgate/relay/internal/channels"
	"github.com/thorgate/relay/internal/directory"
	"github.com/thorgate/relay/internal/dispatch"
	"github.com/thorgate/relay/internal/events"
	"github.com/thorgate/relay/internal/handlers"
	"github.com/thorgate/relay/internal/ledger"
	"github.com/thorgate/relay/internal/metrics"
	"github.com/thorgate/relay/internal/pricing"
	"github.com/thorgate/relay/internal/provider/bedrock"
	"github.com/thorgate/relay/internal/provider/ollama"
	"github.com/thorgate/relay/internal/provider/openaicompat"
	"github.com/thorgate/relay/internal/registry"
	"github.com/thorgate/relay/internal/repository"
	"github.com/thorgate/relay/internal/router"
	"github.com/thorgate/relay/internal/schema"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server and event workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, logger, pool, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	// Events: River persists audit events out of the request path.
	workers := river.NewWorkers()
	river.AddWorker(workers, events.NewWorker(events.NewRepository(pool)))
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Events.Workers},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	recorder := events.NewQueueRecorder(func(ctx context.Context, args events.RecordEventArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}, logger)

	// Providers are fixed for the life of the process.
	httpClient := &http.Client{}
	providers := registry.New()
	providers.MustRegister(openaicompat.Name, openaicompat.New(httpClient))
	providers.MustRegister(ollama.Name, ollama.New(httpClient))
	providers.MustRegister(bedrock.Name, bedrock.New(cfg.AWS.Region))
	providers.Seal()
	logger.Info("providers registered", "providers", providers.Names())

	table, err := pricing.NewTable(cfg.Pricing.ModelPrices, cfg.Pricing.DefaultPromptRate, cfg.Pricing.DefaultCompletionRate)
	if err != nil {
		return fmt.Errorf("pricing: %w", err)
	}

	store := repository.NewStore(pool)
	led := ledger.New(ledger.NewRepository(pool), logger, m)
	dispatcher := dispatch.New(dispatch.Deps{
		Auth:      auth.NewAuthority(store, logger),
		Channels:  store,
		Providers: providers,
		Ledger:    led,
		Pricing:   table,
		Events:    recorder,
		Metrics:   m,
		Logger:    logger,
	}, dispatch.Config{
		Timeout: cfg.Relay.ProviderTimeout,
		Breaker: dispatch.BreakerSettings{
			MaxRequests:  cfg.Breaker.MaxRequests,
			Interval:     cfg.Breaker.Interval,
			Timeout:      cfg.Breaker.Timeout,
			MinRequests:  cfg.Breaker.MinRequests,
			FailureRatio: cfg.Breaker.FailureRatio,
		},
	})

	validator, err := schema.NewValidator()
	if err != nil {
		return fmt.Errorf("schema validator: %w", err)
	}

	handler := router.New(router.Handlers{
		Relay: &handlers.RelayHandler{Dispatcher: dispatcher, Logger: logger},
		Accounts: &handlers.AccountHandler{
			Accounts: directory.New(store, led, recorder, logger, cfg.Relay.NewAccountCredit),
			Logger:   logger,
		},
		Channels: &handlers.ChannelHandler{
			Channels:  channels.New(store, providers, dispatcher, recorder, logger),
			Providers: providers,
			Logger:    logger,
		},
	}, router.Config{
		Sessions:           auth.NewSessions(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL),
		Accounts:           store,
		Bodies:             validator,
		Metrics:            m,
		Gatherer:           promReg,
		CORSAllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
		Health:             pool.Ping,
	})

	if err := riverClient.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := riverClient.Stop(stopCtx); err != nil {
			logger.Error("River client stop", "error", err)
		}
	}()

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.HTTP.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		return err
	}
	return nil
}
