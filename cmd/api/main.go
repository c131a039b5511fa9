package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	orderApp "github.com/cassiomorais/outbox/internal/application/order"
	appOutbox "github.com/cassiomorais/outbox/internal/application/outbox"
	"github.com/cassiomorais/outbox/internal/application/relay"
	"github.com/cassiomorais/outbox/internal/bootstrap"
	"github.com/cassiomorais/outbox/internal/controller"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "outbox-api", "outbox")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	// --- Use cases ---
	backend := app.Backend
	writer := appOutbox.NewWriter(backend.TxManager, backend.Outbox, nil)
	createOrderUC := orderApp.NewCreateOrderUseCase(backend.Orders, writer, nil, app.Metrics)
	getOrderUC := orderApp.NewGetOrderUseCase(backend.Orders)
	admin := appOutbox.NewAdmin(backend.Outbox, nil)

	// --- Embedded relay ---
	var rl *relay.Relay
	if app.Config.Relay.Embedded {
		rl, err = app.NewRelay(ctx)
		if err != nil {
			app.Logger.Error().Err(err).Msg("Failed to build relay")
			return
		}
	}

	// --- Build router ---
	var gatherer prometheus.Gatherer
	if app.Config.Observability.EnableMetrics {
		gatherer = app.Registry
	}
	router := controller.NewRouter(controller.RouterDeps{
		ServiceName:     "outbox-api",
		CreateOrder:     createOrderUC,
		GetOrder:        getOrderUC,
		Admin:           admin,
		IdempotencyRepo: backend.Idempotency,
		HealthChecks: map[string]controller.HealthCheck{
			"database": app.Ping,
			"redis":    app.PingRedis,
		},
		RelayStatus: relayStatus(rl),
		Metrics:     app.Metrics,
		Gatherer:    gatherer,
		ServerConf:  app.Config.Server,
		Logger:      app.Logger,
	})

	// --- HTTP server ---
	addr := fmt.Sprintf(":%d", app.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if rl != nil {
		g.Go(func() error {
			return rl.Run(gCtx)
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		app.Logger.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		app.Logger.Error().Err(err).Msg("API error")
	}
	app.Logger.Info().Msg("Server exited")
}

func relayStatus(rl *relay.Relay) func() map[string]string {
	if rl == nil {
		return nil
	}
	return func() map[string]string {
		phases := rl.Phases()
		out := make(map[string]string, len(phases))
		for owner, p := range phases {
			out[owner] = p.String()
		}
		return out
	}
}
