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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"

	"github.com/warp/skill-exchange/api"
	"github.com/warp/skill-exchange/catalog"
	"github.com/warp/skill-exchange/config"
	"github.com/warp/skill-exchange/credit"
	"github.com/warp/skill-exchange/notify"
	"github.com/warp/skill-exchange/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe starts the server and blocks until SIGINT/SIGTERM, then drains
// requests, stops the expiry sweep and flushes notifications.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Auth.RequireIdentity(); err != nil {
		return err
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer be.close()

	events, stopEvents, err := startNotifier(ctx, cfg, be.pool, logger)
	if err != nil {
		return err
	}
	defer stopEvents()

	admins := credit.NewStaticAdmins(cfg.Admin.Admins()...)
	system := credit.UserID(cfg.Admin.System)
	ledger := credit.NewLedger(be.ledger, credit.WithLogger(logger))
	escrow := credit.NewEscrow(ledger, logger)
	cat := catalog.New(be.offerings)
	if err := seedOfferings(ctx, cat, cfg.Offerings); err != nil {
		return err
	}

	machine := session.NewMachine(be.sessions, escrow, cat,
		session.WithLogger(logger),
		session.WithEvents(events),
		session.WithAdmins(admins),
		session.WithBillingUnit(cfg.BillingUnit()),
	)
	handler := &api.Handler{
		Machine:    machine,
		Ledger:     ledger,
		Balances:   credit.NewCalculator(be.ledger),
		Reconciler: credit.NewReconciler(ledger, admins, events, logger),
		Catalog:    cat,
		Auth: api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.DevHeader,
			api.WithPrivileged(admins)),
		System:     system,
		Health:     be.ping,
		Logger:     logger,
	}
	if cfg.Auth.DevHeader {
		logger.Warn("dev identity header enabled, any caller can act as any non-admin user", "header", api.DevUserHeader)
	}

	scheduler := api.NewExpiryScheduler(be.sessions, machine, system, logger)
	scheduler.Enabled = cfg.Expiry.Enabled
	scheduler.CheckInterval = cfg.Expiry.Every()
	scheduler.Start()
	defer scheduler.Stop()

	readTimeout, writeTimeout, shutdownTimeout := cfg.Server.Timeouts()
	server := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewRouter(handler, api.RouterOptions{
			CORSOrigins:     cfg.Server.CORSOrigins,
			EnableScenarios: cfg.Server.EnableScenarios,
		}),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr, "store", cfg.Store.Driver, "notify", cfg.Notify.Mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// startNotifier builds the event dispatcher for notify.mode. The returned
// stop func flushes or stops delivery.
func startNotifier(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, logger *slog.Logger) (notify.Dispatcher, func(), error) {
	sink := notify.NewLogDispatcher(logger)

	switch cfg.Notify.Mode {
	case "log":
		return sink, func() {}, nil

	case "pool":
		p := notify.NewPool(cfg.Notify.Buffer, sink, logger)
		p.Start(cfg.Notify.Workers)
		return p, p.Shutdown, nil

	case "river":
		if pool == nil {
			return nil, nil, errors.New("notify mode river needs the postgres store")
		}
		migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("create river migrator: %w", err)
		}
		if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
			return nil, nil, fmt.Errorf("river migrate up: %w", err)
		}

		workers := river.NewWorkers()
		river.AddWorker(workers, notify.NewDeliveryWorker(sink))
		client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
			Queues: map[string]river.QueueConfig{
				river.QueueDefault: {MaxWorkers: cfg.Notify.Workers},
			},
			Workers: workers,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create river client: %w", err)
		}
		if err := client.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("start river client: %w", err)
		}
		logger.Info("river notifications started", "workers", cfg.Notify.Workers)

		stop := func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := client.Stop(stopCtx); err != nil {
				logger.Warn("river client stop", "error", err)
			}
		}
		return notify.NewRiverDispatcher(client), stop, nil

	default:
		return nil, nil, fmt.Errorf("unknown notify mode %q", cfg.Notify.Mode)
	}
}
