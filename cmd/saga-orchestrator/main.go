package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/saga-orchestrator/internal/config"
	"github.com/jcmexdev/saga-orchestrator/internal/coordinator"
	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/orderprocessing"
	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog/sqlstore"
	"github.com/jcmexdev/saga-orchestrator/internal/gateway"
	"github.com/jcmexdev/saga-orchestrator/internal/pkg/redisx"
	"github.com/jcmexdev/saga-orchestrator/internal/pkg/telemetry"
	"github.com/jcmexdev/saga-orchestrator/internal/saga-api/infra/httpx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	telemetry.InitLogger(cfg.LogLevel, cfg.ServiceName)

	if err := run(cfg); err != nil {
		slog.Error("saga orchestrator stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	client := gateway.NewClient(cfg.GatewayTimeout, cfg.APIKey)
	var payment gateway.Payment = gateway.NewSimulatedPayment(cfg.PaymentDelay)
	if cfg.PaymentURL != "" {
		payment = gateway.NewHTTPPayment(client, cfg.PaymentURL)
	}

	registry, err := coordinator.NewRegistry(orderprocessing.Definition(
		gateway.NewInventory(client, cfg.InventoryURL),
		gateway.NewEcommerce(client, cfg.EcommerceURL),
		payment,
	))
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics()
	opts := []coordinator.Option{
		coordinator.WithMetrics(metrics),
		coordinator.WithStepTimeout(cfg.GatewayTimeout),
		coordinator.WithLogger(slog.Default()),
	}

	if cfg.RedisAddr != "" {
		rdb, err := redisx.NewClient(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func(rdb *redis.Client) { _ = rdb.Close() }(rdb)
		opts = append(opts,
			coordinator.WithLocker(redisx.NewLocker(rdb, cfg.LockTTL)),
			coordinator.WithPublisher(redisx.NewStreamPublisher(rdb, cfg.RedisStream)),
		)
		slog.Info("redis lock and event stream enabled", "addr", cfg.RedisAddr, "stream", cfg.RedisStream)
	}

	orch := coordinator.NewOrchestrator(store, registry, opts...)

	if cfg.RecoverOnStart {
		n, err := orch.Recover(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Warn("resuming unfinished sagas", "count", n)
		}
	}

	handler := httpx.NewHandler(orch, coordinator.NewQueryService(store), cfg.ServiceName)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(handler, metrics.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("saga orchestrator running", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	if err := orch.Wait(shutdownCtx); err != nil {
		// Sagas still running are picked up by the next start's recovery.
		slog.Warn("sagas still running at shutdown", "error", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.Store, error) {
	dialect := sqlstore.Dialect(cfg.StoreDriver)
	if dialect == sqlstore.DialectSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.StoreDSN), 0o755); err != nil {
			return nil, err
		}
	}
	return sqlstore.Open(ctx, dialect, cfg.StoreDSN)
}
