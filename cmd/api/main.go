package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agroflow/audit"
	"agroflow/config"
	"agroflow/contract"
	"agroflow/db"
	"agroflow/engagement"
	"agroflow/httpapi"
	"agroflow/identity"
	"agroflow/negotiation"
	"agroflow/settlement"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	auditLog := audit.NewLog()
	outbox := audit.NewOutbox()

	contractRepo := contract.NewRepository(pool)

	identitySvc := identity.NewService(identity.NewRepository(pool), cfg.JWTSecret)
	engagementSvc := engagement.NewService(pool, engagement.NewRepository(pool), contractRepo, auditLog, outbox)
	negotiationSvc := negotiation.NewService(pool, negotiation.NewRepository(pool), auditLog, outbox)
	contractSvc := contract.NewService(pool, contractRepo, negotiation.NewRepository(pool), auditLog, outbox)
	settlementSvc := settlement.NewService(pool, settlement.NewRepository(pool), contractRepo, auditLog, outbox, settlement.Config{
		PlatformAccountID: cfg.PlatformAccountID,
		PlatformFeeRate:   cfg.PlatformFeeRate,
		ChargeTTL:         cfg.ChargeTTL,
	}, logger)

	sweeper, err := settlement.NewSweeper(settlementSvc, cfg.SweepSchedule, logger)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	handler := httpapi.NewHandler(identitySvc, engagementSvc, negotiationSvc, contractSvc, settlementSvc)
	router := httpapi.NewRouter(handler, identitySvc)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
