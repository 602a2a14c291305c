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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"payledger/internal/api"
	"payledger/internal/config"
	"payledger/internal/gateway"
	"payledger/internal/logger"
	"payledger/internal/payments"
	"payledger/internal/ratelimit"
	"payledger/internal/rewards"
	"payledger/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "payledger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	log, err := logger.New("payledger", cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := pgxpool.New(poolCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	defer pool.Close()

	st := store.New(pool)
	if err := st.Ping(ctx); err != nil {
		log.Warn("database not reachable at startup", zap.Error(err))
	}

	gw := gateway.New(gateway.Config{
		BaseURL:  cfg.Gateway.BaseURL,
		Merchant: cfg.Gateway.Merchant,
		Timeout:  cfg.Gateway.Timeout,
	}, nil, log.Named("gateway"))

	ctrl := payments.NewController(gw, st, payments.Config{
		Defaults: payments.ChargeDefaults{
			Currency:       cfg.Charge.Currency,
			PayCurrency:    cfg.Charge.PayCurrency,
			LifeTime:       cfg.Charge.LifeTime,
			FeePaidByPayer: cfg.Charge.FeePaidByPayer,
			UnderPaidCover: cfg.Charge.UnderPaidCover,
			CallbackURL:    cfg.Charge.CallbackURL,
			ReturnURL:      cfg.Charge.ReturnURL,
		},
		FrontendURL:    cfg.Charge.FrontendURL,
		CallbackSecret: cfg.Callback.HMACKey,
	}, log.Named("payments"))

	reconciler := payments.NewReconciler(ctrl, cfg.ReconcileInterval, cfg.ReconcileGrace, 50, log.Named("reconciler"))
	workers := make(chan struct{})
	go func() {
		defer close(workers)
		reconciler.Run(ctx)
	}()

	limiter := ratelimit.NewStore(rate.Limit(cfg.Callback.Rate), cfg.Callback.Burst, 10*time.Minute)
	limiter.StartJanitor(ctx, time.Minute)

	evaluator := rewards.NewEvaluator(st, rewards.Policy{
		Tier1Amount: cfg.Reward.Tier1Amount,
		Tier2Amount: cfg.Reward.Tier2Amount,
		Threshold:   cfg.Reward.Threshold,
		Currency:    cfg.Reward.Currency,
	}, log.Named("rewards"))

	srv := api.NewServer(api.Deps{
		Payments:        ctrl,
		Referrals:       rewards.NewRegistrar(st, log.Named("referrals")),
		Rewards:         evaluator,
		Ledger:          st,
		CallbackLimiter: limiter,
		TrustedProxies:  cfg.Callback.TrustedProxies,
		Metrics:         promhttp.Handler(),
	}, cfg.AuthToken, log.Named("api"))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-workers
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Info("shutting down")
	stop()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	<-workers
	return nil
}
