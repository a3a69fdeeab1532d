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

	"github.com/gin-gonic/gin"
	"github.com/sjw9650/TradeButler/internal/api"
	"github.com/sjw9650/TradeButler/internal/app"
	"github.com/sjw9650/TradeButler/internal/config"
	"github.com/sjw9650/TradeButler/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config failed", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := app.Build(cfg, logger)
	if err != nil {
		logger.Error("init app failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close app", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// worker 不随信号退出，关闭时让排队任务跑完
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	a.Pool.Start(workCtx)
	a.Scheduler.Start()

	r := gin.Default()
	// 配置了账号时 /health 仍然免认证
	if cfg.BasicAuthUser != "" && cfg.BasicAuthPass != "" {
		r.Use(api.BasicAuth(cfg.BasicAuthUser, cfg.BasicAuthPass))
	}
	api.NewServer(a.Scheduler, a.Ledger, a.Budget, logger).RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting api server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exit", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := a.Scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop", "err", err)
	}
	drained := make(chan struct{})
	go func() {
		a.Pool.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("worker pool did not drain in time, cancelling running jobs")
		cancelWork()
		<-drained
	}
}
