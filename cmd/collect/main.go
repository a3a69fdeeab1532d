package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sjw9650/TradeButler/internal/app"
	"github.com/sjw9650/TradeButler/internal/config"
	"github.com/sjw9650/TradeButler/internal/logging"
)

// 只执行一次指定任务后退出，适合手动触发采集。
func main() {
	jobName := flag.String("job", "all-news", "name of the configured job to run")
	flag.Parse()

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	res, err := a.Scheduler.RunNow(ctx, *jobName)
	stop()
	if cerr := a.Close(); cerr != nil {
		logger.Warn("close app", "err", cerr)
	}
	if err != nil {
		logger.Error("job failed", "job", *jobName, "err", err, "result", res)
		os.Exit(1)
	}
	logger.Info("job done",
		"job", *jobName,
		"inserted", res.Inserted,
		"duplicates", res.Duplicates,
		"annotated", res.Annotated,
		"failed_items", res.FailedItems,
	)
}
