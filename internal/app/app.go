package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sjw9650/TradeButler/internal/alert"
	"github.com/sjw9650/TradeButler/internal/annotation"
	"github.com/sjw9650/TradeButler/internal/budget"
	"github.com/sjw9650/TradeButler/internal/collector"
	"github.com/sjw9650/TradeButler/internal/config"
	"github.com/sjw9650/TradeButler/internal/pipeline"
	"github.com/sjw9650/TradeButler/internal/scheduler"
	"github.com/sjw9650/TradeButler/internal/storage"
	"github.com/sjw9650/TradeButler/internal/worker"
)

// fallbackModel 用于给价格表中没有的模型计价。
const fallbackModel = "gpt-3.5-turbo"

// App 持有 api 和 collect 两个命令共用的组件。
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Pool      *worker.Pool
	Scheduler *scheduler.Scheduler
	Pipeline  *pipeline.Pipeline
	Ledger    storage.CostLedger
	Budget    *budget.Guard

	closers []func() error
}

type stores struct {
	contents storage.ContentStore
	cache    storage.AnnotationCache
	ledger   storage.CostLedger
	checks   map[string]pipeline.Check
}

// Build 根据配置组装存储、标注客户端、流水线、工作池和调度器，不启动任何东西。
func Build(cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	st, err := a.openStores()
	if err != nil {
		return nil, err
	}

	pricing, err := buildPricing(cfg.Pricing, cfg.LLM.Model)
	if err != nil {
		a.Close()
		return nil, err
	}
	client, err := annotation.NewClient(annotation.Config{
		Endpoint:    cfg.LLM.Endpoint,
		APIKey:      cfg.LLM.APIKey,
		CallTimeout: cfg.LLM.CallTimeout,
	}, pricing, annotation.NewLimiter(cfg.LLM.MaxInFlight, cfg.LLM.MinInterval))
	if err != nil {
		a.Close()
		return nil, err
	}

	extractors := collector.ChainExtractor{collector.NewHTMLExtractor(cfg.Fetch.Timeout)}
	if cfg.Fetch.ExtractorURL != "" {
		extractors = append(extractors, collector.NewRemoteExtractor(cfg.Fetch.ExtractorURL, 2*cfg.Fetch.Timeout))
	}

	var alerter alert.Alerter = alert.NewLogAlerter(logger)
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		alerter = alert.Multi{alerter, alert.NewTelegramAlerter(cfg.Telegram.BotToken, cfg.Telegram.ChatID)}
	}

	a.Ledger = st.ledger
	a.Budget = budget.NewGuard(st.ledger, cfg.Budget.Ceiling, cfg.Budget.Window, cfg.Location())

	retry := worker.Policy{Attempts: cfg.Retry.Attempts, BaseDelay: cfg.Retry.BaseDelay, MaxDelay: cfg.Retry.MaxDelay}
	a.Pipeline, err = pipeline.New(pipeline.Deps{
		Fetcher:   collector.NewRSSFetcher(cfg.Fetch.Timeout),
		Extractor: extractors,
		Contents:  st.contents,
		Cache:     st.cache,
		Ledger:    st.ledger,
		Annotator: client,
		Budget:    a.Budget,
		Alerter:   alerter,
		Sources:   worker.NewKeyedLimiter(cfg.Fetch.SourceMinInterval),
		Checks:    st.checks,
		Logger:    logger,
	}, pipeline.Options{
		Model:           cfg.LLM.Model,
		MaxInputLength:  cfg.LLM.MaxInputLength,
		MinBodyLength:   cfg.Fetch.MinBodyLength,
		OutageThreshold: cfg.LLM.OutageThreshold,
		FetchRetry:      retry,
		StoreRetry:      retry,
		ProviderRetry:   retry,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	descs, err := scheduler.FromConfig(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Pool = worker.NewPool(cfg.Pool.Workers, cfg.Pool.QueueSize, logger)
	a.Scheduler, err = scheduler.New(descs, a.Pipeline, a.Budget, a.Pool, scheduler.Options{
		Location:   cfg.Location(),
		JobTimeout: cfg.Pool.JobTimeout,
		Alerter:    alerter,
		Logger:     logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStores() (stores, error) {
	cfg := a.Config
	if cfg.StorageDriver == "memory" {
		mem := storage.NewMemoryStore()
		a.Logger.Warn("using in-memory storage; nothing survives a restart")
		return stores{contents: mem, cache: mem, ledger: mem, checks: map[string]pipeline.Check{}}, nil
	}

	db, err := storage.NewStore(cfg.PostgresDSN)
	if err != nil {
		return stores{}, fmt.Errorf("init store: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	st := stores{
		contents: db,
		cache:    db,
		ledger:   db,
		checks:   map[string]pipeline.Check{"postgres": db.Ping},
	}

	if cfg.RedisAddr != "" {
		rdb := storage.NewRedisClient(cfg.RedisAddr, a.Logger)
		a.closers = append(a.closers, rdb.Close)
		st.cache = storage.NewRedisAnnotationCache(rdb, db, cfg.AnnotationCacheTTL, a.Logger)
		st.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	return st, nil
}

func buildPricing(cfg map[string]config.PriceConfig, model string) (*annotation.Pricing, error) {
	rates := make(map[string]annotation.Rate, len(cfg))
	for name, p := range cfg {
		r, err := annotation.ParseRate(p.InputPer1K, p.OutputPer1K)
		if err != nil {
			return nil, fmt.Errorf("pricing %q: %w", name, err)
		}
		rates[name] = r
	}
	fallback := fallbackModel
	if _, ok := rates[fallback]; !ok {
		fallback = model
	}
	return annotation.NewPricing(rates, fallback)
}

// Close 释放数据库和 Redis 连接。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
