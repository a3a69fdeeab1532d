package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sjw9650/TradeButler/internal/alert"
	"github.com/sjw9650/TradeButler/internal/annotation"
	"github.com/sjw9650/TradeButler/internal/budget"
	"github.com/sjw9650/TradeButler/internal/collector"
	apperrors "github.com/sjw9650/TradeButler/internal/errors"
	"github.com/sjw9650/TradeButler/internal/logging"
	"github.com/sjw9650/TradeButler/internal/storage"
	"github.com/sjw9650/TradeButler/internal/worker"
)

// ErrProviderOutage 表示连续太多条目无法访问标注服务，任务中止。
var ErrProviderOutage = errors.New("annotation provider outage")

// PollJobParams 选择一次拉取任务要处理的源。
type PollJobParams struct {
	FeedGroup string
	Feeds     []collector.FeedDescriptor
}

// ReannotateJobParams 限定一轮补标注处理的范围。
type ReannotateJobParams struct {
	Limit int
}

// Check 是健康检查任务对某个依赖的检测。
type Check func(ctx context.Context) error

type Options struct {
	Model          string
	MaxInputLength int
	// 源正文短于该长度时替换为提取的原文
	MinBodyLength   int
	OutageThreshold int

	FetchRetry    worker.Policy
	StoreRetry    worker.Policy
	ProviderRetry worker.Policy

	Now func() time.Time
}

type Deps struct {
	Fetcher   collector.Fetcher
	Extractor collector.Extractor
	Contents  storage.ContentStore
	Cache     storage.AnnotationCache
	Ledger    storage.CostLedger
	Annotator annotation.Annotator
	Budget    *budget.Guard
	Alerter   alert.Alerter
	Sources   *worker.KeyedLimiter
	Checks    map[string]Check
	Logger    *slog.Logger
}

// Pipeline 执行采集和标注任务，可并发运行，每轮状态都放在 run 里。
type Pipeline struct {
	Deps
	opts Options
}

func New(deps Deps, opts Options) (*Pipeline, error) {
	if deps.Contents == nil || deps.Cache == nil || deps.Ledger == nil {
		return nil, errors.New("pipeline: content store, cache and ledger are required")
	}
	if deps.Annotator == nil || deps.Budget == nil {
		return nil, errors.New("pipeline: annotator and budget guard are required")
	}
	if opts.Model == "" {
		return nil, errors.New("pipeline: model is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Alerter == nil {
		deps.Alerter = alert.NewLogAlerter(deps.Logger)
	}
	if opts.OutageThreshold <= 0 {
		opts.OutageThreshold = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	deps.Logger = deps.Logger.With("component", "pipeline")
	return &Pipeline{Deps: deps, opts: opts}, nil
}

// JobResult 统计一轮的结果。每个条目恰好计入 Inserted、Duplicates、
// Rejected 或 FailedItems（插入前失败）之一。
type JobResult struct {
	RunID          string `json:"runId"`
	Feeds          int    `json:"feeds"`
	FailedFeeds    int    `json:"failedFeeds"`
	Fetched        int    `json:"fetched"`
	Inserted       int    `json:"inserted"`
	Duplicates     int    `json:"duplicates"`
	Rejected       int    `json:"rejected"`
	Annotated      int    `json:"annotated"`
	CacheHits      int    `json:"cacheHits"`
	FailedItems    int    `json:"failedItems"`
	LedgerFailures int    `json:"ledgerFailures"`
}

type run struct {
	job    string
	id     string
	logger *slog.Logger
	res    *JobResult
	seen   map[string]struct{}
	// 连续发生临时故障的服务调用条数
	outage int
}

func (p *Pipeline) newRun(job string) *run {
	id := uuid.NewString()
	return &run{
		job:    job,
		id:     id,
		logger: p.Logger.With("job", job, "run_id", id),
		res:    &JobResult{RunID: id},
		seen:   make(map[string]struct{}),
	}
}

// RunPoll 按顺序采集分组内的所有源。单个源失败计数后继续；
// 所有源都失败或遇到致命错误（预算、服务中断、超时）时任务失败。
func (p *Pipeline) RunPoll(ctx context.Context, job string, params PollJobParams) (JobResult, error) {
	if p.Fetcher == nil {
		return JobResult{}, errors.New("pipeline: no fetcher configured")
	}
	r := p.newRun(job)
	r.logger.Info("poll started", "feed_group", params.FeedGroup, "feeds", len(params.Feeds))
	start := time.Now()

	var lastErr error
	for _, feed := range params.Feeds {
		if err := ctx.Err(); err != nil {
			return r.finish(start, fmt.Errorf("poll %s: %w", job, err))
		}
		r.res.Feeds++
		err := p.pollFeed(ctx, r, feed)
		if err == nil {
			continue
		}
		if p.fatal(ctx, err) {
			return r.finish(start, fmt.Errorf("poll %s: feed %s: %w", job, feed.Name, err))
		}
		r.res.FailedFeeds++
		lastErr = err
		r.logger.Warn("feed failed", "feed", feed.Name, "category", apperrors.CategoryOf(err), "err", err)
	}

	if r.res.Feeds > 0 && r.res.FailedFeeds == r.res.Feeds {
		return r.finish(start, fmt.Errorf("poll %s: all %d feeds failed: %w", job, r.res.Feeds, lastErr))
	}
	return r.finish(start, nil)
}

func (r *run) finish(start time.Time, err error) (JobResult, error) {
	res := *r.res
	attrs := []any{
		"elapsed", time.Since(start).Round(time.Millisecond),
		"feeds", res.Feeds, "failed_feeds", res.FailedFeeds,
		"fetched", res.Fetched, "inserted", res.Inserted, "duplicates", res.Duplicates,
		"rejected", res.Rejected, "annotated", res.Annotated, "cache_hits", res.CacheHits,
		"failed_items", res.FailedItems, "ledger_failures", res.LedgerFailures,
	}
	if err != nil {
		r.logger.Error("job failed", append(attrs, "category", apperrors.CategoryOf(err), "err", err)...)
		return res, err
	}
	r.logger.Info("job done", attrs...)
	return res, nil
}

func (p *Pipeline) pollFeed(ctx context.Context, r *run, feed collector.FeedDescriptor) error {
	if err := feed.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.CategoryMalformedInput, "invalid_feed", false)
	}
	key := sourceKey(feed.URL)

	var items []collector.RawItem
	err := worker.RetryNotify(ctx, p.opts.FetchRetry, func() error {
		if err := p.Sources.Wait(ctx, key); err != nil {
			return err
		}
		var err error
		items, err = p.Fetcher.Fetch(ctx, feed)
		return err
	}, func(err error, wait time.Duration) {
		r.logger.Warn("fetch retry", "feed", feed.Name, "wait", wait, "err", err)
	})
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	r.res.Fetched += len(items)
	r.logger.Debug("feed fetched", "feed", feed.Name, "items", len(items))

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.ingestItem(ctx, r, feed, item); err != nil && p.fatal(ctx, err) {
			return err
		}
	}
	return nil
}

// fatal 判断 err 是否要终止整个任务。
func (p *Pipeline) fatal(ctx context.Context, err error) bool {
	return apperrors.IsFatal(err) || errors.Is(err, ErrProviderOutage) || ctx.Err() != nil
}

func sourceKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

// RunReannotate 标注待处理、可重试失败或由其他模型标注过的记录。
func (p *Pipeline) RunReannotate(ctx context.Context, job string, params ReannotateJobParams) (JobResult, error) {
	r := p.newRun(job)
	start := time.Now()
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	var records []storage.ContentRecord
	err := worker.Retry(ctx, p.opts.StoreRetry, func() error {
		var err error
		records, err = p.Contents.ListPendingAnnotation(ctx, p.opts.Model, limit)
		return err
	})
	if err != nil {
		return r.finish(start, fmt.Errorf("reannotate %s: list pending: %w", job, err))
	}
	r.logger.Info("reannotate started", "pending", len(records), "model", p.opts.Model)

	for i := range records {
		if err := ctx.Err(); err != nil {
			return r.finish(start, fmt.Errorf("reannotate %s: %w", job, err))
		}
		if err := p.annotate(ctx, r, &records[i]); err != nil && p.fatal(ctx, err) {
			return r.finish(start, fmt.Errorf("reannotate %s: %w", job, err))
		}
	}
	return r.finish(start, nil)
}

// RunHealthCheck 检查所有配置的依赖以及预算。
func (p *Pipeline) RunHealthCheck(ctx context.Context, job string) (JobResult, error) {
	r := p.newRun(job)
	start := time.Now()
	var errs []error
	for name, check := range p.Checks {
		if err := check(ctx); err != nil {
			r.res.FailedItems++
			r.logger.Warn("health check failed", "check", name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	spent, w, err := p.Budget.Spent(ctx)
	if err != nil {
		r.res.FailedItems++
		errs = append(errs, err)
	} else {
		r.logger.Info("budget status", "spent", spent.StringFixed(4), "ceiling", p.Budget.Ceiling().StringFixed(4), "window_start", w.Start)
	}
	return r.finish(start, errors.Join(errs...))
}
