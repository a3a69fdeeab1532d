package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sjw9650/TradeButler/internal/alert"
	"github.com/sjw9650/TradeButler/internal/annotation"
	"github.com/sjw9650/TradeButler/internal/budget"
	apperrors "github.com/sjw9650/TradeButler/internal/errors"
	"github.com/sjw9650/TradeButler/internal/storage"
	"github.com/sjw9650/TradeButler/internal/worker"
	"gorm.io/datatypes"
)

const (
	requestAnnotate       = "annotate"
	requestAnnotateStrict = "annotate_strict"

	ledgerWriteTimeout = 5 * time.Second
)

// annotate 为已插入的记录获取标注：先查缓存，再在预算约束下调用服务。
// 遇到非致命错误时把记录标为失败。
func (p *Pipeline) annotate(ctx context.Context, r *run, rec *storage.ContentRecord) error {
	fp, model := rec.Fingerprint, p.opts.Model

	var (
		entry *storage.AnnotationCacheEntry
		found bool
	)
	err := worker.Retry(ctx, p.opts.StoreRetry, func() error {
		var err error
		entry, found, err = p.Cache.Get(ctx, fp, model)
		return err
	})
	if err != nil {
		return p.failItem(ctx, r, fp, fmt.Errorf("cache lookup: %w", err))
	}
	if found {
		r.res.CacheHits++
		return p.apply(ctx, r, fp, entry)
	}

	if err := p.Budget.Check(ctx); err != nil {
		if errors.Is(err, budget.ErrExceeded) {
			p.alert(ctx, r, alert.KindBudgetExceeded, err.Error())
			return err
		}
		// 账本读不到时不盲目花钱
		return p.failItem(ctx, r, fp, err)
	}

	result, err := p.callProvider(ctx, r, fp, annotationInput(rec))
	if err != nil {
		if apperrors.IsFatal(err) {
			p.alert(ctx, r, alert.KindBudgetExceeded, err.Error())
			return err
		}
		// 返回格式错误也说明服务可达
		if apperrors.CategoryOf(err) == apperrors.CategoryTransientIO {
			r.outage++
		} else {
			r.outage = 0
		}
		err = p.failItem(ctx, r, fp, err)
		if r.outage >= p.opts.OutageThreshold {
			p.alert(ctx, r, alert.KindProviderOutage, err.Error())
			return apperrors.Wrap(
				fmt.Errorf("%w: %d consecutive failures: %v", ErrProviderOutage, r.outage, err),
				apperrors.CategoryTransientIO, "provider_outage", false)
		}
		return err
	}
	r.outage = 0

	now := p.opts.Now().UTC()
	entry = storage.NewCacheEntry(fp, model, storage.Annotation{
		Bullets: result.Bullets,
		Insight: result.Insight,
		Tags:    result.Tags,
	}, result.Truncated, now)

	var put storage.InsertResult
	err = worker.Retry(ctx, p.opts.StoreRetry, func() error {
		var err error
		put, err = p.Cache.Put(ctx, entry)
		return err
	})
	if err != nil {
		// 已付费的结果对这条记录仍然有效
		r.logger.Warn("cache put failed", "fingerprint", fp, "err", err)
	} else if put == storage.AlreadyPresent {
		if winner, ok, gerr := p.Cache.Get(ctx, fp, model); gerr == nil && ok {
			entry = winner
		}
	}
	r.res.Annotated++
	return p.apply(ctx, r, fp, entry)
}

// apply 把缓存条目写回内容记录。
func (p *Pipeline) apply(ctx context.Context, r *run, fp string, entry *storage.AnnotationCacheEntry) error {
	upd := storage.AnnotationUpdate{
		Annotation:   entry.Annotation(),
		ModelVersion: entry.ModelVersion,
		Truncated:    entry.Truncated,
		At:           p.opts.Now().UTC(),
	}
	var res storage.UpdateResult
	err := worker.Retry(ctx, p.opts.StoreRetry, func() error {
		var err error
		res, err = p.Contents.UpdateAnnotation(ctx, fp, upd)
		return err
	})
	if err != nil {
		r.res.FailedItems++
		r.logger.Warn("annotation update failed", "fingerprint", fp, "err", err)
		return err
	}
	if res == storage.NotFound {
		r.logger.Warn("annotated record vanished", "fingerprint", fp)
	}
	return nil
}

func (p *Pipeline) failItem(ctx context.Context, r *run, fp string, err error) error {
	r.res.FailedItems++
	category := apperrors.CategoryOf(err)
	r.logger.Warn("annotation failed", "fingerprint", fp, "category", category, "err", err)
	if merr := p.Contents.MarkAnnotationFailed(ctx, fp, string(category)); merr != nil {
		r.logger.Warn("mark annotation failed", "fingerprint", fp, "err", merr)
	}
	return err
}

// callProvider 对临时故障退避重试，返回不可用结果时以严格模式重问一次。
// 每次计费的尝试都写入账本。
func (p *Pipeline) callProvider(ctx context.Context, r *run, fp, text string) (annotation.Result, error) {
	strict := false
	for {
		var result annotation.Result
		err := worker.RetryNotify(ctx, p.opts.ProviderRetry, func() error {
			res, err := p.Annotator.Annotate(ctx, annotation.Request{
				Text:           text,
				ModelVersion:   p.opts.Model,
				MaxInputLength: p.opts.MaxInputLength,
				Strict:         strict,
			})
			p.recordCost(ctx, r, fp, strict, res, err)
			if err != nil {
				return err
			}
			result = res
			return nil
		}, func(err error, wait time.Duration) {
			r.logger.Warn("annotation retry", "fingerprint", fp, "wait", wait, "err", err)
		})
		if err == nil {
			return result, nil
		}

		var ae *annotation.Error
		if !strict && errors.As(err, &ae) && ae.Kind == annotation.InvalidResponse && !ae.Permanent {
			strict = true
			continue
		}
		return annotation.Result{}, err
	}
}

func (p *Pipeline) recordCost(ctx context.Context, r *run, fp string, strict bool, res annotation.Result, callErr error) {
	entry := &storage.CostLogEntry{
		Fingerprint: fp,
		Model:       p.opts.Model,
		Outcome:     storage.OutcomeSuccess,
		RequestType: requestAnnotate,
		Metadata:    datatypes.JSONMap{"job": r.job, "run_id": r.id},
		CreatedAt:   p.opts.Now().UTC(),
	}
	if strict {
		entry.RequestType = requestAnnotateStrict
	}

	if callErr != nil {
		var ae *annotation.Error
		if !errors.As(callErr, &ae) || !ae.Billable {
			return
		}
		entry.Outcome = storage.OutcomeFailure
		entry.ErrorCategory = string(ae.Category())
		entry.InputTokens, entry.OutputTokens, entry.Cost = ae.InputTokens, ae.OutputTokens, ae.Cost
		entry.Metadata["status"] = ae.Status
	} else {
		entry.InputTokens, entry.OutputTokens, entry.Cost = res.InputTokens, res.OutputTokens, res.Cost
		entry.Metadata["truncated"] = res.Truncated
	}

	// 调用已经发生，任务取消后账本也要写入
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	err := worker.Retry(wctx, p.opts.StoreRetry, func() error {
		return p.Ledger.Record(wctx, entry)
	})
	if err == nil {
		return
	}
	r.res.LedgerFailures++
	err = apperrors.Wrap(err, apperrors.CategoryLedgerWriteFailure, "ledger_write_failure", false)
	r.logger.Error("cost ledger write failed",
		"severity", "critical",
		"category", apperrors.CategoryOf(err),
		"fingerprint", fp, "model", entry.Model, "cost", entry.Cost.String(), "err", err)
	p.alert(wctx, r, alert.KindLedgerWriteFailure, fmt.Sprintf("fingerprint=%s model=%s cost=%s: %v", fp, entry.Model, entry.Cost, err))
}

func (p *Pipeline) alert(ctx context.Context, r *run, kind alert.Kind, msg string) {
	if err := p.Alerter.Alert(ctx, alert.Alert{Kind: kind, Job: r.job, Message: msg}); err != nil {
		r.logger.Warn("alert delivery failed", "kind", kind, "err", err)
	}
}

// annotationInput 是发给服务的文本：标题在前，正文在后。
func annotationInput(rec *storage.ContentRecord) string {
	var b strings.Builder
	b.WriteString(rec.Title)
	if body := strings.TrimSpace(rec.Body); body != "" {
		b.WriteString("\n\n")
		b.WriteString(body)
	}
	return b.String()
}
