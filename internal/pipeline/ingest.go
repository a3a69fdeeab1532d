package pipeline

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/sjw9650/TradeButler/internal/collector"
	apperrors "github.com/sjw9650/TradeButler/internal/errors"
	"github.com/sjw9650/TradeButler/internal/processor"
	"github.com/sjw9650/TradeButler/internal/storage"
	"github.com/sjw9650/TradeButler/internal/worker"
)

// ingestItem 对单个条目依次做规范化、去重、插入和标注。
// 只有致命错误会传出源循环。
func (p *Pipeline) ingestItem(ctx context.Context, r *run, feed collector.FeedDescriptor, item collector.RawItem) error {
	draft, err := processor.Normalize(item, feed)
	if err != nil {
		r.res.Rejected++
		r.logger.Debug("item rejected", "feed", feed.Name, "link", item.Link, "err", err)
		return nil
	}
	fp := processor.Fingerprint(draft)

	if _, dup := r.seen[fp]; dup {
		r.res.Duplicates++
		return nil
	}

	// 查询结果未知不等于不存在：跳过该条以免重复付费，
	// 且不标记为已见，本轮后面的同一条目还能再试
	var exists bool
	err = worker.Retry(ctx, p.opts.StoreRetry, func() error {
		var err error
		exists, err = p.Contents.Exists(ctx, fp)
		return err
	})
	if err != nil {
		r.res.FailedItems++
		r.logger.Warn("existence check failed", "fingerprint", fp, "category", apperrors.CategoryOf(err), "err", err)
		return err
	}
	r.seen[fp] = struct{}{}
	if exists {
		r.res.Duplicates++
		return nil
	}

	p.enrichBody(ctx, r, &draft)

	rec := &storage.ContentRecord{
		Fingerprint:      fp,
		Title:            draft.Title,
		Author:           draft.Author,
		URL:              draft.URL,
		Source:           draft.Source,
		Category:         draft.Category,
		PublishedAt:      draft.PublishedAt,
		Body:             draft.Body,
		Language:         draft.Language,
		IngestedAt:       p.opts.Now().UTC(),
		AnnotationStatus: storage.AnnotationPending,
	}

	var ins storage.InsertResult
	err = worker.Retry(ctx, p.opts.StoreRetry, func() error {
		var err error
		ins, err = p.Contents.InsertIfAbsent(ctx, rec)
		return err
	})
	if err != nil {
		delete(r.seen, fp)
		r.res.FailedItems++
		r.logger.Warn("insert failed", "fingerprint", fp, "category", apperrors.CategoryOf(err), "err", err)
		return err
	}
	if ins == storage.AlreadyPresent {
		// 其他 worker 抢到插入，由它负责标注
		r.res.Duplicates++
		return nil
	}
	r.res.Inserted++

	return p.annotate(ctx, r, rec)
}

// enrichBody 用文章原文替换过短的摘要，提取失败时保留原内容。
func (p *Pipeline) enrichBody(ctx context.Context, r *run, draft *processor.ContentDraft) {
	if p.Extractor == nil || utf8.RuneCountInString(draft.Body) >= p.opts.MinBodyLength {
		return
	}
	text, err := p.Extractor.Extract(ctx, draft.URL)
	if err != nil {
		if !errors.Is(err, collector.ErrNoArticleText) {
			r.logger.Debug("extraction failed", "url", draft.URL, "err", err)
		}
		return
	}
	if utf8.RuneCountInString(text) > utf8.RuneCountInString(draft.Body) {
		draft.Body = text
	}
}
