package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sjw9650/TradeButler/internal/alert"
	"github.com/sjw9650/TradeButler/internal/annotation"
	"github.com/sjw9650/TradeButler/internal/budget"
	"github.com/sjw9650/TradeButler/internal/collector"
	apperrors "github.com/sjw9650/TradeButler/internal/errors"
	"github.com/sjw9650/TradeButler/internal/logging"
	"github.com/sjw9650/TradeButler/internal/processor"
	"github.com/sjw9650/TradeButler/internal/storage"
	"github.com/sjw9650/TradeButler/internal/worker"
)

const testModel = "gpt-3.5-turbo"

var testFeed = collector.FeedDescriptor{Name: "wire", URL: "http://feeds.test/wire.xml", Source: "rss:wire", Group: "test"}

type fakeFetcher struct {
	mu    sync.Mutex
	items map[string][]collector.RawItem
	errs  map[string]error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, feed collector.FeedDescriptor) ([]collector.RawItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[feed.Name]; err != nil {
		return nil, err
	}
	return f.items[feed.Name], nil
}

func feedOf(items ...collector.RawItem) *fakeFetcher {
	return &fakeFetcher{items: map[string][]collector.RawItem{testFeed.Name: items}}
}

// scriptedAnnotator 由 fn 决定返回，默认成功。
type scriptedAnnotator struct {
	mu    sync.Mutex
	calls int
	reqs  []annotation.Request
	fn    func(call int, req annotation.Request) (annotation.Result, error)
}

func (a *scriptedAnnotator) Annotate(_ context.Context, req annotation.Request) (annotation.Result, error) {
	a.mu.Lock()
	a.calls++
	n := a.calls
	a.reqs = append(a.reqs, req)
	fn := a.fn
	a.mu.Unlock()
	if fn != nil {
		return fn(n, req)
	}
	return okResult(), nil
}

func (a *scriptedAnnotator) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func okResult() annotation.Result {
	return annotation.Result{
		Bullets:      []string{"point"},
		Insight:      "insight",
		Tags:         []string{"markets"},
		InputTokens:  1000,
		OutputTokens: 500,
		Cost:         decimal.RequireFromString("0.0025"),
	}
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) kinds() []alert.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alert.Kind, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.Kind)
	}
	return out
}

type harness struct {
	p         *Pipeline
	store     *storage.MemoryStore
	annotator *scriptedAnnotator
	alerts    *recordingAlerter
}

var fastRetry = worker.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func newHarness(t *testing.T, fetcher collector.Fetcher, mutate func(*Deps)) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	h := &harness{store: store, annotator: &scriptedAnnotator{}, alerts: &recordingAlerter{}}
	deps := Deps{
		Fetcher:   fetcher,
		Contents:  store,
		Cache:     store,
		Ledger:    store,
		Annotator: h.annotator,
		Budget:    budget.NewGuard(store, decimal.NewFromInt(10), "day", time.UTC),
		Alerter:   h.alerts,
		Logger:    logging.Discard(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	p, err := New(deps, Options{
		Model:           testModel,
		MaxInputLength:  3000,
		OutageThreshold: 3,
		FetchRetry:      fastRetry,
		StoreRetry:      fastRetry,
		ProviderRetry:   fastRetry,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.p = p
	return h
}

func item(title, link string) collector.RawItem {
	return collector.RawItem{Title: title, Link: link, Description: "body of " + title}
}

func fingerprintOf(t *testing.T, it collector.RawItem) string {
	t.Helper()
	d, err := processor.Normalize(it, testFeed)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return processor.Fingerprint(d)
}

func poll(t *testing.T, h *harness, feeds ...collector.FeedDescriptor) (JobResult, error) {
	t.Helper()
	if len(feeds) == 0 {
		feeds = []collector.FeedDescriptor{testFeed}
	}
	return h.p.RunPoll(context.Background(), "test-job", PollJobParams{FeedGroup: "test", Feeds: feeds})
}

func TestDuplicateWithinOneFetch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, feedOf(item("A", "http://x/1"), item("A", "http://x/1")), nil)

	res, err := poll(t, h)
	if err != nil {
		t.Fatalf("RunPoll: %v", err)
	}
	if h.store.ContentCount() != 1 || h.store.CacheCount() != 1 || len(h.store.Entries()) != 1 {
		t.Fatalf("records=%d cache=%d ledger=%d, want 1/1/1",
			h.store.ContentCount(), h.store.CacheCount(), len(h.store.Entries()))
	}
	if res.Inserted != 1 || res.Duplicates != 1 || res.Annotated != 1 || h.annotator.Calls() != 1 {
		t.Fatalf("unexpected result %+v calls=%d", res, h.annotator.Calls())
	}
}

func TestSecondSubmissionIsNoOp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, feedOf(item("A", "http://x/1"), item("B", "http://x/2")), nil)

	if _, err := poll(t, h); err != nil {
		t.Fatalf("first RunPoll: %v", err)
	}
	res, err := poll(t, h)
	if err != nil {
		t.Fatalf("second RunPoll: %v", err)
	}
	if res.Inserted != 0 || res.Duplicates != 2 {
		t.Fatalf("second run = %+v", res)
	}
	if h.store.ContentCount() != 2 || h.annotator.Calls() != 2 || len(h.store.Entries()) != 2 {
		t.Fatalf("records=%d calls=%d ledger=%d", h.store.ContentCount(), h.annotator.Calls(), len(h.store.Entries()))
	}
}

func TestRateLimitedThenSuccessBillsOnce(t *testing.T) {
	t.Parallel()
	it := item("A", "http://x/1")
	h := newHarness(t, feedOf(it), nil)
	h.annotator.fn = func(call int, _ annotation.Request) (annotation.Result, error) {
		if call <= 2 {
			return annotation.Result{}, &annotation.Error{Kind: annotation.RateLimited, Status: 429, Err: errors.New("slow down")}
		}
		return okResult(), nil
	}

	res, err := poll(t, h)
	if err != nil {
		t.Fatalf("RunPoll: %v", err)
	}
	if h.annotator.Calls() != 3 {
		t.Fatalf("calls = %d, want 3", h.annotator.Calls())
	}
	entries := h.store.Entries()
	if len(entries) != 1 || entries[0].Outcome != storage.OutcomeSuccess {
		t.Fatalf("ledger = %+v, want one success row", entries)
	}
	if h.store.CacheCount() != 1 || res.Annotated != 1 {
		t.Fatalf("cache=%d result=%+v", h.store.CacheCount(), res)
	}
	rec, ok := h.store.Content(fingerprintOf(t, it))
	if !ok || rec.AnnotationStatus != storage.AnnotationCompleted || rec.AnnotationModel != testModel {
		t.Fatalf("record = %+v", rec)
	}
	ann, err := rec.DecodedAnnotation()
	if err != nil || ann == nil || ann.Insight != "insight" {
		t.Fatalf("annotation = %+v, %v", ann, err)
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	t.Parallel()
	var items []collector.RawItem
	for i := 1; i <= 10; i++ {
		items = append(items, item(fmt.Sprintf("story %d", i), fmt.Sprintf("http://x/%d", i)))
	}
	bad := fingerprintOf(t, items[4])
	h := newHarness(t, feedOf(items...), nil)
	h.annotator.fn = func(_ int, req annotation.Request) (annotation.Result, error) {
		if req.Text == "story 5\n\nbody of story 5" {
			return annotation.Result{}, &annotation.Error{
				Kind: annotation.InvalidResponse, Billable: true, InputTokens: 10, OutputTokens: 5,
				Cost: decimal.RequireFromString("0.001"), Err: errors.New("not json"),
			}
		}
		return okResult(), nil
	}

	res, err := poll(t, h)
	if err != nil {
		t.Fatalf("RunPoll: %v", err)
	}
	if h.store.ContentCount() != 10 || res.Inserted != 10 {
		t.Fatalf("records=%d result=%+v", h.store.ContentCount(), res)
	}
	if res.Annotated != 9 || res.FailedItems != 1 {
		t.Fatalf("result = %+v", res)
	}
	rec, _ := h.store.Content(bad)
	if rec.AnnotationStatus != storage.AnnotationFailed || rec.AnnotationError != string(apperrors.CategoryMalformedInput) {
		t.Fatalf("bad record = %+v", rec)
	}

	// 第 5 条：正常调用加一次严格重问，两次都计费
	var strict, failures int
	for _, e := range h.store.Entries() {
		if e.Fingerprint == bad {
			failures++
			if e.RequestType == requestAnnotateStrict {
				strict++
			}
		}
	}
	if failures != 2 || strict != 1 || len(h.store.Entries()) != 11 {
		t.Fatalf("bad item rows=%d strict=%d total=%d", failures, strict, len(h.store.Entries()))
	}
}

func TestStrictRepromptRecovers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, feedOf(item("A", "http://x/1")), nil)
	h.annotator.fn = func(_ int, req annotation.Request) (annotation.Result, error) {
		if !req.Strict {
			return annotation.Result{}, &annotation.Error{Kind: annotation.InvalidResponse, Billable: true, Err: errors.New("prose")}
		}
		return okResult(), nil
	}
	res, err := poll(t, h)
	if err != nil || res.Annotated != 1 || res.FailedItems != 0 {
		t.Fatalf("result=%+v err=%v", res, err)
	}
	if h.annotator.Calls() != 2 || len(h.store.Entries()) != 2 {
		t.Fatalf("calls=%d ledger=%d", h.annotator.Calls(), len(h.store.Entries()))
	}
}

func TestConcurrentDuplicateSubmissionsAnnotateOnce(t *testing.T) {
	t.Parallel()
	it := item("Shared story", "http://x/shared")
	h := newHarness(t, feedOf(it), nil)

	const runs = 8
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := poll(t, h); err != nil {
				t.Errorf("RunPoll: %v", err)
			}
		}()
	}
	wg.Wait()

	if h.annotator.Calls() > 1 {
		t.Fatalf("annotator calls = %d, want <= 1", h.annotator.Calls())
	}
	if h.store.ContentCount() != 1 || h.store.CacheCount() != 1 || len(h.store.Entries()) != 1 {
		t.Fatalf("records=%d cache=%d ledger=%d", h.store.ContentCount(), h.store.CacheCount(), len(h.store.Entries()))
	}
}

func TestCacheHitSkipsProvider(t *testing.T) {
	t.Parallel()
	it := item("A", "http://x/1")
	h := newHarness(t, feedOf(it), nil)
	fp := fingerprintOf(t, it)
	_, _ = h.store.Put(context.Background(), storage.NewCacheEntry(fp, testModel, storage.Annotation{Insight: "cached"}, false, time.Now()))

	res, err := poll(t, h)
	if err != nil {
		t.Fatalf("RunPoll: %v", err)
	}
	if res.CacheHits != 1 || h.annotator.Calls() != 0 || len(h.store.Entries()) != 0 {
		t.Fatalf("result=%+v calls=%d", res, h.annotator.Calls())
	}
	rec, _ := h.store.Content(fp)
	ann, _ := rec.DecodedAnnotation()
	if ann == nil || ann.Insight != "cached" {
		t.Fatalf("record annotation = %+v", ann)
	}
}

func TestBudgetExceededAbortsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, feedOf(item("A", "http://x/1"), item("B", "http://x/2")), nil)
	_ = h.store.Record(context.Background(), &storage.CostLogEntry{Model: testModel, Cost: decimal.NewFromInt(10), CreatedAt: time.Now()})

	res, err := poll(t, h)
	if !errors.Is(err, budget.ErrExceeded) || apperrors.CategoryOf(err) != apperrors.CategoryBudgetExceeded {
		t.Fatalf("err = %v, want budget exceeded", err)
	}
	if h.annotator.Calls() != 0 {
		t.Fatalf("annotator called %d times", h.annotator.Calls())
	}
	if res.Inserted != 1 {
		t.Fatalf("job should stop after the first item, result=%+v", res)
	}
	if kinds := h.alerts.kinds(); len(kinds) != 1 || kinds[0] != alert.KindBudgetExceeded {
		t.Fatalf("alerts = %v", kinds)
	}
}

func TestProviderQuotaIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, feedOf(item("A", "http://x/1"), item("B", "http://x/2")), nil)
	h.annotator.fn = func(int, annotation.Request) (annotation.Result, error) {
		return annotation.Result{}, &annotation.Error{Kind: annotation.BudgetExceeded, Status: 429, Permanent: true, Err: errors.New("insufficient_quota")}
	}
	_, err := poll(t, h)
	if apperrors.CategoryOf(err) != apperrors.CategoryBudgetExceeded {
		t.Fatalf("err = %v", err)
	}
	if h.annotator.Calls() != 1 || len(h.store.Entries()) != 0 {
		t.Fatalf("calls=%d ledger=%d", h.annotator.Calls(), len(h.store.Entries()))
	}
}

func TestProviderOutageAbortsAfterThreshold(t *testing.T) {
	t.Parallel()
	var items []collector.RawItem
	for i := 1; i <= 6; i++ {
		items = append(items, item(fmt.Sprintf("s%d", i), fmt.Sprintf("http://x/%d", i)))
	}
	h := newHarness(t, feedOf(items...), nil)
	h.annotator.fn = func(int, annotation.Request) (annotation.Result, error) {
		return annotation.Result{}, &annotation.Error{Kind: annotation.ProviderUnavailable, Status: 503, Billable: true, Err: errors.New("down")}
	}

	res, err := poll(t, h)
	if !errors.Is(err, ErrProviderOutage) {
		t.Fatalf("err = %v, want ErrProviderOutage", err)
	}
	if res.Inserted != 3 || res.FailedItems != 3 {
		t.Fatalf("result = %+v", res)
	}
	// 三条各自重试到上限，每次 5xx 都计费
	if h.annotator.Calls() != 9 || len(h.store.Entries()) != 9 {
		t.Fatalf("calls=%d ledger=%d", h.annotator.Calls(), len(h.store.Entries()))
	}
}

type failingExists struct {
	*storage.MemoryStore
}

func (f failingExists) Exists(context.Context, string) (bool, error) {
	return false, &storage.StoreError{Op: "content exists", Err: errors.New("connection refused")}
}

func TestExistsFailureFailsClosed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, feedOf(item("A", "http://x/1")), nil)
	h.p.Contents = failingExists{h.store}

	res, err := poll(t, h)
	if err != nil {
		t.Fatalf("an item failure should not fail the job: %v", err)
	}
	if res.FailedItems != 1 || res.Inserted != 0 {
		t.Fatalf("result = %+v", res)
	}
	if h.store.ContentCount() != 0 || h.annotator.Calls() != 0 {
		t.Fatalf("records=%d calls=%d", h.store.ContentCount(), h.annotator.Calls())
	}
}

// flakyExists 前 failures 次查询失败，之后正常查询。
type flakyExists struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyExists) Exists(ctx context.Context, fp string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return false, &storage.StoreError{Op: "content exists", Err: errors.New("connection reset")}
	}
	return f.MemoryStore.Exists(ctx, fp)
}

func TestFailedLookupDoesNotMarkItemSeen(t *testing.T) {
	t.Parallel()
	it := item("A", "http://x/1")
	h := newHarness(t, feedOf(it, it), nil)
	h.p.Contents = &flakyExists{MemoryStore: h.store, failures: fastRetry.Attempts}

	res, err := poll(t, h)
	if err != nil {
		t.Fatalf("RunPoll: %v", err)
	}
	if res.FailedItems != 1 || res.Inserted != 1 || res.Duplicates != 0 {
		t.Fatalf("result = %+v, want the second copy ingested", res)
	}
	if h.store.ContentCount() != 1 || h.annotator.Calls() != 1 {
		t.Fatalf("records=%d calls=%d", h.store.ContentCount(), h.annotator.Calls())
	}
}

type failingLedger struct {
	*storage.MemoryStore
}

func (failingLedger) Record(context.Context, *storage.CostLogEntry) error {
	return &storage.StoreError{Op: "ledger record", Err: errors.New("disk full")}
}

func TestLedgerWriteFailureIsSurfacedNotBlocking(t *testing.T) {
	t.Parallel()
	var logs bytes.Buffer
	h := newHarness(t, feedOf(item("A", "http://x/1")), func(d *Deps) {
		d.Ledger = failingLedger{d.Contents.(*storage.MemoryStore)}
		d.Logger = logging.NewWithWriter(&logs, "info")
	})

	res, err := poll(t, h)
	if err != nil {
		t.Fatalf("RunPoll: %v", err)
	}
	if res.Annotated != 1 || res.LedgerFailures != 1 {
		t.Fatalf("result = %+v", res)
	}
	if kinds := h.alerts.kinds(); len(kinds) != 1 || kinds[0] != alert.KindLedgerWriteFailure {
		t.Fatalf("alerts = %v", kinds)
	}
	if out := logs.String(); !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "severity=critical") ||
		!strings.Contains(out, "category=ledger_write_failure") {
		t.Fatalf("ledger failure log missing critical attributes:\n%s", out)
	}
}

func TestFeedFailuresCountedAndAllFailedFailsJob(t *testing.T) {
	t.Parallel()
	other := collector.FeedDescriptor{Name: "other", URL: "http://feeds.test/other.xml", Source: "rss:other"}
	fetchErr := &collector.FetchError{Kind: collector.FetchUnreachable, Feed: "wire", Err: errors.New("dial")}

	f := &fakeFetcher{
		items: map[string][]collector.RawItem{other.Name: {item("A", "http://y/1")}},
		errs:  map[string]error{testFeed.Name: fetchErr},
	}
	h := newHarness(t, f, nil)
	res, err := poll(t, h, testFeed, other)
	if err != nil || res.Feeds != 2 || res.FailedFeeds != 1 || res.Inserted != 1 {
		t.Fatalf("result=%+v err=%v", res, err)
	}
	// 失败的源被重试过
	if f.calls != 1+fastRetry.Attempts {
		t.Fatalf("fetch calls = %d", f.calls)
	}

	f2 := &fakeFetcher{errs: map[string]error{testFeed.Name: fetchErr}}
	h2 := newHarness(t, f2, nil)
	if _, err := poll(t, h2); err == nil || apperrors.CategoryOf(err) != apperrors.CategoryTransientIO {
		t.Fatalf("err = %v, want transient failure", err)
	}
}

func TestRejectedItemsDoNotBlockFeed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, feedOf(item("", "http://x/1"), item("ok", "mailto:a@b"), item("B", "http://x/2")), nil)
	res, err := poll(t, h)
	if err != nil || res.Rejected != 2 || res.Inserted != 1 {
		t.Fatalf("result=%+v err=%v", res, err)
	}
}

type stubExtractor struct{ text string }

func (s stubExtractor) Extract(context.Context, string) (string, error) { return s.text, nil }

func TestShortBodyIsExtracted(t *testing.T) {
	t.Parallel()
	it := item("A", "http://x/1")
	h := newHarness(t, feedOf(it), func(d *Deps) {
		d.Extractor = stubExtractor{text: "full article text that is longer than the feed summary"}
	})
	h.p.opts.MinBodyLength = 200

	if _, err := poll(t, h); err != nil {
		t.Fatalf("RunPoll: %v", err)
	}
	rec, _ := h.store.Content(fingerprintOf(t, it))
	if rec.Body != "full article text that is longer than the feed summary" {
		t.Fatalf("body = %q", rec.Body)
	}
}

func TestRunReannotate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = h.store.InsertIfAbsent(ctx, &storage.ContentRecord{
			Fingerprint: fmt.Sprintf("fp%d", i), Title: "t", Body: "b", IngestedAt: time.Now(),
		})
	}
	_ = h.store.MarkAnnotationFailed(ctx, "fp1", string(apperrors.CategoryTransientIO))

	res, err := h.p.RunReannotate(ctx, "reannotate", ReannotateJobParams{Limit: 10})
	if err != nil {
		t.Fatalf("RunReannotate: %v", err)
	}
	if res.Annotated != 3 || h.annotator.Calls() != 3 {
		t.Fatalf("result=%+v calls=%d", res, h.annotator.Calls())
	}
	pending, _ := h.store.ListPendingAnnotation(ctx, testModel, 10)
	if len(pending) != 0 {
		t.Fatalf("still pending: %d", len(pending))
	}
}

func TestRunHealthCheck(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, func(d *Deps) {
		d.Checks = map[string]Check{
			"ok":   func(context.Context) error { return nil },
			"down": func(context.Context) error { return errors.New("refused") },
		}
	})
	res, err := h.p.RunHealthCheck(context.Background(), "health-check")
	if err == nil || res.FailedItems != 1 {
		t.Fatalf("result=%+v err=%v", res, err)
	}
}

func TestMalformedFailureIsNotReannotated(t *testing.T) {
	t.Parallel()
	h := newHarness(t, feedOf(item("A", "http://x/1")), nil)
	h.annotator.fn = func(int, annotation.Request) (annotation.Result, error) {
		return annotation.Result{}, &annotation.Error{
			Kind: annotation.InvalidResponse, Billable: true, Cost: decimal.RequireFromString("0.001"), Err: errors.New("prose"),
		}
	}

	if _, err := poll(t, h); err != nil {
		t.Fatalf("RunPoll: %v", err)
	}
	if h.annotator.Calls() != 2 {
		t.Fatalf("calls after poll = %d, want normal + strict", h.annotator.Calls())
	}
	for i := 0; i < 3; i++ {
		res, err := h.p.RunReannotate(context.Background(), "reannotate", ReannotateJobParams{Limit: 10})
		if err != nil || res.FailedItems != 0 {
			t.Fatalf("RunReannotate #%d: result=%+v err=%v", i, res, err)
		}
	}
	if h.annotator.Calls() != 2 || len(h.store.Entries()) != 2 {
		t.Fatalf("calls=%d ledger=%d, want the failed item left alone", h.annotator.Calls(), len(h.store.Entries()))
	}
}

func TestCancelledJobFailsBeforeWork(t *testing.T) {
	t.Parallel()
	h := newHarness(t, feedOf(item("A", "http://x/1")), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.p.RunPoll(ctx, "test-job", PollJobParams{Feeds: []collector.FeedDescriptor{testFeed}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// blockingAnnotator 阻塞到任务超时，然后按计费调用返回。
type blockingAnnotator struct {
	mu    sync.Mutex
	calls int
}

func (a *blockingAnnotator) Annotate(ctx context.Context, _ annotation.Request) (annotation.Result, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	<-ctx.Done()
	return annotation.Result{}, &annotation.Error{
		Kind: annotation.ProviderUnavailable, Billable: true, Permanent: true,
		InputTokens: 800, Cost: decimal.RequireFromString("0.0012"), Err: ctx.Err(),
	}
}

func TestJobDeadlineDuringPaidCall(t *testing.T) {
	t.Parallel()
	slow := &blockingAnnotator{}
	h := newHarness(t, feedOf(item("A", "http://x/1"), item("B", "http://x/2")), func(d *Deps) {
		d.Annotator = slow
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := h.p.RunPoll(ctx, "test-job", PollJobParams{Feeds: []collector.FeedDescriptor{testFeed}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if slow.calls != 1 || res.Inserted != 1 || res.Annotated != 0 {
		t.Fatalf("calls=%d result=%+v, want the in-flight item abandoned", slow.calls, res)
	}
	// 调用已到达服务，费用保留在账本中
	entries := h.store.Entries()
	if len(entries) != 1 || !entries[0].Cost.Equal(decimal.RequireFromString("0.0012")) || entries[0].Outcome != storage.OutcomeFailure {
		t.Fatalf("ledger = %+v", entries)
	}
	if res.LedgerFailures != 0 {
		t.Fatalf("ledger write should survive the deadline: %+v", res)
	}
}
