package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	apperrors "github.com/sjw9650/TradeButler/internal/errors"
)

func TestInsertIfAbsentSingleWinnerUnderRace(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	const racers = 32
	var inserted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.InsertIfAbsent(ctx, &ContentRecord{Fingerprint: "fp-1", Title: "A"})
			if err != nil {
				t.Errorf("InsertIfAbsent error: %v", err)
				return
			}
			if res == Inserted {
				inserted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := inserted.Load(); got != 1 {
		t.Fatalf("Inserted observed %d times, want 1", got)
	}
	if store.ContentCount() != 1 {
		t.Fatalf("ContentCount = %d, want 1", store.ContentCount())
	}
	ok, err := store.Exists(ctx, "fp-1")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
}

func TestInsertIfAbsentKeepsFirstBody(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	_, _ = store.InsertIfAbsent(ctx, &ContentRecord{Fingerprint: "fp", Body: "original"})
	res, _ := store.InsertIfAbsent(ctx, &ContentRecord{Fingerprint: "fp", Body: "corrected"})
	if res != AlreadyPresent {
		t.Fatalf("second insert = %s, want already_present", res)
	}
	rec, _ := store.Content("fp")
	if rec.Body != "original" || rec.AnnotationStatus != AnnotationPending {
		t.Fatalf("record mutated by re-publication: %+v", rec)
	}
}

func TestUpdateAnnotationAndFailureMarking(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	if res, err := store.UpdateAnnotation(ctx, "missing", AnnotationUpdate{}); err != nil || res != NotFound {
		t.Fatalf("UpdateAnnotation(missing) = %v, %v", res, err)
	}

	_, _ = store.InsertIfAbsent(ctx, &ContentRecord{Fingerprint: "fp"})
	if err := store.MarkAnnotationFailed(ctx, "fp", "transient_io"); err != nil {
		t.Fatalf("MarkAnnotationFailed error: %v", err)
	}
	rec, _ := store.Content("fp")
	if rec.AnnotationStatus != AnnotationFailed || rec.AnnotationError != "transient_io" {
		t.Fatalf("unexpected failed record: %+v", rec)
	}

	upd := AnnotationUpdate{
		Annotation:   Annotation{Bullets: []string{"b1"}, Insight: "i", Tags: []string{"t"}},
		ModelVersion: "m1",
		Truncated:    true,
		At:           now,
	}
	if res, err := store.UpdateAnnotation(ctx, "fp", upd); err != nil || res != Updated {
		t.Fatalf("UpdateAnnotation = %v, %v", res, err)
	}
	rec, _ = store.Content("fp")
	ann, err := rec.DecodedAnnotation()
	if err != nil || ann == nil || ann.Insight != "i" {
		t.Fatalf("annotation not stored: %+v %v", ann, err)
	}
	if !rec.AnnotationTruncated || rec.AnnotationModel != "m1" || rec.AnnotationError != "" {
		t.Fatalf("annotation columns wrong: %+v", rec)
	}

	_ = store.MarkAnnotationFailed(ctx, "fp", "malformed_input")
	rec, _ = store.Content("fp")
	if rec.AnnotationStatus != AnnotationCompleted {
		t.Fatalf("failure must not downgrade a completed record")
	}
}

func TestListPendingAnnotation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, fp := range []string{"a", "b", "c"} {
		_, _ = store.InsertIfAbsent(ctx, &ContentRecord{Fingerprint: fp, IngestedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	_, _ = store.UpdateAnnotation(ctx, "a", AnnotationUpdate{ModelVersion: "m2", At: base})
	_, _ = store.UpdateAnnotation(ctx, "b", AnnotationUpdate{ModelVersion: "m1", At: base})

	list, err := store.ListPendingAnnotation(ctx, "m2", 10)
	if err != nil {
		t.Fatalf("ListPendingAnnotation error: %v", err)
	}
	if len(list) != 2 || list[0].Fingerprint != "c" || list[1].Fingerprint != "b" {
		t.Fatalf("unexpected pending list: %+v", list)
	}

	// 临时故障会重新入选，格式错误不会
	_, _ = store.InsertIfAbsent(ctx, &ContentRecord{Fingerprint: "d", IngestedAt: base.Add(4 * time.Hour)})
	_, _ = store.InsertIfAbsent(ctx, &ContentRecord{Fingerprint: "e", IngestedAt: base.Add(5 * time.Hour)})
	_ = store.MarkAnnotationFailed(ctx, "d", "transient_io")
	_ = store.MarkAnnotationFailed(ctx, "e", "malformed_input")
	list, _ = store.ListPendingAnnotation(ctx, "m2", 10)
	if len(list) != 3 || list[0].Fingerprint != "d" {
		t.Fatalf("failed records not filtered by category: %+v", list)
	}

	list, _ = store.ListPendingAnnotation(ctx, "m2", 1)
	if len(list) != 1 {
		t.Fatalf("limit not applied: %d", len(list))
	}
}

func TestCachePutIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	first := NewCacheEntry("fp", "m1", Annotation{Insight: "first"}, false, now)
	second := NewCacheEntry("fp", "m1", Annotation{Insight: "second"}, false, now)
	bumped := NewCacheEntry("fp", "m2", Annotation{Insight: "new model"}, false, now)

	if res, _ := store.Put(ctx, first); res != Inserted {
		t.Fatalf("first put = %s", res)
	}
	if res, _ := store.Put(ctx, second); res != AlreadyPresent {
		t.Fatalf("second put = %s", res)
	}
	if res, _ := store.Put(ctx, bumped); res != Inserted {
		t.Fatalf("model bump put = %s", res)
	}

	got, found, err := store.Get(ctx, "fp", "m1")
	if err != nil || !found || got.Annotation().Insight != "first" {
		t.Fatalf("Get = %+v %v %v, want first entry", got, found, err)
	}
	if _, found, _ := store.Get(ctx, "other", "m1"); found {
		t.Fatalf("unexpected hit for unknown fingerprint")
	}
	if store.CacheCount() != 2 {
		t.Fatalf("CacheCount = %d, want 2", store.CacheCount())
	}
}

func TestLedgerTotalsRespectWindow(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	w := Window{Start: day, End: day.AddDate(0, 0, 1)}

	entries := []CostLogEntry{
		{Model: "m1", Cost: decimal.RequireFromString("0.0015"), Outcome: OutcomeSuccess, CreatedAt: day},
		{Model: "m1", Cost: decimal.RequireFromString("0.0020"), Outcome: OutcomeFailure, CreatedAt: day.Add(23 * time.Hour)},
		{Model: "m2", Cost: decimal.RequireFromString("0.0300"), Outcome: OutcomeSuccess, CreatedAt: day.Add(time.Hour)},
		{Model: "m1", Cost: decimal.RequireFromString("5"), Outcome: OutcomeSuccess, CreatedAt: day.AddDate(0, 0, 1)},
	}
	for i := range entries {
		if err := store.Record(ctx, &entries[i]); err != nil {
			t.Fatalf("Record error: %v", err)
		}
	}

	total, err := store.TotalCost(ctx, w)
	if err != nil {
		t.Fatalf("TotalCost error: %v", err)
	}
	if !total.Equal(decimal.RequireFromString("0.0335")) {
		t.Fatalf("TotalCost = %s, want 0.0335", total)
	}

	summary, err := store.Summary(ctx, w)
	if err != nil {
		t.Fatalf("Summary error: %v", err)
	}
	if len(summary) != 2 || summary[0].Model != "m2" {
		t.Fatalf("unexpected summary order: %+v", summary)
	}
	if summary[1].Calls != 2 || summary[1].Failures != 1 {
		t.Fatalf("unexpected m1 summary: %+v", summary[1])
	}
	if ids := store.Entries(); ids[0].ID != 1 || ids[3].ID != 4 {
		t.Fatalf("ledger ids not assigned in order: %+v", ids)
	}
}

func TestCancelledContextIsStoreUnavailable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryStore().Exists(ctx, "fp")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if !apperrors.RetryableOf(err) || apperrors.CategoryOf(err) != apperrors.CategoryTransientIO {
		t.Fatalf("store errors must be retryable transient io")
	}
}

func TestCurrentWindow(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("KST", 9*3600)
	now := time.Date(2024, 1, 31, 16, 30, 0, 0, time.UTC) // 2024-02-01 01:30 KST

	day := CurrentWindow(now, "day", loc)
	if !day.Start.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, loc)) || !day.End.Equal(time.Date(2024, 2, 2, 0, 0, 0, 0, loc)) {
		t.Fatalf("unexpected day window: %+v", day)
	}
	month := CurrentWindow(now, "month", loc)
	if !month.Start.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, loc)) || !month.End.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, loc)) {
		t.Fatalf("unexpected month window: %+v", month)
	}
	if !day.Contains(now) || day.Contains(day.End) {
		t.Fatalf("window must be half-open")
	}
}

func TestSummaryQueryPlaceholders(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	query, args, err := summaryQuery(Window{Start: day, End: day.AddDate(0, 0, 1)})
	if err != nil {
		t.Fatalf("summaryQuery error: %v", err)
	}
	want := "SELECT model, COUNT(*) AS calls, SUM(CASE WHEN outcome = 'failure' THEN 1 ELSE 0 END) AS failures, " +
		"COALESCE(SUM(input_tokens), 0) AS input_tokens, COALESCE(SUM(output_tokens), 0) AS output_tokens, " +
		"COALESCE(SUM(cost), 0) AS cost FROM cost_log WHERE created_at >= ? AND created_at < ? GROUP BY model ORDER BY cost DESC"
	if query != want {
		t.Fatalf("query =\n%s\nwant\n%s", query, want)
	}
	if len(args) != 2 {
		t.Fatalf("args = %v", args)
	}
}
