package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore 在进程内存中实现三个存储接口，
// 用于 STORAGE_DRIVER=memory 和流水线测试。
// 内容与缓存写入通过 sync.Map.LoadOrStore 保证按键原子。
type MemoryStore struct {
	contents sync.Map // fingerprint -> *memRecord
	cache    sync.Map // cacheKey -> *AnnotationCacheEntry

	ledgerMu sync.Mutex
	ledger   []CostLogEntry
	nextID   uint64
}

type memRecord struct {
	mu  sync.Mutex
	rec ContentRecord
}

var (
	_ ContentStore    = (*MemoryStore)(nil)
	_ AnnotationCache = (*MemoryStore)(nil)
	_ CostLedger      = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Exists(ctx context.Context, fingerprint string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable("content exists", err)
	}
	_, ok := m.contents.Load(fingerprint)
	return ok, nil
}

func (m *MemoryStore) InsertIfAbsent(ctx context.Context, rec *ContentRecord) (InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("content insert", err)
	}
	cp := *rec
	if cp.AnnotationStatus == "" {
		cp.AnnotationStatus = AnnotationPending
	}
	if _, loaded := m.contents.LoadOrStore(rec.Fingerprint, &memRecord{rec: cp}); loaded {
		return AlreadyPresent, nil
	}
	return Inserted, nil
}

func (m *MemoryStore) UpdateAnnotation(ctx context.Context, fingerprint string, upd AnnotationUpdate) (UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("content update annotation", err)
	}
	v, ok := m.contents.Load(fingerprint)
	if !ok {
		return NotFound, nil
	}
	payload, err := json.Marshal(upd.Annotation)
	if err != nil {
		return 0, err
	}
	r := v.(*memRecord)
	r.mu.Lock()
	defer r.mu.Unlock()
	at := upd.At
	r.rec.Annotation = payload
	r.rec.AnnotationStatus = AnnotationCompleted
	r.rec.AnnotationModel = upd.ModelVersion
	r.rec.AnnotationTruncated = upd.Truncated
	r.rec.AnnotationError = ""
	r.rec.AnnotatedAt = &at
	return Updated, nil
}

func (m *MemoryStore) MarkAnnotationFailed(ctx context.Context, fingerprint, category string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("content mark failed", err)
	}
	v, ok := m.contents.Load(fingerprint)
	if !ok {
		return nil
	}
	r := v.(*memRecord)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec.AnnotationStatus == AnnotationCompleted {
		return nil
	}
	r.rec.AnnotationStatus = AnnotationFailed
	r.rec.AnnotationError = category
	return nil
}

func (m *MemoryStore) ListPendingAnnotation(ctx context.Context, modelVersion string, limit int) ([]ContentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("content list pending", err)
	}
	if limit <= 0 {
		limit = 50
	}
	var out []ContentRecord
	m.contents.Range(func(_, v any) bool {
		r := v.(*memRecord)
		r.mu.Lock()
		rec := r.rec
		r.mu.Unlock()
		if needsAnnotation(rec, modelVersion) {
			out = append(out, rec)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.After(out[j].IngestedAt)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func needsAnnotation(rec ContentRecord, modelVersion string) bool {
	switch rec.AnnotationStatus {
	case AnnotationCompleted:
		return rec.AnnotationModel != modelVersion
	case AnnotationFailed:
		return retryableFailure(rec.AnnotationError)
	default:
		return true
	}
}

// Content 返回记录的快照。
func (m *MemoryStore) Content(fingerprint string) (ContentRecord, bool) {
	v, ok := m.contents.Load(fingerprint)
	if !ok {
		return ContentRecord{}, false
	}
	r := v.(*memRecord)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec, true
}

func (m *MemoryStore) ContentCount() int {
	n := 0
	m.contents.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func cacheKey(fingerprint, modelVersion string) string {
	return modelVersion + "\x00" + fingerprint
}

func (m *MemoryStore) Get(ctx context.Context, fingerprint, modelVersion string) (*AnnotationCacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, unavailable("cache get", err)
	}
	v, ok := m.cache.Load(cacheKey(fingerprint, modelVersion))
	if !ok {
		return nil, false, nil
	}
	cp := *v.(*AnnotationCacheEntry)
	return &cp, true, nil
}

func (m *MemoryStore) Put(ctx context.Context, entry *AnnotationCacheEntry) (InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("cache put", err)
	}
	cp := *entry
	if _, loaded := m.cache.LoadOrStore(cacheKey(entry.Fingerprint, entry.ModelVersion), &cp); loaded {
		return AlreadyPresent, nil
	}
	return Inserted, nil
}

func (m *MemoryStore) CacheCount() int {
	n := 0
	m.cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (m *MemoryStore) Record(ctx context.Context, entry *CostLogEntry) error {
	if err := ctx.Err(); err != nil {
		return unavailable("ledger record", err)
	}
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	m.nextID++
	cp := *entry
	cp.ID = m.nextID
	entry.ID = cp.ID
	m.ledger = append(m.ledger, cp)
	return nil
}

func (m *MemoryStore) TotalCost(ctx context.Context, w Window) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, unavailable("ledger total", err)
	}
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	total := decimal.Zero
	for _, e := range m.ledger {
		if w.Contains(e.CreatedAt) {
			total = total.Add(e.Cost)
		}
	}
	return total, nil
}

func (m *MemoryStore) Summary(ctx context.Context, w Window) ([]ModelCost, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("ledger summary", err)
	}
	m.ledgerMu.Lock()
	byModel := make(map[string]*ModelCost)
	for _, e := range m.ledger {
		if !w.Contains(e.CreatedAt) {
			continue
		}
		mc, ok := byModel[e.Model]
		if !ok {
			mc = &ModelCost{Model: e.Model, Cost: decimal.Zero}
			byModel[e.Model] = mc
		}
		mc.Calls++
		if e.Outcome == OutcomeFailure {
			mc.Failures++
		}
		mc.InputTokens += int64(e.InputTokens)
		mc.OutputTokens += int64(e.OutputTokens)
		mc.Cost = mc.Cost.Add(e.Cost)
	}
	m.ledgerMu.Unlock()

	out := make([]ModelCost, 0, len(byModel))
	for _, mc := range byModel {
		out = append(out, *mc)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Cost.Cmp(out[j].Cost); c != 0 {
			return c > 0
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

// Entries 按写入顺序返回账本副本。
func (m *MemoryStore) Entries() []CostLogEntry {
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	return append([]CostLogEntry(nil), m.ledger...)
}
