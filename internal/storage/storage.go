package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store 基于 Postgres，同时充当内容库、标注缓存和成本账本。
type Store struct {
	DB *gorm.DB
}

var (
	_ ContentStore    = (*Store)(nil)
	_ AnnotationCache = (*Store)(nil)
	_ CostLedger      = (*Store)(nil)
)

func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return NewStoreFromDB(db)
}

func NewStoreFromDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&ContentRecord{}, &AnnotationCacheEntry{}, &CostLogEntry{}); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping 检查数据库是否可达。
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return unavailable("ping", err)
	}
	return unavailable("ping", sqlDB.PingContext(ctx))
}

func (s *Store) Exists(ctx context.Context, fingerprint string) (bool, error) {
	var n int64
	err := s.DB.WithContext(ctx).
		Model(&ContentRecord{}).
		Where("fingerprint = ?", fingerprint).
		Limit(1).
		Count(&n).Error
	if err != nil {
		return false, unavailable("content exists", err)
	}
	return n > 0, nil
}

// InsertIfAbsent 依赖 ON CONFLICT DO NOTHING：只有抢到的那次插入会影响行数。
func (s *Store) InsertIfAbsent(ctx context.Context, rec *ContentRecord) (InsertResult, error) {
	rec.Title = toValidUTF8(rec.Title)
	rec.Author = toValidUTF8(rec.Author)
	rec.Body = toValidUTF8(rec.Body)
	if rec.AnnotationStatus == "" {
		rec.AnnotationStatus = AnnotationPending
	}

	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "fingerprint"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return 0, unavailable("content insert", res.Error)
	}
	if res.RowsAffected == 0 {
		return AlreadyPresent, nil
	}
	return Inserted, nil
}

func (s *Store) UpdateAnnotation(ctx context.Context, fingerprint string, upd AnnotationUpdate) (UpdateResult, error) {
	payload, err := json.Marshal(upd.Annotation)
	if err != nil {
		return 0, fmt.Errorf("marshal annotation: %w", err)
	}
	at := upd.At
	res := s.DB.WithContext(ctx).
		Model(&ContentRecord{}).
		Where("fingerprint = ?", fingerprint).
		Updates(map[string]any{
			"annotation":           datatypes.JSON(payload),
			"annotation_status":    AnnotationCompleted,
			"annotation_model":     upd.ModelVersion,
			"annotation_truncated": upd.Truncated,
			"annotation_error":     "",
			"annotated_at":         &at,
		})
	if res.Error != nil {
		return 0, unavailable("content update annotation", res.Error)
	}
	if res.RowsAffected == 0 {
		return NotFound, nil
	}
	return Updated, nil
}

// MarkAnnotationFailed 不会把已有标注的记录降级为失败。
func (s *Store) MarkAnnotationFailed(ctx context.Context, fingerprint, category string) error {
	err := s.DB.WithContext(ctx).
		Model(&ContentRecord{}).
		Where("fingerprint = ? AND annotation_status <> ?", fingerprint, AnnotationCompleted).
		Updates(map[string]any{
			"annotation_status": AnnotationFailed,
			"annotation_error":  category,
		}).Error
	return unavailable("content mark failed", err)
}

func (s *Store) ListPendingAnnotation(ctx context.Context, modelVersion string, limit int) ([]ContentRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	var list []ContentRecord
	err := s.DB.WithContext(ctx).
		Where("annotation_status = ? OR (annotation_status = ? AND annotation_error IN ?) OR (annotation_status = ? AND annotation_model <> ?)",
			AnnotationPending, AnnotationFailed, retryableFailures, AnnotationCompleted, modelVersion).
		Order("ingested_at DESC").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, unavailable("content list pending", err)
	}
	return list, nil
}

func (s *Store) Get(ctx context.Context, fingerprint, modelVersion string) (*AnnotationCacheEntry, bool, error) {
	var e AnnotationCacheEntry
	err := s.DB.WithContext(ctx).
		Where("fingerprint = ? AND model_version = ?", fingerprint, modelVersion).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("cache get", err)
	}
	return &e, true, nil
}

func (s *Store) Put(ctx context.Context, entry *AnnotationCacheEntry) (InsertResult, error) {
	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}, {Name: "model_version"}},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		return 0, unavailable("cache put", res.Error)
	}
	if res.RowsAffected == 0 {
		return AlreadyPresent, nil
	}
	return Inserted, nil
}

func (s *Store) Record(ctx context.Context, entry *CostLogEntry) error {
	return unavailable("ledger record", s.DB.WithContext(ctx).Create(entry).Error)
}

func (s *Store) TotalCost(ctx context.Context, w Window) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.DB.WithContext(ctx).
		Model(&CostLogEntry{}).
		Select("COALESCE(SUM(cost), 0)").
		Where("created_at >= ? AND created_at < ?", w.Start, w.End).
		Row().
		Scan(&total)
	if err != nil {
		return decimal.Zero, unavailable("ledger total", err)
	}
	return total, nil
}

func (s *Store) Summary(ctx context.Context, w Window) ([]ModelCost, error) {
	query, args, err := summaryQuery(w)
	if err != nil {
		return nil, err
	}
	var out []ModelCost
	if err := s.DB.WithContext(ctx).Raw(query, args...).Scan(&out).Error; err != nil {
		return nil, unavailable("ledger summary", err)
	}
	return out, nil
}

// summaryQuery 保持 gorm Raw 需要的 `?` 占位符格式。
func summaryQuery(w Window) (string, []any, error) {
	return sq.Select(
		"model",
		"COUNT(*) AS calls",
		"SUM(CASE WHEN outcome = 'failure' THEN 1 ELSE 0 END) AS failures",
		"COALESCE(SUM(input_tokens), 0) AS input_tokens",
		"COALESCE(SUM(output_tokens), 0) AS output_tokens",
		"COALESCE(SUM(cost), 0) AS cost",
	).
		From(CostLogEntry{}.TableName()).
		Where(sq.GtOrEq{"created_at": w.Start}).
		Where(sq.Lt{"created_at": w.End}).
		GroupBy("model").
		OrderBy("cost DESC").
		ToSql()
}

// toValidUTF8 清理非法字节，否则 Postgres 会拒绝混合编码的源。
func toValidUTF8(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}
