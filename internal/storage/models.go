package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	AnnotationPending   = "pending"
	AnnotationCompleted = "completed"
	AnnotationFailed    = "failed"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Annotation 是标注服务返回的结构化结果。
type Annotation struct {
	Bullets []string `json:"bullets"`
	Insight string   `json:"insight"`
	Tags    []string `json:"tags"`
}

// ContentRecord 是一条入库内容，插入后只有标注相关字段会变。
type ContentRecord struct {
	Fingerprint string     `gorm:"primaryKey;size:64" json:"fingerprint"`
	Title       string     `gorm:"size:512" json:"title"`
	Author      string     `gorm:"size:256" json:"author,omitempty"`
	URL         string     `gorm:"size:2048;index" json:"url"`
	Source      string     `gorm:"size:128;index" json:"source"`
	Category    string     `gorm:"size:64" json:"category,omitempty"`
	PublishedAt *time.Time `gorm:"index" json:"publishedAt,omitempty"`
	Body        string     `gorm:"type:text" json:"body"`
	Language    string     `gorm:"size:8;index" json:"language"`
	IngestedAt  time.Time  `gorm:"index" json:"ingestedAt"`

	Annotation          datatypes.JSON `gorm:"type:jsonb" json:"annotation,omitempty"`
	AnnotationStatus    string         `gorm:"size:16;index;default:pending" json:"annotationStatus"`
	AnnotationModel     string         `gorm:"size:64" json:"annotationModel,omitempty"`
	AnnotationTruncated bool           `json:"annotationTruncated"`
	AnnotationError     string         `gorm:"size:32" json:"annotationError,omitempty"`
	AnnotatedAt         *time.Time     `json:"annotatedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (ContentRecord) TableName() string { return "contents" }

// DecodedAnnotation 在记录标注前返回 nil。
func (r ContentRecord) DecodedAnnotation() (*Annotation, error) {
	if len(r.Annotation) == 0 {
		return nil, nil
	}
	var a Annotation
	if err := json.Unmarshal(r.Annotation, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// AnnotationUpdate 是标注完成后流水线回写的内容。
type AnnotationUpdate struct {
	Annotation   Annotation
	ModelVersion string
	Truncated    bool
	At           time.Time
}

// AnnotationCacheEntry 记录一次模型调用的结果，写入后不可变。
type AnnotationCacheEntry struct {
	Fingerprint  string                         `gorm:"primaryKey;size:64" json:"fingerprint"`
	ModelVersion string                         `gorm:"primaryKey;size:64" json:"modelVersion"`
	Payload      datatypes.JSONType[Annotation] `gorm:"type:jsonb" json:"payload"`
	Truncated    bool                           `json:"truncated"`
	CreatedAt    time.Time                      `json:"createdAt"`
}

func (AnnotationCacheEntry) TableName() string { return "annotation_cache" }

func (e AnnotationCacheEntry) Annotation() Annotation {
	return e.Payload.Data()
}

func NewCacheEntry(fp, model string, a Annotation, truncated bool, at time.Time) *AnnotationCacheEntry {
	return &AnnotationCacheEntry{
		Fingerprint:  fp,
		ModelVersion: model,
		Payload:      datatypes.NewJSONType(a),
		Truncated:    truncated,
		CreatedAt:    at,
	}
}

// CostLogEntry 是一次计费的标注调用，只追加。
type CostLogEntry struct {
	ID            uint64            `gorm:"primaryKey;autoIncrement" json:"id"`
	Fingerprint   string            `gorm:"size:64;index" json:"fingerprint"`
	Model         string            `gorm:"size:64;index" json:"model"`
	InputTokens   int               `json:"inputTokens"`
	OutputTokens  int               `json:"outputTokens"`
	Cost          decimal.Decimal   `gorm:"type:numeric(18,8)" json:"cost"`
	Outcome       string            `gorm:"size:16" json:"outcome"`
	RequestType   string            `gorm:"size:32" json:"requestType"`
	ErrorCategory string            `gorm:"size:32" json:"errorCategory,omitempty"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt     time.Time         `gorm:"index" json:"createdAt"`
}

func (CostLogEntry) TableName() string { return "cost_log" }

// ModelCost 汇总时间窗口内某个模型的账本记录。
type ModelCost struct {
	Model        string          `json:"model"`
	Calls        int64           `json:"calls"`
	Failures     int64           `json:"failures"`
	InputTokens  int64           `json:"inputTokens"`
	OutputTokens int64           `json:"outputTokens"`
	Cost         decimal.Decimal `json:"cost"`
}
