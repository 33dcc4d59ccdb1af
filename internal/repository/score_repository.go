package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ashwinyue/next-redteam/internal/model"
)

// ScoreRepository 评分数据访问
type ScoreRepository struct {
	db *gorm.DB
}

// NewScoreRepository 创建评分仓库
func NewScoreRepository(db *gorm.DB) *ScoreRepository {
	return &ScoreRepository{db: db}
}

// Create 批量写入
func (r *ScoreRepository) Create(ctx context.Context, entries []*ScoreEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(entries).Error
}

// ListByPieceIDs 按 piece 查询评分
func (r *ScoreRepository) ListByPieceIDs(ctx context.Context, pieceIDs []string) ([]*ScoreEntry, error) {
	var entries []*ScoreEntry
	if len(pieceIDs) == 0 {
		return entries, nil
	}
	err := r.db.WithContext(ctx).
		Where("prompt_request_response_id IN ?", pieceIDs).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}}).
		Find(&entries).Error
	return entries, err
}

// ListByPieceFilter 查询满足 piece 条件的评分
func (r *ScoreRepository) ListByPieceFilter(ctx context.Context, f *model.PieceFilter) ([]*ScoreEntry, error) {
	var entries []*ScoreEntry
	sub := applyPieceFilter(r.db.WithContext(ctx).Model(&PromptMemoryEntry{}).Select("id"), f)
	err := r.db.WithContext(ctx).
		Where("prompt_request_response_id IN (?)", sub).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}}).
		Find(&entries).Error
	return entries, err
}

// DeleteAll 清空，仅用于重置
func (r *ScoreRepository) DeleteAll(ctx context.Context) error {
	return r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&ScoreEntry{}).Error
}

// EmbeddingRepository 向量数据访问
type EmbeddingRepository struct {
	db *gorm.DB
}

// NewEmbeddingRepository 创建向量仓库
func NewEmbeddingRepository(db *gorm.DB) *EmbeddingRepository {
	return &EmbeddingRepository{db: db}
}

// Upsert 写入或覆盖
func (r *EmbeddingRepository) Upsert(ctx context.Context, entry *EmbeddingEntry) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(entry).Error
}

// Get 获取 piece 的向量
func (r *EmbeddingRepository) Get(ctx context.Context, pieceID string) (*EmbeddingEntry, error) {
	var entry EmbeddingEntry
	if err := r.db.WithContext(ctx).Where("id = ?", pieceID).First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// DeleteAll 清空，仅用于重置
func (r *EmbeddingRepository) DeleteAll(ctx context.Context) error {
	return r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&EmbeddingEntry{}).Error
}
