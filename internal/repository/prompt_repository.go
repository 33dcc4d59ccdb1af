package repository

import (
	"context"
	"database/sql"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ashwinyue/next-redteam/internal/model"
)

// PromptRepository piece 数据访问
type PromptRepository struct {
	db *gorm.DB
}

// NewPromptRepository 创建 piece 仓库
func NewPromptRepository(db *gorm.DB) *PromptRepository {
	return &PromptRepository{db: db}
}

// Create 批量写入
func (r *PromptRepository) Create(ctx context.Context, entries []*PromptMemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(entries, 100).Error
}

// LockConversation 在当前事务内对会话加 postgres advisory 锁，事务结束自动释放
// 其他方言不加锁，sqlite 的写事务本身串行
func (r *PromptRepository) LockConversation(ctx context.Context, conversationID string) error {
	if r.db.Dialector.Name() != "postgres" {
		return nil
	}
	return r.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", conversationID).Error
}

// MaxSequence 会话当前最大序号，会话不存在时 ok 为 false
func (r *PromptRepository) MaxSequence(ctx context.Context, conversationID string) (int, bool, error) {
	var maxSeq sql.NullInt64
	row := r.db.WithContext(ctx).
		Model(&PromptMemoryEntry{}).
		Select("MAX(sequence)").
		Where("conversation_id = ?", conversationID).
		Row()
	if err := row.Scan(&maxSeq); err != nil {
		return 0, false, err
	}
	if !maxSeq.Valid {
		return 0, false, nil
	}
	return int(maxSeq.Int64), true, nil
}

// ListByConversation 按序号、位置、时间排序
func (r *PromptRepository) ListByConversation(ctx context.Context, conversationID string) ([]*PromptMemoryEntry, error) {
	var entries []*PromptMemoryEntry
	err := orderByTurn(r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)).
		Find(&entries).Error
	return entries, err
}

// List 按条件查询
func (r *PromptRepository) List(ctx context.Context, f *model.PieceFilter) ([]*PromptMemoryEntry, error) {
	var entries []*PromptMemoryEntry
	q := applyPieceFilter(r.db.WithContext(ctx).Model(&PromptMemoryEntry{}), f)
	q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}}).
		Order("conversation_id ASC").
		Order("sequence ASC").
		Order("position ASC")
	if f != nil && f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	err := q.Find(&entries).Error
	return entries, err
}

// ExistingIDs 返回已存在的 ID 集合
func (r *PromptRepository) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	var existing []string
	err := r.db.WithContext(ctx).
		Model(&PromptMemoryEntry{}).
		Where("id IN ?", ids).
		Pluck("id", &existing).Error
	if err != nil {
		return nil, err
	}
	for _, id := range existing {
		found[id] = true
	}
	return found, nil
}

// UpdateLabels 更新单条记录的标签
func (r *PromptRepository) UpdateLabels(ctx context.Context, id string, labels map[string]string) error {
	return r.db.WithContext(ctx).
		Model(&PromptMemoryEntry{}).
		Where("id = ?", id).
		Update("labels", toJSON(nonNilStrings(labels))).Error
}

// UpdateMetadata 更新单条记录的元数据
func (r *PromptRepository) UpdateMetadata(ctx context.Context, id string, md map[string]string) error {
	return r.db.WithContext(ctx).
		Model(&PromptMemoryEntry{}).
		Where("id = ?", id).
		Update("prompt_metadata", toJSON(nonNilStrings(md))).Error
}

// DeleteAll 清空，仅用于重置
func (r *PromptRepository) DeleteAll(ctx context.Context) error {
	return r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&PromptMemoryEntry{}).Error
}

// orderByTurn 会话内排序
func orderByTurn(q *gorm.DB) *gorm.DB {
	return q.Order("sequence ASC").
		Order("position ASC").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}})
}

// applyPieceFilter 应用 piece 过滤条件
func applyPieceFilter(q *gorm.DB, f *model.PieceFilter) *gorm.DB {
	if f == nil {
		return q
	}
	if f.OrchestratorID != "" {
		q = q.Where(datatypes.JSONQuery("orchestrator_identifier").Equals(f.OrchestratorID, model.IdentifierKeyID))
	}
	if f.ConversationID != "" {
		q = q.Where("conversation_id = ?", f.ConversationID)
	}
	if f.Role != "" {
		q = q.Where("role = ?", string(f.Role))
	}
	for k, v := range f.Labels {
		q = q.Where(datatypes.JSONQuery("labels").Equals(v, k))
	}
	if f.SentAfter != nil {
		q = q.Where(clause.Gte{Column: clause.Column{Name: "timestamp"}, Value: *f.SentAfter})
	}
	if f.SentBefore != nil {
		q = q.Where(clause.Lte{Column: clause.Column{Name: "timestamp"}, Value: *f.SentBefore})
	}
	if f.OriginalSHA256 != "" {
		q = q.Where("original_value_sha256 = ?", f.OriginalSHA256)
	}
	if f.ConvertedSHA256 != "" {
		q = q.Where("converted_value_sha256 = ?", f.ConvertedSHA256)
	}
	if f.DataType != "" {
		q = q.Where("converted_value_data_type = ?", string(f.DataType))
	}
	if len(f.PromptIDs) > 0 {
		q = q.Where("id IN ?", f.PromptIDs)
	}
	if len(f.OriginalPromptIDs) > 0 {
		q = q.Where("original_prompt_id IN ?", f.OriginalPromptIDs)
	}
	return q
}
