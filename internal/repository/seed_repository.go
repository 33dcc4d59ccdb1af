package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/ashwinyue/next-redteam/internal/model"
)

// SeedPromptRepository 种子提示数据访问
type SeedPromptRepository struct {
	db *gorm.DB
}

// NewSeedPromptRepository 创建种子提示仓库
func NewSeedPromptRepository(db *gorm.DB) *SeedPromptRepository {
	return &SeedPromptRepository{db: db}
}

// Create 批量写入
func (r *SeedPromptRepository) Create(ctx context.Context, entries []*SeedPromptEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(entries, 100).Error
}

// ExistingHashes 已入库的内容哈希（同一数据集内）
func (r *SeedPromptRepository) ExistingHashes(ctx context.Context, datasetName string, hashes []string) (map[string]bool, error) {
	found := map[string]bool{}
	if len(hashes) == 0 {
		return found, nil
	}
	var existing []string
	err := r.db.WithContext(ctx).
		Model(&SeedPromptEntry{}).
		Where("dataset_name = ? AND value_sha256 IN ?", datasetName, hashes).
		Pluck("value_sha256", &existing).Error
	if err != nil {
		return nil, err
	}
	for _, h := range existing {
		found[h] = true
	}
	return found, nil
}

// List 按标量条件查询，数组字段由调用方过滤
func (r *SeedPromptRepository) List(ctx context.Context, f *model.SeedPromptFilter) ([]*SeedPromptEntry, error) {
	var entries []*SeedPromptEntry
	q := r.db.WithContext(ctx).Model(&SeedPromptEntry{})
	if f != nil {
		if f.DatasetName != "" {
			q = q.Where("dataset_name = ?", f.DatasetName)
		}
		if f.AddedBy != "" {
			q = q.Where("added_by = ?", f.AddedBy)
		}
		if f.DataType != "" {
			q = q.Where("data_type = ?", string(f.DataType))
		}
		if len(f.PromptGroupIDs) > 0 {
			q = q.Where("prompt_group_id IN ?", f.PromptGroupIDs)
		}
		if f.ValueSHA256 != "" {
			q = q.Where("value_sha256 = ?", f.ValueSHA256)
		}
	}
	err := q.Order("date_added ASC").Order("prompt_group_id ASC").Order("sequence ASC").Find(&entries).Error
	return entries, err
}

// DeleteAll 清空，仅用于重置
func (r *SeedPromptRepository) DeleteAll(ctx context.Context) error {
	return r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&SeedPromptEntry{}).Error
}
