package repository

import "gorm.io/gorm"

// Repositories 仓库集合，用于统一管理所有仓库
type Repositories struct {
	DB         *gorm.DB // 直接访问数据库
	Prompts    *PromptRepository
	Scores     *ScoreRepository
	Embeddings *EmbeddingRepository
	Seeds      *SeedPromptRepository
}

// NewRepositories 创建所有仓库
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		DB:         db,
		Prompts:    NewPromptRepository(db),
		Scores:     NewScoreRepository(db),
		Embeddings: NewEmbeddingRepository(db),
		Seeds:      NewSeedPromptRepository(db),
	}
}

// Transaction 在同一事务内执行，fn 收到绑定事务的仓库集合
func (r *Repositories) Transaction(fn func(tx *Repositories) error) error {
	return r.DB.Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}
