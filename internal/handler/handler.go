package handler

import (
	"github.com/ashwinyue/next-redteam/internal/service"
)

// Handlers 处理器集合
type Handlers struct {
	System *SystemHandler
	Memory *MemoryHandler
	Attack *AttackHandler
	Seed   *SeedHandler
}

// NewHandlers 创建所有处理器
func NewHandlers(svc *service.Services) *Handlers {
	return &Handlers{
		System: NewSystemHandler(svc),
		Memory: NewMemoryHandler(svc),
		Attack: NewAttackHandler(svc),
		Seed:   NewSeedHandler(svc),
	}
}
