// Package testutil 提供测试辅助工具
package testutil

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ashwinyue/next-redteam/internal/database"
	"github.com/ashwinyue/next-redteam/internal/pkg/logger"
	"github.com/ashwinyue/next-redteam/internal/service/memory"
)

// NewMemory 创建独立的内存 sqlite 记忆存储，测试结束时释放
func NewMemory(t *testing.T) *memory.Store {
	t.Helper()
	return NewMemoryWithOptions(t, nil)
}

// NewMemoryWithOptions 同 NewMemory，可指定日志与向量生成
func NewMemoryWithOptions(t *testing.T, opts *memory.Options) *memory.Store {
	t.Helper()
	name := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	db, err := database.NewSQLiteMemory(name)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if opts == nil {
		opts = &memory.Options{Logger: logger.NewNop()}
	}
	s := memory.NewStore(db, opts)
	t.Cleanup(func() { _ = s.Dispose() })
	return s
}
