package handler

import (
	"io"

	"github.com/gin-gonic/gin"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/service"
)

// maxSeedBody YAML 数据集大小上限
const maxSeedBody = 8 << 20

// SeedHandler 种子提示数据集
type SeedHandler struct {
	svc *service.Services
}

// NewSeedHandler 创建种子处理器
func NewSeedHandler(svc *service.Services) *SeedHandler {
	return &SeedHandler{svc: svc}
}

// Import 导入 YAML 数据集
// POST /api/v1/seeds?added_by=
func (h *SeedHandler) Import(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSeedBody))
	if err != nil {
		BadRequest(c, "failed to read body: "+err.Error())
		return
	}
	if len(data) == 0 {
		BadRequest(c, "yaml body is required")
		return
	}
	ds, err := h.svc.ImportSeeds(c.Request.Context(), data, c.Query("added_by"))
	if err != nil {
		Error(c, err)
		return
	}
	Created(c, gin.H{
		"dataset_name": ds.DatasetName,
		"prompts":      len(ds.Prompts),
	})
}

// List 查询种子提示，grouped=true 时按提示组返回
// GET /api/v1/seeds?dataset=&harm_category=&group=&added_by=&data_type=&grouped=
func (h *SeedHandler) List(c *gin.Context) {
	filter := &model.SeedPromptFilter{
		DatasetName:    c.Query("dataset"),
		HarmCategories: c.QueryArray("harm_category"),
		Groups:         c.QueryArray("group"),
		AddedBy:        c.Query("added_by"),
	}
	if v := c.Query("data_type"); v != "" {
		dt, err := model.ParsePromptDataType(v)
		if err != nil {
			Error(c, err)
			return
		}
		filter.DataType = dt
	}

	ctx := c.Request.Context()
	if c.Query("grouped") == "true" {
		groups := h.svc.Memory.GetSeedPromptGroups(ctx, filter)
		if groups == nil {
			groups = []*model.SeedPromptGroup{}
		}
		Success(c, groups)
		return
	}
	prompts := h.svc.Memory.GetSeedPrompts(ctx, filter)
	if prompts == nil {
		prompts = []*model.SeedPrompt{}
	}
	Success(c, prompts)
}
