package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/repository"
)

// AddSeedPrompts 写入种子提示，同一数据集内按内容哈希去重
func (s *Store) AddSeedPrompts(ctx context.Context, prompts []*model.SeedPrompt, addedBy string) error {
	if len(prompts) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, p := range prompts {
		if err := p.Validate(); err != nil {
			return err
		}
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if addedBy != "" {
			p.AddedBy = addedBy
		}
		if p.DateAdded.IsZero() {
			p.DateAdded = now
		}
	}

	err := s.repos.Transaction(func(tx *repository.Repositories) error {
		byDataset := map[string][]*model.SeedPrompt{}
		var order []string
		for _, p := range prompts {
			if _, ok := byDataset[p.DatasetName]; !ok {
				order = append(order, p.DatasetName)
			}
			byDataset[p.DatasetName] = append(byDataset[p.DatasetName], p)
		}

		var entries []*repository.SeedPromptEntry
		for _, ds := range order {
			group := byDataset[ds]
			hashes := make([]string, 0, len(group))
			for _, p := range group {
				hashes = append(hashes, model.HashValue(p.Value))
			}
			existing, err := tx.Seeds.ExistingHashes(ctx, ds, hashes)
			if err != nil {
				return err
			}
			for i, p := range group {
				if existing[hashes[i]] {
					continue
				}
				existing[hashes[i]] = true
				entries = append(entries, repository.FromSeedPrompt(p))
			}
		}
		return tx.Seeds.Create(ctx, entries)
	})
	if err != nil {
		s.metrics.ObserveMemoryWriteFailure("add_seed_prompts")
		return apperr.Storage("add seed prompts", err)
	}
	return nil
}

// GetSeedPrompts 查询种子提示；HarmCategories 与 Groups 需全部包含
func (s *Store) GetSeedPrompts(ctx context.Context, filter *model.SeedPromptFilter) []*model.SeedPrompt {
	entries, err := s.repos.Seeds.List(ctx, filter)
	if err != nil {
		s.log.Error("failed to query seed prompts", "error", err)
		return nil
	}
	out := make([]*model.SeedPrompt, 0, len(entries))
	for _, e := range entries {
		p, err := e.ToSeedPrompt()
		if err != nil {
			s.log.Warn("skipping unreadable seed prompt", "error", err)
			continue
		}
		if filter != nil && (!containsAll(p.HarmCategories, filter.HarmCategories) || !containsAll(p.Groups, filter.Groups)) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// GetSeedPromptGroups 查询并按 PromptGroupID 组装
func (s *Store) GetSeedPromptGroups(ctx context.Context, filter *model.SeedPromptFilter) []*model.SeedPromptGroup {
	groups, err := model.GroupSeedPrompts(s.GetSeedPrompts(ctx, filter))
	if err != nil {
		s.log.Error("failed to group seed prompts", "error", err)
		return nil
	}
	return groups
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}
