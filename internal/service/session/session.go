// Package session 保存攻击运行的检查点，内存为主、Redis 可选
package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashwinyue/next-redteam/internal/pkg/logger"
)

const (
	// 检查点默认保留 24 小时
	defaultTTL = 24 * time.Hour
	// Redis key 前缀
	checkpointKeyPrefix = "attack:"
	// 会话 id 到攻击 id 的索引
	conversationKeyPrefix = "attack_conv:"
)

// Checkpoint 一次攻击在某个状态转换后的快照
type Checkpoint struct {
	AttackID       string    `json:"attack_id"`
	ConversationID string    `json:"conversation_id"`
	Orchestrator   string    `json:"orchestrator"`
	OrchestratorID string    `json:"orchestrator_id"`
	Objective      string    `json:"objective"`
	State          string    `json:"state"`
	Turn           int       `json:"turn"`
	Backtracks     int       `json:"backtracks"`
	Achieved       bool      `json:"achieved"`
	LastResponse   string    `json:"last_response,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	// Conversations 本次攻击用过的全部会话，回溯后会追加新会话
	Conversations []string `json:"conversations"`
}

// Manager 检查点管理器
type Manager struct {
	mu     sync.RWMutex
	memory map[string]*Checkpoint
	byConv map[string]string
	redis  *redis.Client
	ttl    time.Duration
	log    *logger.Logger
	now    func() time.Time
}

// NewManager 创建检查点管理器，redisClient 为 nil 时只用内存
func NewManager(redisClient *redis.Client, ttl time.Duration, log *logger.Logger) *Manager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Manager{
		memory: make(map[string]*Checkpoint),
		byConv: make(map[string]string),
		redis:  redisClient,
		ttl:    ttl,
		log:    logger.OrNop(log),
		now:    time.Now,
	}
}

// Save 保存检查点；Redis 写失败只记录日志
// 内存中超过 TTL 未更新的检查点在写入时一并清理，与 Redis 的过期时间一致
func (m *Manager) Save(ctx context.Context, cp *Checkpoint) {
	if m == nil || cp == nil || cp.AttackID == "" {
		return
	}

	m.mu.Lock()
	m.pruneLocked()
	now := m.now().UTC()
	stored := *cp
	if prev, ok := m.memory[cp.AttackID]; ok {
		stored.CreatedAt = prev.CreatedAt
		stored.Conversations = prev.Conversations
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.Conversations = appendUnique(append([]string(nil), stored.Conversations...), cp.ConversationID)
	m.memory[cp.AttackID] = &stored
	for _, conv := range stored.Conversations {
		m.byConv[conv] = cp.AttackID
	}
	snapshot := stored
	m.mu.Unlock()

	if m.redis != nil {
		if err := m.saveToRedis(ctx, &snapshot); err != nil {
			m.log.Warn("failed to save checkpoint to redis", "attack_id", snapshot.AttackID, "error", err)
		}
	}
}

// Get 按攻击 id 或任一会话 id 查询检查点，过期的检查点视为不存在
func (m *Manager) Get(ctx context.Context, id string) (*Checkpoint, bool) {
	m.mu.Lock()
	attackID := id
	if aid, ok := m.byConv[id]; ok {
		attackID = aid
	}
	cp, ok := m.memory[attackID]
	if ok && m.expired(cp) {
		m.removeLocked(attackID)
		ok = false
	}
	m.mu.Unlock()
	if ok {
		out := *cp
		out.Conversations = append([]string(nil), cp.Conversations...)
		return &out, true
	}

	if m.redis == nil {
		return nil, false
	}
	cp = m.loadFromRedis(ctx, id)
	if cp == nil || m.expired(cp) {
		return nil, false
	}
	m.mu.Lock()
	m.memory[cp.AttackID] = cp
	for _, conv := range cp.Conversations {
		m.byConv[conv] = cp.AttackID
	}
	m.mu.Unlock()
	out := *cp
	return &out, true
}

// List 内存中未过期的检查点，按更新时间倒序
func (m *Manager) List() []*Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	out := make([]*Checkpoint, 0, len(m.memory))
	for _, cp := range m.memory {
		c := *cp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// Delete 删除检查点
func (m *Manager) Delete(ctx context.Context, attackID string) {
	m.mu.Lock()
	var convs []string
	if cp, ok := m.memory[attackID]; ok {
		convs = cp.Conversations
	}
	m.removeLocked(attackID)
	m.mu.Unlock()

	if m.redis == nil {
		return
	}
	keys := []string{checkpointKeyPrefix + attackID}
	for _, conv := range convs {
		keys = append(keys, conversationKeyPrefix+conv)
	}
	if err := m.redis.Del(ctx, keys...).Err(); err != nil {
		m.log.Warn("failed to delete checkpoint from redis", "attack_id", attackID, "error", err)
	}
}

// expired 最后一次更新距今超过 TTL
func (m *Manager) expired(cp *Checkpoint) bool {
	return !cp.UpdatedAt.IsZero() && m.now().Sub(cp.UpdatedAt) >= m.ttl
}

func (m *Manager) removeLocked(attackID string) {
	cp, ok := m.memory[attackID]
	if !ok {
		return
	}
	delete(m.memory, attackID)
	for _, conv := range cp.Conversations {
		if m.byConv[conv] == attackID {
			delete(m.byConv, conv)
		}
	}
}

func (m *Manager) pruneLocked() {
	for id, cp := range m.memory {
		if m.expired(cp) {
			m.removeLocked(id)
		}
	}
}

// loadFromRedis id 可以是攻击 id 或会话 id
func (m *Manager) loadFromRedis(ctx context.Context, id string) *Checkpoint {
	attackID := id
	if aid, err := m.redis.Get(ctx, conversationKeyPrefix+id).Result(); err == nil {
		attackID = aid
	}
	data, err := m.redis.Get(ctx, checkpointKeyPrefix+attackID).Bytes()
	if err != nil {
		if err != redis.Nil {
			m.log.Warn("failed to load checkpoint from redis", "id", id, "error", err)
		}
		return nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		m.log.Warn("invalid checkpoint in redis", "id", id, "error", err)
		return nil
	}
	return &cp
}

func (m *Manager) saveToRedis(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	pipe := m.redis.TxPipeline()
	pipe.Set(ctx, checkpointKeyPrefix+cp.AttackID, data, m.ttl)
	for _, conv := range cp.Conversations {
		pipe.Set(ctx, conversationKeyPrefix+conv, cp.AttackID, m.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
