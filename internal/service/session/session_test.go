package session

import (
	"context"
	"testing"
	"time"
)

func TestNewManagerDefaultTTL(t *testing.T) {
	m := NewManager(nil, 0, nil)
	if m.ttl != defaultTTL {
		t.Errorf("ttl = %v, want %v", m.ttl, defaultTTL)
	}
	m = NewManager(nil, time.Hour, nil)
	if m.ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", m.ttl)
	}
}

func TestSaveAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, 0, nil)

	m.Save(ctx, &Checkpoint{AttackID: "a1", ConversationID: "c1", State: "TURN_ACTIVE", Turn: 1})
	cp, ok := m.Get(ctx, "a1")
	if !ok {
		t.Fatal("checkpoint not found by attack id")
	}
	if cp.State != "TURN_ACTIVE" || cp.Turn != 1 {
		t.Errorf("got state=%s turn=%d", cp.State, cp.Turn)
	}
	if cp.CreatedAt.IsZero() || cp.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	byConv, ok := m.Get(ctx, "c1")
	if !ok || byConv.AttackID != "a1" {
		t.Fatalf("lookup by conversation id = %+v, %v", byConv, ok)
	}

	if _, ok := m.Get(ctx, "missing"); ok {
		t.Error("unexpected checkpoint for unknown id")
	}
}

func TestSaveTracksConversationsAcrossBacktracks(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, 0, nil)

	m.Save(ctx, &Checkpoint{AttackID: "a1", ConversationID: "c1", State: "TURN_ACTIVE"})
	first, _ := m.Get(ctx, "a1")
	m.Save(ctx, &Checkpoint{AttackID: "a1", ConversationID: "c2", State: "BACKTRACK", Backtracks: 1})

	for _, id := range []string{"a1", "c1", "c2"} {
		cp, ok := m.Get(ctx, id)
		if !ok {
			t.Fatalf("Get(%q) not found", id)
		}
		if cp.State != "BACKTRACK" {
			t.Errorf("Get(%q).State = %s, want BACKTRACK", id, cp.State)
		}
		if len(cp.Conversations) != 2 {
			t.Errorf("Get(%q).Conversations = %v, want 2 entries", id, cp.Conversations)
		}
		if !cp.CreatedAt.Equal(first.CreatedAt) {
			t.Errorf("CreatedAt changed on update")
		}
	}
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, 0, nil)
	m.Save(ctx, &Checkpoint{AttackID: "a1", ConversationID: "c1", State: "INIT"})

	cp, _ := m.Get(ctx, "a1")
	cp.State = "mutated"
	cp.Conversations[0] = "mutated"

	again, _ := m.Get(ctx, "a1")
	if again.State != "INIT" || again.Conversations[0] != "c1" {
		t.Errorf("stored checkpoint was mutated: %+v", again)
	}
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, 0, nil)
	m.Save(ctx, &Checkpoint{AttackID: "a1", ConversationID: "c1"})
	time.Sleep(time.Millisecond)
	m.Save(ctx, &Checkpoint{AttackID: "a2", ConversationID: "c2"})

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("List() len = %d, want 2", len(list))
	}
	if list[0].AttackID != "a2" {
		t.Errorf("List()[0] = %s, want most recent a2", list[0].AttackID)
	}

	m.Delete(ctx, "a1")
	if _, ok := m.Get(ctx, "a1"); ok {
		t.Error("a1 still present after delete")
	}
	if _, ok := m.Get(ctx, "c1"); ok {
		t.Error("conversation index still present after delete")
	}
}

func TestSaveIgnoresInvalid(t *testing.T) {
	ctx := context.Background()
	var nilManager *Manager
	nilManager.Save(ctx, &Checkpoint{AttackID: "a"})

	m := NewManager(nil, 0, nil)
	m.Save(ctx, nil)
	m.Save(ctx, &Checkpoint{ConversationID: "c"})
	if len(m.List()) != 0 {
		t.Error("invalid checkpoints were stored")
	}
}

func TestExpiredCheckpointsAreEvicted(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, time.Minute, nil)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	m.Save(ctx, &Checkpoint{AttackID: "done", ConversationID: "c1", State: "ACHIEVED"})
	clock = clock.Add(30 * time.Second)
	m.Save(ctx, &Checkpoint{AttackID: "active", ConversationID: "c2", State: "TURN_ACTIVE"})

	clock = clock.Add(45 * time.Second)
	if _, ok := m.Get(ctx, "c1"); ok {
		t.Error("expired checkpoint still returned by conversation id")
	}
	if _, ok := m.Get(ctx, "active"); !ok {
		t.Error("checkpoint within ttl was evicted")
	}
	if list := m.List(); len(list) != 1 || list[0].AttackID != "active" {
		t.Errorf("List() = %+v, want only active", list)
	}

	// 写入时顺带清理，map 不会无限增长
	clock = clock.Add(time.Hour)
	m.Save(ctx, &Checkpoint{AttackID: "next", ConversationID: "c3", State: "EXHAUSTED"})
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.memory) != 1 || len(m.byConv) != 1 {
		t.Errorf("memory=%d byConv=%d after prune, want 1 and 1", len(m.memory), len(m.byConv))
	}
}
