package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agrinet/ruleworker/internal/model"
)

// Memory is an in-process Ledger. Same semantics as the Redis
// implementation; the mutex stands in for the per-key atomicity.
type Memory struct {
	mu      sync.Mutex
	entries map[string]model.CooldownEntry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]model.CooldownEntry)}
}

func (m *Memory) TryAcceptTrigger(_ context.Context, ruleID string, now time.Time, signature string, cooldown time.Duration) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[ruleID]
	if ok && now.Sub(e.LastTriggeredAt) < cooldown {
		same := e.LastActionSignature == signature
		e.State = model.StateSuppressed
		e.LastAttemptAt = now
		m.entries[ruleID] = e
		return Decision{Accepted: false, Reason: suppressReason(same)}, nil
	}

	m.entries[ruleID] = model.CooldownEntry{
		RuleID:              ruleID,
		LastTriggeredAt:     now,
		LastAttemptAt:       now,
		LastActionSignature: signature,
		State:               model.StateTriggered,
	}
	return Decision{Accepted: true}, nil
}

func (m *Memory) Entry(_ context.Context, ruleID string) (model.CooldownEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[ruleID]
	return e, ok, nil
}

func (m *Memory) Entries(_ context.Context) ([]model.CooldownEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.CooldownEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out, nil
}
