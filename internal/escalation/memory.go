package escalation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStorage keeps escalation state in process. It suits single-process
// deployments and tests.
type MemoryStorage struct {
	mu          sync.Mutex
	overrides   map[string]OverrideState
	cycles      map[string]int
	touchpoints map[string]Touchpoint
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		overrides:   map[string]OverrideState{},
		cycles:      map[string]int{},
		touchpoints: map[string]Touchpoint{},
	}
}

func (m *MemoryStorage) GetOverride(_ context.Context, issueID string) (*OverrideState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.overrides[issueID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (m *MemoryStorage) PutOverride(_ context.Context, o OverrideState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[o.IssueID] = o
	return nil
}

func (m *MemoryStorage) DeleteOverride(_ context.Context, issueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.overrides, issueID)
	return nil
}

func (m *MemoryStorage) GetCycle(_ context.Context, issueID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycles[issueID], nil
}

func (m *MemoryStorage) SetCycle(_ context.Context, issueID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n == 0 {
		delete(m.cycles, issueID)
		return nil
	}
	m.cycles[issueID] = n
	return nil
}

func (m *MemoryStorage) PutTouchpoint(_ context.Context, t Touchpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchpoints[t.ID] = t
	return nil
}

func (m *MemoryStorage) ListTouchpoints(_ context.Context, f TouchpointFilter) ([]Touchpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Touchpoint, 0, len(m.touchpoints))
	for _, t := range m.touchpoints {
		if f.IssueID != "" && t.IssueID != f.IssueID {
			continue
		}
		if f.PendingOnly && !t.Pending() {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostedAt.Before(out[j].PostedAt) })
	return out, nil
}

func (m *MemoryStorage) ResolveTouchpoint(_ context.Context, id string, at time.Time, resolution string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.touchpoints[id]
	if !ok {
		return fmt.Errorf("touchpoint %s not found", id)
	}
	t.RespondedAt = &at
	t.Resolution = resolution
	m.touchpoints[id] = t
	return nil
}
