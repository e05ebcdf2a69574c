package cluster

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLeaseStore shares a lease between members in one process.
type MemoryLeaseStore struct {
	mu      sync.Mutex
	holder  string
	until   time.Time
	members map[string]Member
}

func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{
		members: make(map[string]Member),
	}
}

func (m *MemoryLeaseStore) Heartbeat(_ context.Context, member Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[member.ID] = member
	return nil
}

func (m *MemoryLeaseStore) Deregister(_ context.Context, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, memberID)
	return nil
}

func (m *MemoryLeaseStore) Acquire(_ context.Context, memberID string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder != "" && m.holder != memberID && !m.until.Before(now) {
		return false, nil
	}

	m.holder = memberID
	m.until = now.Add(ttl)
	return true, nil
}

func (m *MemoryLeaseStore) Resign(_ context.Context, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder == memberID {
		m.holder = ""
		m.until = time.Time{}
	}
	return nil
}

func (m *MemoryLeaseStore) Members(_ context.Context, now time.Time, window time.Duration) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	since := now.Add(-window)
	out := make([]Member, 0, len(m.members))
	for _, member := range m.members {
		if member.LastSeen.Before(since) {
			continue
		}
		member.Leader = member.ID == m.holder && !m.until.Before(now)
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
