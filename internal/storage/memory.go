package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/albachteng/jobengine/internal/clock"
	"github.com/albachteng/jobengine/internal/jobs"
)

const DefaultMemorySleep = time.Second

// Memory keeps pending jobs in insertion order. Jobs claimed by GetNextJob
// leave the pending set and are tracked until released; their ids stay
// reserved until then. Nothing is retained after Release.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	logger  *slog.Logger
	pending []jobs.Job
	claimed map[jobs.JobID]jobs.Job
}

func NewMemory(c clock.Clock, logger *slog.Logger) *Memory {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		clock:   c,
		logger:  logger,
		pending: make([]jobs.Job, 0),
		claimed: make(map[jobs.JobID]jobs.Job),
	}
}

func (m *Memory) Add(ctx context.Context, job jobs.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.add(job)
	return nil
}

func (m *Memory) add(job jobs.Job) {
	if _, running := m.claimed[job.ID]; running {
		return
	}
	if m.indexOf(job.ID) >= 0 {
		return
	}
	m.pending = append(m.pending, job)
}

func (m *Memory) indexOf(id jobs.JobID) int {
	for i := range m.pending {
		if m.pending[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Memory) Remove(ctx context.Context, id jobs.JobID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.claimed[id]; running {
		return fmt.Errorf("%w: %s", ErrJobClaimed, id)
	}
	if i := m.indexOf(id); i >= 0 {
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
	}
	return nil
}

func (m *Memory) Update(ctx context.Context, job jobs.Job, mutate func(*jobs.Job)) (jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return jobs.Job{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.claimed[job.ID]; ok {
		mutate(&current)
		m.claimed[job.ID] = current
		return current, nil
	}

	if i := m.indexOf(job.ID); i >= 0 {
		current := m.pending[i]
		mutate(&current)
		m.pending[i] = current
		return current, nil
	}

	return jobs.Job{}, ErrJobNotFound
}

func (m *Memory) GetNextJob(ctx context.Context) (jobs.Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return jobs.Job{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	next := -1
	for i := range m.pending {
		if !m.pending[i].ScheduledAt.Before(now) {
			continue
		}
		// strict comparison keeps the earliest-added job on ties
		if next < 0 || m.pending[i].ScheduledAt.Before(m.pending[next].ScheduledAt) {
			next = i
		}
	}
	if next < 0 {
		return jobs.Job{}, false, nil
	}

	job := m.pending[next]
	m.pending = append(m.pending[:next], m.pending[next+1:]...)
	m.claimed[job.ID] = job
	return job, true, nil
}

func (m *Memory) Release(ctx context.Context, completed jobs.CompletedJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.claimed, completed.ID)

	if !completed.IsRecurring() {
		return nil
	}

	next, ok := Reschedule(completed, m.clock.Now())
	if !ok {
		LogDropped(m.logger, completed)
		return nil
	}

	m.add(next)
	return nil
}

func (m *Memory) List(ctx context.Context) ([]jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]jobs.Job, len(m.pending))
	copy(out, m.pending)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out, nil
}

// Close is a no-op: the memory store holds no external resource.
func (m *Memory) Close() error {
	return nil
}

// MemoryProvider hands out the same Memory store on every call.
type MemoryProvider struct {
	store *Memory
	sleep time.Duration
}

func NewMemoryProvider(c clock.Clock, logger *slog.Logger) *MemoryProvider {
	return &MemoryProvider{
		store: NewMemory(c, logger),
		sleep: DefaultMemorySleep,
	}
}

func (p *MemoryProvider) Storage(ctx context.Context) (Storage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.store, nil
}

func (p *MemoryProvider) Sleep() time.Duration {
	return p.sleep
}

func (p *MemoryProvider) Close() error {
	return nil
}
