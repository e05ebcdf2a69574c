package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/albachteng/jobengine/internal/clock"
)

const DefaultLeaseTTL = 15 * time.Second

// Member is a live engine instance as seen by the lease store.
type Member struct {
	ID       string    `json:"id"`
	Hostname string    `json:"hostname"`
	LastSeen time.Time `json:"last_seen"`
	Leader   bool      `json:"leader"`
}

// LeaseStore persists membership and the single leadership lease.
type LeaseStore interface {
	// Heartbeat registers m or refreshes its LastSeen.
	Heartbeat(ctx context.Context, m Member) error

	Deregister(ctx context.Context, memberID string) error

	// Acquire takes the lease for memberID when it is free, expired or
	// already held by memberID, extending it to now+ttl. It reports whether
	// memberID holds the lease afterwards.
	Acquire(ctx context.Context, memberID string, now time.Time, ttl time.Duration) (bool, error)

	// Resign gives up the lease if memberID holds it.
	Resign(ctx context.Context, memberID string) error

	// Members lists members seen within window before now, flagging the
	// holder of an unexpired lease.
	Members(ctx context.Context, now time.Time, window time.Duration) ([]Member, error)
}

// Lease elects a leader through a time-limited lease in a shared store.
// Update must run more often than the TTL for a leader to keep its lease.
type Lease struct {
	id       string
	hostname string
	store    LeaseStore
	ttl      time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu        sync.RWMutex
	connected bool
	leader    bool
}

type LeaseOption func(*Lease)

func WithTTL(ttl time.Duration) LeaseOption {
	return func(l *Lease) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithClock(c clock.Clock) LeaseOption {
	return func(l *Lease) {
		if c != nil {
			l.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) LeaseOption {
	return func(l *Lease) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMemberID overrides the generated member id.
func WithMemberID(id string) LeaseOption {
	return func(l *Lease) {
		if id != "" {
			l.id = id
		}
	}
}

func NewLease(store LeaseStore, opts ...LeaseOption) *Lease {
	hostname, _ := os.Hostname()
	l := &Lease{
		id:       uuid.NewString(),
		hostname: hostname,
		store:    store,
		ttl:      DefaultLeaseTTL,
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("member_id", l.id)
	return l
}

func (l *Lease) ID() string {
	return l.id
}

func (l *Lease) Connect(ctx context.Context) error {
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()

	l.logger.Info("joining cluster", "hostname", l.hostname, "lease_ttl", l.ttl)
	return l.Update(ctx)
}

func (l *Lease) Update(ctx context.Context) error {
	l.mu.RLock()
	connected := l.connected
	l.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	now := l.clock.Now()
	if err := l.store.Heartbeat(ctx, Member{ID: l.id, Hostname: l.hostname, LastSeen: now}); err != nil {
		l.setLeader(false)
		return fmt.Errorf("cluster heartbeat: %w", err)
	}

	acquired, err := l.store.Acquire(ctx, l.id, now, l.ttl)
	if err != nil {
		l.setLeader(false)
		return fmt.Errorf("cluster lease: %w", err)
	}
	l.setLeader(acquired)
	return nil
}

func (l *Lease) setLeader(leader bool) {
	l.mu.Lock()
	was := l.leader
	l.leader = leader
	l.mu.Unlock()

	switch {
	case leader && !was:
		l.logger.Info("acquired cluster leadership")
	case !leader && was:
		l.logger.Warn("lost cluster leadership")
	}
}

func (l *Lease) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leader
}

// Members lists members whose heartbeat is within one TTL.
func (l *Lease) Members(ctx context.Context) ([]Member, error) {
	return l.store.Members(ctx, l.clock.Now(), l.ttl)
}

// Disconnect resigns leadership and leaves the cluster. Both steps are
// attempted even if the first fails.
func (l *Lease) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	l.connected = false
	l.leader = false
	l.mu.Unlock()

	resignErr := l.store.Resign(ctx, l.id)
	deregErr := l.store.Deregister(ctx, l.id)
	l.logger.Info("left cluster")

	if resignErr != nil {
		return fmt.Errorf("resign leadership: %w", resignErr)
	}
	if deregErr != nil {
		return fmt.Errorf("deregister member: %w", deregErr)
	}
	return nil
}
