package cluster

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/albachteng/jobengine/internal/clock"
	"github.com/albachteng/jobengine/internal/storage/sqlite"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStandalone(t *testing.T) {
	ctx := context.Background()
	c := NewStandalone()

	if c.IsLeader() {
		t.Error("expected no leadership before connect")
	}
	if err := c.Update(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Update(ctx); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !c.IsLeader() {
		t.Error("expected standalone member to lead once connected")
	}

	c.Disconnect(ctx)
	if c.IsLeader() {
		t.Error("expected leadership to end on disconnect")
	}
}

func runLeaseScenarios(t *testing.T, newStore func(t *testing.T) LeaseStore) {
	ctx := context.Background()
	ttl := 10 * time.Second

	newPair := func(t *testing.T) (*Lease, *Lease, *clock.Manual) {
		store := newStore(t)
		c := clock.NewManual(start)
		a := NewLease(store, WithTTL(ttl), WithClock(c), WithMemberID("a"))
		b := NewLease(store, WithTTL(ttl), WithClock(c), WithMemberID("b"))
		return a, b, c
	}

	t.Run("first member to connect leads", func(t *testing.T) {
		a, b, _ := newPair(t)

		if err := a.Connect(ctx); err != nil {
			t.Fatalf("connect a: %v", err)
		}
		if err := b.Connect(ctx); err != nil {
			t.Fatalf("connect b: %v", err)
		}

		if !a.IsLeader() || b.IsLeader() {
			t.Errorf("expected a to lead alone, got a=%v b=%v", a.IsLeader(), b.IsLeader())
		}
	})

	t.Run("leader keeps the lease by updating within the ttl", func(t *testing.T) {
		a, b, c := newPair(t)
		a.Connect(ctx)
		b.Connect(ctx)

		for i := 0; i < 5; i++ {
			c.Advance(ttl / 2)
			a.Update(ctx)
			b.Update(ctx)
		}

		if !a.IsLeader() || b.IsLeader() {
			t.Errorf("expected a to keep leadership, got a=%v b=%v", a.IsLeader(), b.IsLeader())
		}
	})

	t.Run("lease expires when the leader stops updating", func(t *testing.T) {
		a, b, c := newPair(t)
		a.Connect(ctx)
		b.Connect(ctx)

		c.Advance(ttl + time.Second)
		if err := b.Update(ctx); err != nil {
			t.Fatalf("update b: %v", err)
		}
		if !b.IsLeader() {
			t.Fatal("expected b to take over the expired lease")
		}

		a.Update(ctx)
		if a.IsLeader() {
			t.Error("expected a to observe the lost lease")
		}
	})

	t.Run("disconnect resigns so another member can lead immediately", func(t *testing.T) {
		a, b, _ := newPair(t)
		a.Connect(ctx)
		b.Connect(ctx)

		if err := a.Disconnect(ctx); err != nil {
			t.Fatalf("disconnect: %v", err)
		}
		if a.IsLeader() {
			t.Error("expected a to drop leadership")
		}

		b.Update(ctx)
		if !b.IsLeader() {
			t.Error("expected b to lead after a resigned")
		}
		if err := a.Update(ctx); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected after disconnect, got %v", err)
		}
	})

	t.Run("members lists live members and the leader", func(t *testing.T) {
		a, b, c := newPair(t)
		a.Connect(ctx)
		b.Connect(ctx)

		members, err := a.Members(ctx)
		if err != nil {
			t.Fatalf("members: %v", err)
		}
		if len(members) != 2 {
			t.Fatalf("expected 2 members, got %d", len(members))
		}
		if !members[0].Leader || members[0].ID != "a" || members[1].Leader {
			t.Errorf("unexpected members %+v", members)
		}

		c.Advance(ttl / 2)
		a.Update(ctx)
		c.Advance(ttl)

		members, _ = a.Members(ctx)
		if len(members) != 1 || members[0].ID != "a" {
			t.Errorf("expected silent member b to age out, got %+v", members)
		}
	})
}

func TestLease_MemoryStore(t *testing.T) {
	runLeaseScenarios(t, func(t *testing.T) LeaseStore {
		return NewMemoryLeaseStore()
	})
}

func TestLease_SQLiteStore(t *testing.T) {
	runLeaseScenarios(t, func(t *testing.T) LeaseStore {
		p, err := sqlite.Open(filepath.Join(t.TempDir(), "cluster.db"), clock.NewManual(start), nil)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { p.Close() })

		store, err := NewSQLiteLeaseStore(p.DB())
		if err != nil {
			t.Fatalf("lease store: %v", err)
		}
		return store
	})
}

type failingLeaseStore struct {
	*MemoryLeaseStore
	err error
}

func (f *failingLeaseStore) Acquire(context.Context, string, time.Time, time.Duration) (bool, error) {
	return false, f.err
}

func TestLease_UpdatePropagatesStoreErrors(t *testing.T) {
	store := &failingLeaseStore{MemoryLeaseStore: NewMemoryLeaseStore(), err: errors.New("db locked")}
	l := NewLease(store, WithClock(clock.NewManual(start)))

	err := l.Connect(context.Background())
	if !errors.Is(err, store.err) {
		t.Errorf("expected store error to propagate, got %v", err)
	}
	if l.IsLeader() {
		t.Error("expected no leadership after a failed update")
	}
}
