// Package cluster decides which engine instance may drain the job queue.
package cluster

import (
	"context"
	"errors"
	"sync"
)

var ErrNotConnected = errors.New("cluster not connected")

type Cluster interface {
	Connect(ctx context.Context) error

	// Update refreshes membership and leadership.
	Update(ctx context.Context) error

	// IsLeader reports the leadership state observed by the last Update.
	IsLeader() bool

	Disconnect(ctx context.Context) error
}

// Standalone is a single-node cluster that leads while connected.
type Standalone struct {
	mu        sync.RWMutex
	connected bool
}

func NewStandalone() *Standalone {
	return &Standalone{}
}

func (s *Standalone) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *Standalone) Update(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return ErrNotConnected
	}
	return nil
}

func (s *Standalone) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Standalone) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}
