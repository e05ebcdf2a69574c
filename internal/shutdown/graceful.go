package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrShutdownStarted = errors.New("cannot register task after shutdown has started")

// Task releases one component. ctx carries the shutdown deadline.
type Task func(ctx context.Context) error

// Manager runs shutdown tasks once, in registration order, under one
// deadline. Order matters: the engine stops before its storage closes.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	tasks   []namedTask
	started bool
	errs    []error

	once sync.Once
	done chan struct{}
}

type namedTask struct {
	name string
	task Task
}

const DefaultTimeout = 30 * time.Second

func NewManager(ctx context.Context) *Manager {
	return NewManagerWithTimeout(ctx, DefaultTimeout, nil)
}

func NewManagerWithTimeout(ctx context.Context, timeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	return &Manager{
		ctx:     runCtx,
		cancel:  cancel,
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (m *Manager) RegisterTask(name string, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrShutdownStarted
	}
	m.tasks = append(m.tasks, namedTask{name: name, task: task})
	return nil
}

// Shutdown cancels Context and runs every task. Later calls are no-ops.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.mu.Lock()
		m.started = true
		tasks := m.tasks
		m.mu.Unlock()

		m.cancel()
		m.run(tasks)
		close(m.done)
	})
}

func (m *Manager) run(tasks []namedTask) {
	if len(tasks) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i, nt := range tasks {
		if ctx.Err() != nil {
			incomplete := make([]string, 0, len(tasks)-i)
			for _, rest := range tasks[i:] {
				incomplete = append(incomplete, rest.name)
			}
			m.logger.Warn("shutdown timeout exceeded",
				"timeout", m.timeout,
				"incomplete_tasks", incomplete)
			m.record(ctx.Err())
			return
		}

		if err := nt.task(ctx); err != nil {
			m.logger.Error("shutdown task failed", "task", nt.name, "error", err)
			m.record(err)
			continue
		}
		m.logger.Debug("shutdown task completed", "task", nt.name)
	}

	m.logger.Info("shutdown completed", "count", len(tasks))
}

func (m *Manager) record(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

// Wait blocks until Shutdown has finished.
func (m *Manager) Wait() {
	<-m.done
}

// Context is cancelled as soon as Shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Err joins every error collected during shutdown.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return errors.Join(m.errs...)
}
