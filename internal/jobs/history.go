package jobs

import "sync"

const DefaultHistorySize = 100

// History keeps the most recent completed jobs in a fixed-size ring.
type History struct {
	mu    sync.RWMutex
	items []CompletedJob
	next  int
	full  bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{
		items: make([]CompletedJob, size),
	}
}

func (h *History) Record(job CompletedJob) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items[h.next] = job
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
}

// List returns recorded jobs, newest first.
func (h *History) List() []CompletedJob {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.next
	if h.full {
		n = len(h.items)
	}

	out := make([]CompletedJob, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.items)) % len(h.items)
		out = append(out, h.items[idx])
	}
	return out
}

// ListByStatus returns recorded jobs with the given status, newest first.
func (h *History) ListByStatus(status Status) []CompletedJob {
	all := h.List()
	out := make([]CompletedJob, 0, len(all))
	for _, job := range all {
		if job.Status == status {
			out = append(out, job)
		}
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.full {
		return len(h.items)
	}
	return h.next
}
