package audit

import (
	"sync"
	"time"
)

// Call is one remote invocation as kept in the call history.
type Call struct {
	ID         string         `json:"id"`
	Command    string         `json:"command"`
	Params     map[string]any `json:"params,omitempty"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"errorKind,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	DurationMs int64          `json:"durationMs"`
}

// History keeps the last N calls in memory and mirrors each one to an
// optional audit Logger.
type History struct {
	mu    sync.Mutex
	calls []Call
	next  int
	full  bool
	total uint64

	file *Logger
}

// NewHistory returns a History holding up to size calls. file may be nil.
func NewHistory(size int, file *Logger) *History {
	if size < 1 {
		size = 1
	}
	return &History{calls: make([]Call, size), file: file}
}

// Record appends c, evicting the oldest call when full.
func (h *History) Record(c Call) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.calls[h.next] = c
	h.next = (h.next + 1) % len(h.calls)
	if h.next == 0 {
		h.full = true
	}
	h.total++
	h.mu.Unlock()

	details := map[string]any{
		"command":    c.Command,
		"status":     c.Status,
		"durationMs": c.DurationMs,
	}
	if len(c.Params) > 0 {
		details["params"] = c.Params
	}
	if c.Error != "" {
		details["error"] = c.Error
		details["errorKind"] = c.ErrorKind
	}
	h.file.Log(EventCallCompleted, c.ID, details)
}

// Recent returns up to n calls, oldest first. n <= 0 returns all kept calls.
func (h *History) Recent(n int) []Call {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	start := 0
	if h.full {
		size = len(h.calls)
		start = h.next
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Call, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, h.calls[(start+i)%len(h.calls)])
	}
	return out
}

// Total counts every call recorded, including evicted ones.
func (h *History) Total() uint64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Capacity returns the ring size.
func (h *History) Capacity() int {
	if h == nil {
		return 0
	}
	return len(h.calls)
}
