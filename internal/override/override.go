package override

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lmoressi/ordino/internal/executor"
	"github.com/lmoressi/ordino/internal/intentbuf"
	"github.com/lmoressi/ordino/internal/observability"
	"github.com/lmoressi/ordino/internal/policy"
)

var (
	ErrQuotaExceeded = errors.New("override quota exceeded for sender")
	ErrEmptyRequest  = errors.New("override needs a task id or request text")
)

// UrgentIntake turns an urgent request straight into committed tasks,
// bypassing the buffer window, and returns the created task IDs.
type UrgentIntake func(ctx context.Context, senderID, text string) ([]string, error)

// Handler applies priority overrides: it flushes the sender's buffered
// intents immediately and flags the named task, or the tasks minted from
// the urgent request text, to win dispatch ordering. A rolling per-sender
// quota keeps senders from turning every request into an emergency.
type Handler struct {
	quota   int
	period  time.Duration
	buffer  *intentbuf.Buffer
	exec    *executor.Executor
	intake  UrgentIntake
	metrics *observability.Metrics

	mu     sync.Mutex
	usedAt map[string][]time.Time
}

func NewHandler(quota int, period time.Duration, buffer *intentbuf.Buffer, exec *executor.Executor, intake UrgentIntake, metrics *observability.Metrics) *Handler {
	if quota <= 0 {
		quota = 3
	}
	if period <= 0 {
		period = 10 * time.Minute
	}
	return &Handler{
		quota:   quota,
		period:  period,
		buffer:  buffer,
		exec:    exec,
		intake:  intake,
		metrics: metrics,
		usedAt:  make(map[string][]time.Time),
	}
}

// Request captures one override ask: an existing task by ID, or the text
// of a new urgent request.
type Request struct {
	SenderID string
	TaskID   string
	Text     string
	Role     policy.Role
}

// Apply validates the request, consumes quota, flushes the sender's buffer
// so no earlier intent is sitting in a window, and marks the named task or
// the tasks created from the urgent text. Returns the IDs of the marked
// tasks.
func (h *Handler) Apply(ctx context.Context, req Request) ([]string, error) {
	if !policy.Allowed(req.Role, policy.CapPriorityOverride) {
		h.observe("denied")
		return nil, policy.ErrNotAuthorized
	}
	if req.TaskID == "" && req.Text == "" {
		h.observe("invalid")
		return nil, ErrEmptyRequest
	}
	if err := h.consume(req.SenderID, time.Now()); err != nil {
		h.observe("quota_exceeded")
		return nil, err
	}

	if h.buffer != nil {
		if h.buffer.FlushNow(req.SenderID) {
			log.Printf("override flushed buffer: sender=%s", req.SenderID)
		}
	}

	if req.TaskID != "" {
		if err := h.exec.MarkOverride(req.TaskID, string(req.Role)); err != nil {
			h.observe("task_not_found")
			return nil, err
		}
		h.observe("applied")
		return []string{req.TaskID}, nil
	}

	if h.intake == nil {
		h.observe("intake_failed")
		return nil, errors.New("urgent intake is not configured")
	}
	ids, err := h.intake(ctx, req.SenderID, req.Text)
	if err != nil {
		h.observe("intake_failed")
		return nil, err
	}
	for _, id := range ids {
		if err := h.exec.MarkOverride(id, string(req.Role)); err != nil {
			h.observe("task_not_found")
			return nil, err
		}
	}
	h.observe("applied")
	return ids, nil
}

// Remaining reports how much quota a sender has left in the current window.
func (h *Handler) Remaining(senderID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	used := h.pruneLocked(senderID, time.Now())
	if used >= h.quota {
		return 0
	}
	return h.quota - used
}

func (h *Handler) consume(senderID string, now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pruneLocked(senderID, now) >= h.quota {
		return ErrQuotaExceeded
	}
	h.usedAt[senderID] = append(h.usedAt[senderID], now)
	return nil
}

func (h *Handler) pruneLocked(senderID string, now time.Time) int {
	cutoff := now.Add(-h.period)
	kept := h.usedAt[senderID][:0]
	for _, t := range h.usedAt[senderID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.usedAt[senderID] = kept
	return len(kept)
}

func (h *Handler) observe(result string) {
	if h.metrics == nil {
		return
	}
	h.metrics.Overrides.WithLabelValues(result).Inc()
}
