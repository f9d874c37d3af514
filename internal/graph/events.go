package graph

import (
	"sync"
	"time"
)

const defaultEventHistoryLimit = 512

// EventHub fans audit events out to subscribers and keeps a bounded
// per-task history for the events API. Slow subscribers drop events rather
// than stall publishers.
type EventHub struct {
	mu           sync.RWMutex
	eventsByTask map[string][]Event
	historyMax   int
	subscribers  map[int]chan Event
	nextSubID    int
}

func NewEventHub() *EventHub {
	return &EventHub{
		eventsByTask: make(map[string][]Event),
		historyMax:   defaultEventHistoryLimit,
		subscribers:  make(map[int]chan Event),
	}
}

func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	h.subscribers[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(c)
		}
	}
}

func (h *EventHub) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	h.mu.Lock()
	if evt.TaskID != "" {
		h.eventsByTask[evt.TaskID] = append(h.eventsByTask[evt.TaskID], evt)
		if max := h.historyMax; max > 0 && len(h.eventsByTask[evt.TaskID]) > max {
			trimFrom := len(h.eventsByTask[evt.TaskID]) - max
			h.eventsByTask[evt.TaskID] = append([]Event(nil), h.eventsByTask[evt.TaskID][trimFrom:]...)
		}
	}
	// Send while holding the lock so an unsubscribe cannot close a channel
	// mid-publish. Sends never block: full subscribers drop the event.
	for _, ch := range h.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
	h.mu.Unlock()
}

// Forget drops the stored history for a task, called when the task leaves
// the live working set.
func (h *EventHub) Forget(taskID string) {
	h.mu.Lock()
	delete(h.eventsByTask, taskID)
	h.mu.Unlock()
}

// History returns up to limit most recent events for a task.
func (h *EventHub) History(taskID string, limit int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	events := h.eventsByTask[taskID]
	if len(events) == 0 {
		return []Event{}
	}
	start := 0
	if limit > 0 && limit < len(events) {
		start = len(events) - limit
	}
	out := make([]Event, len(events)-start)
	copy(out, events[start:])
	return out
}
