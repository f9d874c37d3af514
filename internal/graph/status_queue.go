package graph

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lmoressi/ordino/internal/reliability"
)

type statusUpdate struct {
	taskID    string
	status    Status
	result    string
	errDetail string
	attempt   int
}

// StatusQueue serializes status writes to the store and retries them with
// backoff when the store is temporarily unavailable, instead of dropping
// transitions on the floor.
type StatusQueue struct {
	store       Store
	maxAttempts int
	base        time.Duration
	cap         time.Duration

	mu      sync.Mutex
	pending []statusUpdate
	wake    chan struct{}
	done    chan struct{}
	closed  bool
}

func NewStatusQueue(store Store, maxAttempts int, base, cap time.Duration) *StatusQueue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if cap <= 0 {
		cap = 5 * time.Second
	}
	q := &StatusQueue{
		store:       store,
		maxAttempts: maxAttempts,
		base:        base,
		cap:         cap,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue records a status transition for durable write. It never blocks the
// caller on store availability.
func (q *StatusQueue) Enqueue(taskID string, status Status, result, errDetail string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, statusUpdate{
		taskID:    taskID,
		status:    status,
		result:    result,
		errDetail: errDetail,
	})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *StatusQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			upd := q.pending[0]
			q.pending = append([]statusUpdate(nil), q.pending[1:]...)
			q.mu.Unlock()

			q.flush(upd)
		}
	}
}

func (q *StatusQueue) flush(upd statusUpdate) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := q.store.UpdateStatus(ctx, upd.taskID, upd.status, upd.result, upd.errDetail)
		cancel()
		if err == nil || err == ErrStoreNotFound {
			return
		}
		upd.attempt++
		if upd.attempt >= q.maxAttempts {
			log.Printf("status write dropped after %d attempts: task=%s status=%s err=%v",
				upd.attempt, upd.taskID, upd.status, err)
			return
		}
		delay := reliability.ExponentialBackoff(upd.attempt, q.base, q.cap)
		select {
		case <-q.done:
			return
		case <-time.After(delay):
		}
	}
}

// Drain waits until in-flight writes settle, bounded by the given timeout.
func (q *StatusQueue) Drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		empty := len(q.pending) == 0
		q.mu.Unlock()
		if empty {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (q *StatusQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}
