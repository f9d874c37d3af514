package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// flakyStore fails the first n status writes to exercise queue retries.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) UpdateStatus(ctx context.Context, taskID string, status Status, result, errDetail string) error {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return s.MemoryStore.UpdateStatus(ctx, taskID, status, result, errDetail)
}

func (s *flakyStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func seedQueueStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	err := s.CommitDelta(context.Background(), Delta{Tasks: []Task{
		{ID: "t1", SenderID: "s1", Status: StatusPending, Seq: 1},
	}})
	if err != nil {
		t.Fatalf("CommitDelta() error = %v", err)
	}
	return s
}

func TestStatusQueueWritesThrough(t *testing.T) {
	store := seedQueueStore(t)
	q := NewStatusQueue(store, 3, time.Millisecond, 10*time.Millisecond)
	defer q.Close()

	q.Enqueue("t1", StatusReady, "", "")
	q.Drain(time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		task, _ := store.GetTask(context.Background(), "t1")
		if task.Status == StatusReady {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("status write never reached the store")
}

func TestStatusQueueRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: seedQueueStore(t), failures: 2}
	q := NewStatusQueue(store, 5, time.Millisecond, 5*time.Millisecond)
	defer q.Close()

	q.Enqueue("t1", StatusCompleted, "done", "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, _ := store.GetTask(context.Background(), "t1")
		if task.Status == StatusCompleted {
			if got := store.callCount(); got != 3 {
				t.Fatalf("store calls = %d, want 3", got)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("status write never succeeded after transient failures")
}

func TestStatusQueueDropsUnknownTask(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	q := NewStatusQueue(store, 3, time.Millisecond, 5*time.Millisecond)
	defer q.Close()

	q.Enqueue("ghost", StatusReady, "", "")
	q.Drain(time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if store.callCount() == 1 {
			time.Sleep(10 * time.Millisecond)
			if got := store.callCount(); got != 1 {
				t.Fatalf("store calls = %d, unknown task should not be retried", got)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("status write never attempted")
}

func TestStatusQueueEnqueueAfterCloseIsNoop(t *testing.T) {
	store := seedQueueStore(t)
	q := NewStatusQueue(store, 3, time.Millisecond, 5*time.Millisecond)
	q.Close()
	q.Enqueue("t1", StatusReady, "", "")
	q.Close()
}
