package graph

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a simple in-process store for local/dev use and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
	order []string
	edges []Dependency
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Task)}
}

func (s *MemoryStore) CommitDelta(_ context.Context, delta Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range delta.Tasks {
		if _, exists := s.tasks[t.ID]; !exists {
			s.order = append(s.order, t.ID)
		}
		s.tasks[t.ID] = t
	}
	s.edges = append(s.edges, delta.Edges...)
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, taskID string, status Status, result, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrStoreNotFound
	}
	now := time.Now().UTC()
	t.Status = status
	t.UpdatedAt = now
	if result != "" {
		t.Result = result
	}
	if errDetail != "" {
		t.Error = errDetail
	}
	switch status {
	case StatusInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusCompleted, StatusFailed, StatusCancelled:
		t.EndedAt = &now
	}
	s.tasks[taskID] = t
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	return t, nil
}

func (s *MemoryStore) LoadOpenTasks(_ context.Context, senderID string, limit int) ([]Task, []Dependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := make([]Task, 0, limit)
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Terminal() {
			continue
		}
		if senderID != "" && t.SenderID != senderID {
			continue
		}
		open = append(open, t)
	}
	if limit > 0 && len(open) > limit {
		open = open[len(open)-limit:]
	}

	ids := make(map[string]bool, len(open))
	for _, t := range open {
		ids[t.ID] = true
	}
	edges := make([]Dependency, 0, len(s.edges))
	for _, e := range s.edges {
		if ids[e.FromTask] || ids[e.ToTask] {
			edges = append(edges, e)
		}
	}
	return open, edges, nil
}

func (s *MemoryStore) LoadOpenTasksPage(_ context.Context, afterSeq int64, pageSize int) ([]Task, []Dependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := make([]Task, 0, pageSize)
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Terminal() || t.Seq <= afterSeq {
			continue
		}
		page = append(page, t)
	}
	sort.Slice(page, func(i, j int) bool { return page[i].Seq < page[j].Seq })
	if pageSize > 0 && len(page) > pageSize {
		page = page[:pageSize]
	}

	ids := make(map[string]bool, len(page))
	for _, t := range page {
		ids[t.ID] = true
	}
	edges := make([]Dependency, 0, len(s.edges))
	for _, e := range s.edges {
		if ids[e.FromTask] || ids[e.ToTask] {
			edges = append(edges, e)
		}
	}
	return page, edges, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, senderID string, limit int) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.tasks[s.order[i]]
		if senderID != "" && t.SenderID != senderID {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
