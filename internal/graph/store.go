package graph

import (
	"context"
	"errors"
	"strings"
)

var ErrStoreNotFound = errors.New("task not found in store")

// Store is the durable source of truth for tasks and dependency edges.
// Implementations must apply CommitDelta atomically.
type Store interface {
	CommitDelta(ctx context.Context, delta Delta) error
	UpdateStatus(ctx context.Context, taskID string, status Status, result, errDetail string) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	// LoadOpenTasks returns non-terminal tasks (optionally scoped to one
	// sender) ordered by arrival, newest last, capped at limit, together
	// with the edges touching them.
	LoadOpenTasks(ctx context.Context, senderID string, limit int) ([]Task, []Dependency, error)
	// LoadOpenTasksPage returns non-terminal tasks with seq greater than
	// afterSeq in arrival order, capped at pageSize, together with the
	// edges touching them. Used to walk the full open set keyset-style.
	LoadOpenTasksPage(ctx context.Context, afterSeq int64, pageSize int) ([]Task, []Dependency, error)
	ListTasks(ctx context.Context, senderID string, limit int) ([]Task, error)
	Close() error
}

// NewStore picks a Postgres-backed store when a database URL is configured
// and falls back to the in-memory store otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
