package agentgw

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockAdapter provides deterministic local completions when no agent
// gateway is reachable. Tests can script per-task failures with Fail.
type MockAdapter struct {
	mu       sync.Mutex
	failures map[string][]string
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{failures: make(map[string][]string)}
}

// Fail queues failure codes for a task; each Run for that task consumes
// one code until the queue is empty, after which runs succeed.
func (a *MockAdapter) Fail(taskID string, codes ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[taskID] = append(a.failures[taskID], codes...)
}

func (a *MockAdapter) Run(ctx context.Context, req DispatchRequest) (DispatchResponse, error) {
	select {
	case <-ctx.Done():
		return DispatchResponse{}, ctx.Err()
	default:
	}

	a.mu.Lock()
	if queued := a.failures[req.TaskID]; len(queued) > 0 {
		code := queued[0]
		a.failures[req.TaskID] = queued[1:]
		a.mu.Unlock()
		return DispatchResponse{}, &DispatchError{Code: code}
	}
	a.mu.Unlock()

	return DispatchResponse{Result: buildMockResult(req)}, nil
}

func buildMockResult(req DispatchRequest) string {
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		desc = "empty task"
	}
	return fmt.Sprintf("completed (%s): %s", strings.ToLower(req.Deliverable), desc)
}
