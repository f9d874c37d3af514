package executor

import (
	"errors"
	"time"

	"github.com/lmoressi/ordino/internal/graph"
	"github.com/lmoressi/ordino/internal/policy"
)

var ErrAlreadyTerminal = errors.New("task already reached a terminal status")

// Cancel stops a task. A running dispatch is interrupted. Dependents are
// blocked the same way a failure blocks them, so nothing downstream runs
// against the missing prerequisite; with cascade set the dependents are
// cancelled outright instead.
func (e *Executor) Cancel(role policy.Role, taskID string, cascade bool) error {
	if !policy.Allowed(role, policy.CapCancel) {
		return policy.ErrNotAuthorized
	}

	e.mu.Lock()
	ts, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return ErrTaskNotFound
	}
	if ts.task.Terminal() {
		e.mu.Unlock()
		return ErrAlreadyTerminal
	}
	from := ts.task.Status
	senderID := ts.task.SenderID
	ts.task.Status = graph.StatusCancelled
	ts.settledAt = time.Now()
	if ts.cancelRun != nil {
		ts.cancelRun()
		ts.cancelRun = nil
		e.inFlight--
		e.perSender[senderID]--
	}

	var marks []blockedMark
	to := graph.StatusBlocked
	if cascade {
		marks = e.cascadeCancelLocked(taskID)
		to = graph.StatusCancelled
	} else {
		marks = e.cascadeBlockLocked(taskID)
	}
	e.updateGaugesLocked()
	e.mu.Unlock()

	e.statusQ.Enqueue(taskID, graph.StatusCancelled, "", "cancelled by "+string(role))
	e.publish(graph.Event{
		Type:       graph.EventStatusChanged,
		TaskID:     taskID,
		SenderID:   senderID,
		FromStatus: from,
		ToStatus:   graph.StatusCancelled,
		Actor:      string(role),
	})
	for _, m := range marks {
		e.statusQ.Enqueue(m.id, to, "", m.detail)
		e.publish(graph.Event{
			Type:       graph.EventStatusChanged,
			TaskID:     m.id,
			SenderID:   m.senderID,
			FromStatus: m.from,
			ToStatus:   to,
			Actor:      string(role),
			Detail:     m.detail,
		})
	}
	e.kick()
	return nil
}

// cascadeCancelLocked walks dependents breadth-first and cancels every
// not-yet-settled task downstream of the cancelled one.
func (e *Executor) cascadeCancelLocked(rootID string) []blockedMark {
	now := time.Now()
	var out []blockedMark
	queue := []string{rootID}
	seen := map[string]struct{}{rootID: {}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		ts, ok := e.tasks[cur]
		if !ok {
			continue
		}
		for depID := range ts.dependents {
			if _, dup := seen[depID]; dup {
				continue
			}
			seen[depID] = struct{}{}
			dep, exists := e.tasks[depID]
			if !exists {
				continue
			}
			switch dep.task.Status {
			case graph.StatusPending, graph.StatusReady, graph.StatusBlocked:
				from := dep.task.Status
				dep.task.Status = graph.StatusCancelled
				dep.settledAt = now
				out = append(out, blockedMark{
					id:       depID,
					senderID: dep.task.SenderID,
					from:     from,
					detail:   "cancelled with " + rootID,
				})
			}
			queue = append(queue, depID)
		}
	}
	return out
}

// UnblockMode selects how a blocked task is released.
type UnblockMode string

const (
	// UnblockRetry resets the failed blockers to pending so they run again.
	UnblockRetry UnblockMode = "retry"
	// UnblockSever drops the edges to failed or cancelled blockers.
	UnblockSever UnblockMode = "sever"
)

// Unblock releases a blocked task, either by retrying its failed blockers
// or by severing the edges to them.
func (e *Executor) Unblock(role policy.Role, taskID string, mode UnblockMode) error {
	if !policy.Allowed(role, policy.CapUnblock) {
		return policy.ErrNotAuthorized
	}
	if mode != UnblockRetry && mode != UnblockSever {
		return errors.New("unknown unblock mode: " + string(mode))
	}

	e.mu.Lock()
	ts, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return ErrTaskNotFound
	}
	if ts.task.Status != graph.StatusBlocked {
		e.mu.Unlock()
		return ErrNotBlocked
	}

	type change struct {
		id       string
		senderID string
		from     graph.Status
		to       graph.Status
	}
	var changes []change

	for depID := range ts.dependsOn {
		dep, exists := e.tasks[depID]
		if !exists {
			delete(ts.dependsOn, depID)
			continue
		}
		switch dep.task.Status {
		case graph.StatusFailed, graph.StatusCancelled:
			if mode == UnblockSever {
				delete(ts.dependsOn, depID)
				delete(dep.dependents, taskID)
				continue
			}
			from := dep.task.Status
			dep.task.Status = graph.StatusPending
			dep.task.Error = ""
			dep.settledAt = time.Time{}
			dep.dependents[taskID] = struct{}{}
			changes = append(changes, change{id: depID, senderID: dep.task.SenderID, from: from, to: graph.StatusPending})
			if e.unmetLocked(dep) == 0 {
				dep.task.Status = graph.StatusReady
				changes = append(changes, change{id: depID, senderID: dep.task.SenderID, from: graph.StatusPending, to: graph.StatusReady})
			}
		}
	}

	ts.task.Status = graph.StatusPending
	changes = append(changes, change{id: taskID, senderID: ts.task.SenderID, from: graph.StatusBlocked, to: graph.StatusPending})
	if e.unmetLocked(ts) == 0 {
		ts.task.Status = graph.StatusReady
		changes = append(changes, change{id: taskID, senderID: ts.task.SenderID, from: graph.StatusPending, to: graph.StatusReady})
	}
	e.updateGaugesLocked()
	e.mu.Unlock()

	for _, c := range changes {
		e.statusQ.Enqueue(c.id, c.to, "", "")
		e.publish(graph.Event{
			Type:       graph.EventStatusChanged,
			TaskID:     c.id,
			SenderID:   c.senderID,
			FromStatus: c.from,
			ToStatus:   c.to,
			Actor:      string(role),
		})
	}
	e.kick()
	return nil
}

// MarkOverride flags a live task so it wins dispatch ordering ahead of
// priority weight. It never interrupts a dispatch already in flight.
func (e *Executor) MarkOverride(taskID, actor string) error {
	e.mu.Lock()
	ts, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return ErrTaskNotFound
	}
	if ts.task.Terminal() {
		e.mu.Unlock()
		return ErrAlreadyTerminal
	}
	ts.override = true
	senderID := ts.task.SenderID
	e.mu.Unlock()

	e.publish(graph.Event{
		Type:     graph.EventOverrideMarked,
		TaskID:   taskID,
		SenderID: senderID,
		Actor:    actor,
	})
	e.kick()
	return nil
}

var ErrTaskRunning = errors.New("task is already dispatched")

// OverrideTier replaces the classifier's team tier on a task that has not
// started running. The change affects the dispatch request only; the
// durable record keeps the classifier's verdict for the audit trail.
func (e *Executor) OverrideTier(role policy.Role, taskID string, mode graph.TeamMode) error {
	if !policy.Allowed(role, policy.CapTierOverride) {
		return policy.ErrNotAuthorized
	}
	team, ok := graph.TeamForMode(mode)
	if !ok {
		return errors.New("unknown team mode: " + string(mode))
	}

	e.mu.Lock()
	ts, exists := e.tasks[taskID]
	if !exists {
		e.mu.Unlock()
		return ErrTaskNotFound
	}
	if ts.task.Terminal() {
		e.mu.Unlock()
		return ErrAlreadyTerminal
	}
	if ts.task.Status == graph.StatusDispatched || ts.task.Status == graph.StatusInProgress {
		e.mu.Unlock()
		return ErrTaskRunning
	}
	prev := ts.task.Team.Mode
	ts.task.Team = team
	senderID := ts.task.SenderID
	e.mu.Unlock()

	e.publish(graph.Event{
		Type:     graph.EventTierChanged,
		TaskID:   taskID,
		SenderID: senderID,
		Actor:    string(role),
		Detail:   string(prev) + " -> " + string(mode),
	})
	return nil
}

// Resume clears the cycle halt after an operator repaired the graph.
func (e *Executor) Resume(role policy.Role) error {
	if !policy.Allowed(role, policy.CapUnblock) {
		return policy.ErrNotAuthorized
	}
	e.mu.Lock()
	if cycle := e.findCycleLocked(); len(cycle) > 0 {
		e.mu.Unlock()
		return ErrHalted
	}
	e.halted = false
	e.mu.Unlock()
	e.kick()
	return nil
}
