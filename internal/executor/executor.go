package executor

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lmoressi/ordino/internal/agentgw"
	"github.com/lmoressi/ordino/internal/graph"
	"github.com/lmoressi/ordino/internal/observability"
	"github.com/lmoressi/ordino/internal/reliability"
)

var (
	ErrTaskNotFound = errors.New("task not found in working set")
	ErrHalted       = errors.New("executor halted on dependency cycle")
	ErrNotBlocked   = errors.New("task is not blocked")
)

// Config bounds dispatch concurrency and retry behavior.
type Config struct {
	GlobalConcurrency  int
	PerSenderCap       int
	MaxDispatchRetries int
	RetryBase          time.Duration
	RetryCap           time.Duration

	// SettledRetention is how long terminal tasks stay in the working set
	// before eviction. HydratePageSize bounds each restart-recovery page.
	SettledRetention time.Duration
	HydratePageSize  int
}

// taskState is the live scheduling view of a task: the durable record plus
// the adjacency and dispatch bookkeeping the store does not carry.
type taskState struct {
	task       graph.Task
	dependsOn  map[string]struct{}
	dependents map[string]struct{}
	override   bool
	cancelRun  context.CancelFunc
	settledAt  time.Time
}

// Executor keeps the working set of open tasks, promotes tasks whose
// blockers have completed, and dispatches ready tasks to the agent layer
// under global and per-sender concurrency caps.
type Executor struct {
	cfg     Config
	adapter agentgw.Adapter
	statusQ *graph.StatusQueue
	hub     *graph.EventHub
	metrics *observability.Metrics

	mu        sync.Mutex
	tasks     map[string]*taskState
	perSender map[string]int
	inFlight  int
	halted    bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, adapter agentgw.Adapter, statusQ *graph.StatusQueue, hub *graph.EventHub, metrics *observability.Metrics) *Executor {
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 8
	}
	if cfg.PerSenderCap <= 0 {
		cfg.PerSenderCap = 2
	}
	if cfg.MaxDispatchRetries <= 0 {
		cfg.MaxDispatchRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 30 * time.Second
	}
	if cfg.SettledRetention <= 0 {
		cfg.SettledRetention = time.Minute
	}
	if cfg.HydratePageSize <= 0 {
		cfg.HydratePageSize = 256
	}
	e := &Executor{
		cfg:       cfg,
		adapter:   adapter,
		statusQ:   statusQ,
		hub:       hub,
		metrics:   metrics,
		tasks:     make(map[string]*taskState),
		perSender: make(map[string]int),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go e.run()
	return e
}

// Hydrate rebuilds the working set from the store after a restart, paging
// through the entire open set keyset-style so no open task is left behind.
// Tasks that were mid-dispatch when the process died are reset to pending
// and re-promoted, since their agent runs did not survive.
func (e *Executor) Hydrate(ctx context.Context, store graph.Store) error {
	var tasks []graph.Task
	var edges []graph.Dependency
	after := int64(-1 << 62)
	for {
		page, pageEdges, err := store.LoadOpenTasksPage(ctx, after, e.cfg.HydratePageSize)
		if err != nil {
			return err
		}
		tasks = append(tasks, page...)
		edges = append(edges, pageEdges...)
		if len(page) < e.cfg.HydratePageSize {
			break
		}
		after = page[len(page)-1].Seq
	}

	e.mu.Lock()
	for _, t := range tasks {
		if t.Status == graph.StatusDispatched || t.Status == graph.StatusInProgress {
			t.Status = graph.StatusPending
		}
		e.tasks[t.ID] = &taskState{
			task:       t,
			dependsOn:  make(map[string]struct{}),
			dependents: make(map[string]struct{}),
		}
	}
	for _, edge := range edges {
		e.addEdgeLocked(edge)
	}
	var promoted []string
	for id, ts := range e.tasks {
		if ts.task.Status == graph.StatusPending && e.unmetLocked(ts) == 0 {
			ts.task.Status = graph.StatusReady
			promoted = append(promoted, id)
		}
		if ts.task.Status == graph.StatusReady && e.unmetLocked(ts) > 0 {
			// store said ready but a blocker is still open; demote
			ts.task.Status = graph.StatusPending
		}
	}
	e.updateGaugesLocked()
	e.mu.Unlock()

	for _, id := range promoted {
		e.statusQ.Enqueue(id, graph.StatusReady, "", "")
	}
	e.kick()
	return nil
}

// ApplyDelta folds freshly committed tasks and edges into the working set
// and promotes anything that became dispatchable. If the combined blocking
// graph contains a cycle the executor halts rather than deadlock silently.
func (e *Executor) ApplyDelta(delta graph.Delta) error {
	e.mu.Lock()
	for _, t := range delta.Tasks {
		if _, exists := e.tasks[t.ID]; exists {
			continue
		}
		e.tasks[t.ID] = &taskState{
			task:       t,
			dependsOn:  make(map[string]struct{}),
			dependents: make(map[string]struct{}),
		}
	}
	for _, edge := range delta.Edges {
		e.addEdgeLocked(edge)
	}

	if cycle := e.findCycleLocked(); len(cycle) > 0 {
		e.halted = true
		e.updateGaugesLocked()
		e.mu.Unlock()
		detail := strings.Join(cycle, " -> ")
		log.Printf("executor halted: dependency cycle %s", detail)
		e.publish(graph.Event{
			Type:   graph.EventCycleDetected,
			Actor:  "executor",
			Detail: detail,
		})
		return ErrHalted
	}

	type promotion struct {
		id       string
		senderID string
		from     graph.Status
	}
	var promoted []promotion
	for _, t := range delta.Tasks {
		ts, ok := e.tasks[t.ID]
		if !ok || ts.task.Status != graph.StatusPending {
			continue
		}
		if e.unmetLocked(ts) == 0 {
			ts.task.Status = graph.StatusReady
			promoted = append(promoted, promotion{id: t.ID, senderID: ts.task.SenderID, from: graph.StatusPending})
		}
	}
	e.updateGaugesLocked()
	e.mu.Unlock()

	for _, p := range promoted {
		e.statusQ.Enqueue(p.id, graph.StatusReady, "", "")
		e.publish(graph.Event{
			Type:       graph.EventStatusChanged,
			TaskID:     p.id,
			SenderID:   p.senderID,
			FromStatus: p.from,
			ToStatus:   graph.StatusReady,
			Actor:      "executor",
		})
	}
	e.kick()
	return nil
}

// Task returns the live scheduling view of a task.
func (e *Executor) Task(taskID string) (graph.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.tasks[taskID]
	if !ok {
		return graph.Task{}, false
	}
	return ts.task.Clone(), true
}

// OpenTasks returns the live working set ordered by arrival.
func (e *Executor) OpenTasks(senderID string) []graph.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]graph.Task, 0, len(e.tasks))
	for _, ts := range e.tasks {
		if senderID != "" && ts.task.SenderID != senderID {
			continue
		}
		out = append(out, ts.task.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Halted reports whether the executor stopped dispatching after detecting
// a cycle in the blocking graph.
func (e *Executor) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

func (e *Executor) Close() {
	e.mu.Lock()
	select {
	case <-e.done:
		e.mu.Unlock()
		return
	default:
	}
	close(e.done)
	for _, ts := range e.tasks {
		if ts.cancelRun != nil {
			ts.cancelRun()
		}
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Executor) run() {
	interval := e.cfg.SettledRetention / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
			e.dispatchReady()
		case <-sweep.C:
			e.sweepSettled()
		}
	}
}

// sweepSettled evicts terminal tasks that have aged past the retention and
// are no longer referenced by any live dependent, pruning their event
// history with them. Failed and cancelled blockers stay resident while a
// blocked dependent could still be unblocked against them.
func (e *Executor) sweepSettled() {
	now := time.Now()
	e.mu.Lock()
	var evicted []string
	for id, ts := range e.tasks {
		if !ts.task.Terminal() || ts.settledAt.IsZero() || now.Sub(ts.settledAt) < e.cfg.SettledRetention {
			continue
		}
		referenced := false
		for depID := range ts.dependents {
			if _, live := e.tasks[depID]; live {
				referenced = true
				break
			}
		}
		if referenced {
			continue
		}
		delete(e.tasks, id)
		evicted = append(evicted, id)
	}
	if len(evicted) > 0 {
		e.updateGaugesLocked()
	}
	e.mu.Unlock()

	if e.hub != nil {
		for _, id := range evicted {
			e.hub.Forget(id)
		}
	}
}

func (e *Executor) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// dispatchReady launches ready tasks until the working set runs out of
// dispatchable work or a concurrency cap is hit.
func (e *Executor) dispatchReady() {
	for {
		e.mu.Lock()
		select {
		case <-e.done:
			e.mu.Unlock()
			return
		default:
		}
		if e.halted || e.inFlight >= e.cfg.GlobalConcurrency {
			e.mu.Unlock()
			return
		}
		ts := e.pickLocked()
		if ts == nil {
			e.mu.Unlock()
			return
		}

		runCtx, cancel := context.WithCancel(context.Background())
		ts.task.Status = graph.StatusDispatched
		ts.cancelRun = cancel
		e.inFlight++
		e.perSender[ts.task.SenderID]++
		snapshot := ts.task.Clone()
		e.updateGaugesLocked()
		e.wg.Add(1)
		e.mu.Unlock()

		e.statusQ.Enqueue(snapshot.ID, graph.StatusDispatched, "", "")
		e.publish(graph.Event{
			Type:       graph.EventStatusChanged,
			TaskID:     snapshot.ID,
			SenderID:   snapshot.SenderID,
			FromStatus: graph.StatusReady,
			ToStatus:   graph.StatusDispatched,
			Actor:      "executor",
		})
		go e.runTask(runCtx, snapshot)
	}
}

// pickLocked selects the next task to dispatch: override-marked tasks
// first, then higher priority weight, then arrival order.
func (e *Executor) pickLocked() *taskState {
	var best *taskState
	for _, ts := range e.tasks {
		if ts.task.Status != graph.StatusReady {
			continue
		}
		if e.perSender[ts.task.SenderID] >= e.cfg.PerSenderCap {
			continue
		}
		if best == nil || dispatchBefore(ts, best) {
			best = ts
		}
	}
	return best
}

func dispatchBefore(a, b *taskState) bool {
	if a.override != b.override {
		return a.override
	}
	if a.task.PriorityWeight != b.task.PriorityWeight {
		return a.task.PriorityWeight > b.task.PriorityWeight
	}
	return a.task.Seq < b.task.Seq
}

func (e *Executor) runTask(ctx context.Context, t graph.Task) {
	defer e.wg.Done()
	start := time.Now()

	e.transition(t.ID, graph.StatusDispatched, graph.StatusInProgress, "", "", "executor")

	req := agentgw.DispatchRequest{
		TaskID:      t.ID,
		SenderID:    t.SenderID,
		Description: t.Description,
		Deliverable: string(t.Deliverable),
		TeamMode:    string(t.Team.Mode),
		AgentCount:  t.Team.AgentCount,
		Complexity:  t.ComplexityScore,
	}

	for attempt := 0; ; attempt++ {
		res, err := e.adapter.Run(ctx, req)
		if err == nil {
			e.metrics.ObserveDispatchLatency(time.Since(start))
			e.finishCompleted(t.ID, res.Result)
			return
		}
		if ctx.Err() != nil {
			// canceled by operator; Cancel already recorded the transition
			e.releaseSlot(t.ID)
			return
		}
		var de *agentgw.DispatchError
		retryable := errors.As(err, &de) && reliability.IsRetryableDispatchCode(de.Code)
		if retryable && attempt+1 < e.cfg.MaxDispatchRetries {
			delay := reliability.ExponentialBackoff(attempt, e.cfg.RetryBase, e.cfg.RetryCap)
			log.Printf("dispatch retry: task=%s attempt=%d code=%s delay=%s", t.ID, attempt+1, de.Code, delay)
			select {
			case <-ctx.Done():
				e.releaseSlot(t.ID)
				return
			case <-time.After(delay):
			}
			continue
		}
		e.metrics.ObserveDispatchLatency(time.Since(start))
		e.finishFailed(t.ID, err.Error())
		return
	}
}

// finishCompleted records completion and promotes dependents whose last
// open blocker just cleared.
func (e *Executor) finishCompleted(taskID, result string) {
	e.mu.Lock()
	ts, ok := e.tasks[taskID]
	if !ok || ts.task.Terminal() {
		e.mu.Unlock()
		return
	}
	from := ts.task.Status
	ts.task.Status = graph.StatusCompleted
	ts.task.Result = result
	ts.settledAt = time.Now()
	ts.cancelRun = nil
	e.inFlight--
	e.perSender[ts.task.SenderID]--
	senderID := ts.task.SenderID

	type promotion struct {
		id       string
		senderID string
	}
	var promoted []promotion
	for depID := range ts.dependents {
		dep, exists := e.tasks[depID]
		if !exists {
			continue
		}
		delete(dep.dependsOn, taskID)
		if dep.task.Status == graph.StatusPending && e.unmetLocked(dep) == 0 {
			dep.task.Status = graph.StatusReady
			promoted = append(promoted, promotion{id: depID, senderID: dep.task.SenderID})
		}
	}
	ts.dependents = make(map[string]struct{})
	e.updateGaugesLocked()
	e.mu.Unlock()

	e.statusQ.Enqueue(taskID, graph.StatusCompleted, result, "")
	e.publish(graph.Event{
		Type:       graph.EventStatusChanged,
		TaskID:     taskID,
		SenderID:   senderID,
		FromStatus: from,
		ToStatus:   graph.StatusCompleted,
		Actor:      "executor",
	})
	for _, p := range promoted {
		e.statusQ.Enqueue(p.id, graph.StatusReady, "", "")
		e.publish(graph.Event{
			Type:       graph.EventStatusChanged,
			TaskID:     p.id,
			SenderID:   p.senderID,
			FromStatus: graph.StatusPending,
			ToStatus:   graph.StatusReady,
			Actor:      "executor",
		})
	}
	e.kick()
}

// finishFailed records a permanent failure and blocks every transitive
// dependent so nothing downstream runs against a missing prerequisite.
func (e *Executor) finishFailed(taskID, detail string) {
	e.mu.Lock()
	ts, ok := e.tasks[taskID]
	if !ok || ts.task.Terminal() {
		e.mu.Unlock()
		return
	}
	from := ts.task.Status
	ts.task.Status = graph.StatusFailed
	ts.task.Error = detail
	ts.settledAt = time.Now()
	ts.cancelRun = nil
	e.inFlight--
	e.perSender[ts.task.SenderID]--
	senderID := ts.task.SenderID

	blocked := e.cascadeBlockLocked(taskID)
	e.updateGaugesLocked()
	e.mu.Unlock()

	e.statusQ.Enqueue(taskID, graph.StatusFailed, "", detail)
	e.publish(graph.Event{
		Type:       graph.EventStatusChanged,
		TaskID:     taskID,
		SenderID:   senderID,
		FromStatus: from,
		ToStatus:   graph.StatusFailed,
		Actor:      "executor",
		Detail:     detail,
	})
	for _, b := range blocked {
		e.statusQ.Enqueue(b.id, graph.StatusBlocked, "", b.detail)
		e.publish(graph.Event{
			Type:       graph.EventStatusChanged,
			TaskID:     b.id,
			SenderID:   b.senderID,
			FromStatus: b.from,
			ToStatus:   graph.StatusBlocked,
			Actor:      "executor",
			Detail:     b.detail,
		})
	}
	e.kick()
}

type blockedMark struct {
	id       string
	senderID string
	from     graph.Status
	detail   string
}

// cascadeBlockLocked walks dependents breadth-first and blocks every
// non-terminal, not-yet-running task downstream of the failed one.
func (e *Executor) cascadeBlockLocked(rootID string) []blockedMark {
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
			case graph.StatusPending, graph.StatusReady:
				from := dep.task.Status
				dep.task.Status = graph.StatusBlocked
				out = append(out, blockedMark{
					id:       depID,
					senderID: dep.task.SenderID,
					from:     from,
					detail:   "blocked by " + rootID,
				})
			}
			queue = append(queue, depID)
		}
	}
	return out
}

// releaseSlot returns the concurrency slot of a run that ended without a
// status transition of its own, such as an operator cancel.
func (e *Executor) releaseSlot(taskID string) {
	e.mu.Lock()
	if ts, ok := e.tasks[taskID]; ok && ts.cancelRun != nil {
		ts.cancelRun = nil
		e.inFlight--
		e.perSender[ts.task.SenderID]--
	}
	e.updateGaugesLocked()
	e.mu.Unlock()
	e.kick()
}

func (e *Executor) transition(taskID string, from, to graph.Status, result, detail, actor string) {
	e.mu.Lock()
	ts, ok := e.tasks[taskID]
	if !ok || ts.task.Status != from {
		e.mu.Unlock()
		return
	}
	ts.task.Status = to
	senderID := ts.task.SenderID
	e.mu.Unlock()

	e.statusQ.Enqueue(taskID, to, result, detail)
	e.publish(graph.Event{
		Type:       graph.EventStatusChanged,
		TaskID:     taskID,
		SenderID:   senderID,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Detail:     detail,
	})
}

func (e *Executor) publish(evt graph.Event) {
	if e.hub != nil {
		e.hub.Publish(evt)
	}
	if e.metrics != nil && evt.Type == graph.EventStatusChanged {
		e.metrics.ObserveTaskEvent(string(evt.ToStatus))
	}
}

func (e *Executor) addEdgeLocked(edge graph.Dependency) {
	if edge.Relation != graph.RelationBlocks {
		return
	}
	from, okFrom := e.tasks[edge.FromTask]
	to, okTo := e.tasks[edge.ToTask]
	if !okFrom || !okTo {
		return
	}
	if from.task.Status == graph.StatusCompleted {
		return
	}
	from.dependents[edge.ToTask] = struct{}{}
	to.dependsOn[edge.FromTask] = struct{}{}
}

// unmetLocked counts blockers that are still live and not completed.
func (e *Executor) unmetLocked(ts *taskState) int {
	n := 0
	for depID := range ts.dependsOn {
		dep, ok := e.tasks[depID]
		if !ok {
			continue
		}
		if dep.task.Status != graph.StatusCompleted {
			n++
		}
	}
	return n
}

// findCycleLocked runs a colored DFS over the live blocking graph and
// returns one cycle path if any exists.
func (e *Executor) findCycleLocked() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(e.tasks))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		ts := e.tasks[id]
		if ts.task.Terminal() {
			// a terminal task never waits, so no cycle through it can
			// starve the ready set
			color[id] = black
			return false
		}
		color[id] = gray
		stack = append(stack, id)
		for depID := range ts.dependents {
			if _, live := e.tasks[depID]; !live {
				continue
			}
			switch color[depID] {
			case white:
				if visit(depID) {
					return true
				}
			case gray:
				start := 0
				for i, sid := range stack {
					if sid == depID {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), depID)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

func (e *Executor) updateGaugesLocked() {
	if e.metrics == nil {
		return
	}
	ready := 0
	for _, ts := range e.tasks {
		if ts.task.Status == graph.StatusReady {
			ready++
		}
	}
	e.metrics.ReadySetSize.Set(float64(ready))
	e.metrics.InFlightDispatches.Set(float64(e.inFlight))
}
