package analyze

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lmoressi/ordino/internal/classify"
	"github.com/lmoressi/ordino/internal/graph"
	"github.com/lmoressi/ordino/internal/observability"
)

var ErrUnresolvableCycle = errors.New("dependency cycle has no removable candidate edge")

// Message is one raw intent from a flushed buffer window, in arrival order.
type Message struct {
	Text       string
	Priority   string
	ReceivedAt time.Time
}

type Config struct {
	BlocksThreshold      float64
	SoftRelatesThreshold float64
	OpenTaskWindow       int
	EmbedTimeout         time.Duration
	DedupWindow          time.Duration
}

// Analyzer converts flushed intent batches into tasks plus dependency edges,
// guaranteeing the committed BLOCKS graph stays acyclic.
type Analyzer struct {
	cfg        Config
	store      graph.Store
	classifier *classify.Classifier
	embedder   Embedder
	events     *graph.EventHub
	metrics    *observability.Metrics

	mu       sync.Mutex
	seq      int64
	seenHash *lru.Cache[string, time.Time]
}

func New(cfg Config, store graph.Store, classifier *classify.Classifier, embedder Embedder, events *graph.EventHub, metrics *observability.Metrics) (*Analyzer, error) {
	if cfg.BlocksThreshold <= 0 {
		cfg.BlocksThreshold = 0.75
	}
	if cfg.SoftRelatesThreshold <= 0 {
		cfg.SoftRelatesThreshold = 0.55
	}
	if cfg.OpenTaskWindow <= 0 {
		cfg.OpenTaskWindow = 100
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 2 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	seen, err := lru.New[string, time.Time](8192)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &Analyzer{
		cfg:        cfg,
		store:      store,
		classifier: classifier,
		embedder:   embedder,
		events:     events,
		metrics:    metrics,
		seq:        time.Now().UnixNano(),
		seenHash:   seen,
	}, nil
}

// Analyze atomizes a flushed batch, classifies each descriptor, links tasks
// by embedding similarity, resolves any would-be cycle, and commits the
// resulting delta atomically. The returned delta is what was committed.
func (a *Analyzer) Analyze(ctx context.Context, senderID string, batch []Message) (graph.Delta, error) {
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return graph.Delta{}, errors.New("sender_id is required")
	}
	if len(batch) == 0 {
		return graph.Delta{}, nil
	}

	openTasks, openEdges, err := a.store.LoadOpenTasks(ctx, senderID, a.cfg.OpenTaskWindow)
	if err != nil {
		return graph.Delta{}, fmt.Errorf("load open tasks: %w", err)
	}

	newTasks := a.buildTasks(ctx, senderID, batch, openTasks)
	if len(newTasks) == 0 {
		return graph.Delta{}, nil
	}

	candidates, err := a.linkTasks(ctx, newTasks, openTasks)
	if err != nil {
		return graph.Delta{}, err
	}

	surviving, err := a.resolveCycles(newTasks, openTasks, openEdges, candidates)
	if err != nil {
		return graph.Delta{}, err
	}

	delta := graph.Delta{Tasks: newTasks, Edges: surviving}
	if err := a.store.CommitDelta(ctx, delta); err != nil {
		return graph.Delta{}, fmt.Errorf("commit delta: %w", err)
	}

	for _, t := range delta.Tasks {
		a.metrics.ObserveTaskEvent("created")
		a.events.Publish(graph.Event{
			Type:     graph.EventTaskCreated,
			TaskID:   t.ID,
			SenderID: senderID,
			ToStatus: graph.StatusPending,
			Actor:    "analyzer",
			Detail:   t.Description,
		})
	}
	return delta, nil
}

func (a *Analyzer) buildTasks(ctx context.Context, senderID string, batch []Message, openTasks []graph.Task) []graph.Task {
	openHashes := make(map[string]bool, len(openTasks))
	for _, t := range openTasks {
		openHashes[t.ContentHash] = true
	}

	now := time.Now().UTC()
	out := make([]graph.Task, 0, len(batch))
	batchHashes := make(map[string]bool)

	for _, msg := range batch {
		for _, descText := range atomize(msg.Text) {
			hash := contentHash(senderID, descText)
			// Re-delivered batches and repeated asks must not mint
			// duplicate tasks.
			if openHashes[hash] || batchHashes[hash] {
				continue
			}
			if seenAt, dup := a.seenHash.Get(hash); dup && now.Sub(seenAt) <= a.cfg.DedupWindow {
				continue
			}
			batchHashes[hash] = true

			res, cerr := a.classifier.Classify(ctx, classify.Descriptor{
				SenderID:     senderID,
				Text:         descText,
				PriorityHint: msg.Priority,
			})
			if cerr != nil {
				a.metrics.ClassifierTimeouts.Inc()
				log.Printf("classification degraded for sender=%s: %v", senderID, cerr)
			}

			task := graph.Task{
				ID:              uuid.NewString(),
				SenderID:        senderID,
				Description:     descText,
				ContentHash:     hash,
				Deliverable:     res.Deliverable,
				PriorityWeight:  priorityWeight(descText, msg.Priority),
				ComplexityScore: res.Score,
				Team:            res.Team,
				Status:          graph.StatusPending,
				Degraded:        res.Degraded,
				Seq:             a.nextSeq(),
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			a.seenHash.Add(hash, now)
			out = append(out, task)
		}
	}
	return out
}

func (a *Analyzer) linkTasks(ctx context.Context, newTasks, openTasks []graph.Task) ([]graph.Dependency, error) {
	type embedded struct {
		task graph.Task
		vec  []float32
	}

	embedCtx, cancel := context.WithTimeout(ctx, a.cfg.EmbedTimeout)
	defer cancel()

	all := make([]embedded, 0, len(openTasks)+len(newTasks))
	for _, t := range openTasks {
		vec, err := a.embedder.Embed(embedCtx, t.Description)
		if err != nil {
			// Degrade to no linking against this task rather than
			// blocking the whole batch.
			log.Printf("embed open task %s failed: %v", t.ID, err)
			continue
		}
		all = append(all, embedded{task: t, vec: vec})
	}
	newStart := len(all)
	for _, t := range newTasks {
		vec, err := a.embedder.Embed(embedCtx, t.Description)
		if err != nil {
			log.Printf("embed new task %s failed: %v", t.ID, err)
			all = append(all, embedded{task: t, vec: nil})
			continue
		}
		all = append(all, embedded{task: t, vec: vec})
	}

	var out []graph.Dependency
	for j := newStart; j < len(all); j++ {
		if all[j].vec == nil {
			continue
		}
		for i := 0; i < j; i++ {
			if all[i].vec == nil {
				continue
			}
			sim := Cosine(all[i].vec, all[j].vec)
			if sim < a.cfg.SoftRelatesThreshold {
				continue
			}
			earlier, later := all[i].task, all[j].task
			if earlier.Seq > later.Seq {
				earlier, later = later, earlier
			}
			relation := graph.RelationSoftRelates
			if sim >= a.cfg.BlocksThreshold {
				relation = graph.RelationBlocks
			}
			out = append(out, graph.Dependency{
				FromTask:   earlier.ID,
				ToTask:     later.ID,
				Relation:   relation,
				Confidence: sim,
			})
		}
	}
	return out, nil
}

// resolveCycles removes the lowest-confidence candidate BLOCKS edge from any
// cycle in the union of existing and candidate edges until the graph is
// acyclic. Only edges from the current batch are removable; a cycle made of
// pre-existing edges alone is unresolvable here and reported as an error.
func (a *Analyzer) resolveCycles(newTasks, openTasks []graph.Task, existing []graph.Dependency, candidates []graph.Dependency) ([]graph.Dependency, error) {
	nodes := make(map[string]bool, len(newTasks)+len(openTasks))
	for _, t := range newTasks {
		nodes[t.ID] = true
	}
	for _, t := range openTasks {
		nodes[t.ID] = true
	}

	removed := make(map[int]bool)
	for {
		adj := make(map[string][]string)
		edgeIdx := make(map[[2]string]int)
		for _, e := range existing {
			if e.Relation != graph.RelationBlocks {
				continue
			}
			if !nodes[e.FromTask] || !nodes[e.ToTask] {
				continue
			}
			adj[e.FromTask] = append(adj[e.FromTask], e.ToTask)
		}
		for i, e := range candidates {
			if removed[i] || e.Relation != graph.RelationBlocks {
				continue
			}
			adj[e.FromTask] = append(adj[e.FromTask], e.ToTask)
			edgeIdx[[2]string{e.FromTask, e.ToTask}] = i
		}

		cycle := findCycle(nodes, adj)
		if cycle == nil {
			break
		}

		dropIdx := -1
		dropConf := 0.0
		for k := 0; k < len(cycle); k++ {
			from := cycle[k]
			to := cycle[(k+1)%len(cycle)]
			if idx, ok := edgeIdx[[2]string{from, to}]; ok {
				if dropIdx == -1 || candidates[idx].Confidence < dropConf {
					dropIdx = idx
					dropConf = candidates[idx].Confidence
				}
			}
		}
		if dropIdx == -1 {
			return nil, fmt.Errorf("%w: cycle %v", ErrUnresolvableCycle, cycle)
		}
		removed[dropIdx] = true
		a.metrics.CyclesResolved.Inc()
		a.events.Publish(graph.Event{
			Type:   graph.EventCycleResolved,
			TaskID: candidates[dropIdx].ToTask,
			Actor:  "analyzer",
			Detail: fmt.Sprintf("dropped edge %s->%s (confidence %.2f) to break cycle",
				candidates[dropIdx].FromTask, candidates[dropIdx].ToTask, dropConf),
		})
	}

	out := make([]graph.Dependency, 0, len(candidates))
	for i, e := range candidates {
		if removed[i] {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// findCycle runs a colored DFS and returns one cycle as an ordered node list,
// or nil when the graph is acyclic.
func findCycle(nodes map[string]bool, adj map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	parent := make(map[string]string, len(nodes))

	var cycle []string
	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		for _, m := range adj[n] {
			switch color[m] {
			case white:
				parent[m] = n
				if visit(m) {
					return true
				}
			case gray:
				cycle = []string{m}
				for cur := n; cur != m; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				// Reverse into edge order m -> ... -> n -> m.
				for i, j := 1, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return true
			}
		}
		color[n] = black
		return false
	}

	for n := range nodes {
		if color[n] == white {
			if visit(n) {
				return cycle
			}
		}
	}
	return nil
}

func (a *Analyzer) nextSeq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	return a.seq
}

func contentHash(senderID, text string) string {
	sum := sha256.Sum256([]byte(senderID + "|" + normalizeText(text)))
	return hex.EncodeToString(sum[:])
}

var urgencyKeywords = []string{"urgent", "asap", "immediately", "right away", "today", "eod", "critical"}

func priorityWeight(text, hint string) float64 {
	w := 0.5
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case "high", "urgent":
		w += 0.3
	case "low":
		w -= 0.2
	}
	lower := strings.ToLower(text)
	for _, kw := range urgencyKeywords {
		if strings.Contains(lower, kw) {
			w += 0.2
			break
		}
	}
	if w > 1 {
		w = 1
	}
	if w < 0 {
		w = 0
	}
	return w
}
