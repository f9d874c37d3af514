package analyze

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lmoressi/ordino/internal/classify"
	"github.com/lmoressi/ordino/internal/graph"
	"github.com/lmoressi/ordino/internal/observability"
)

// stubEmbedder returns engineered vectors so linking tests control the
// exact similarity between descriptions.
type stubEmbedder struct {
	vecs map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vecs[normalizeText(text)]; ok {
		return v, nil
	}
	return nil, errors.New("no vector scripted for: " + text)
}

func (s *stubEmbedder) Dimensions() int { return 3 }

func newTestAnalyzer(t *testing.T, emb Embedder) (*Analyzer, *graph.MemoryStore) {
	t.Helper()
	store := graph.NewMemoryStore()
	a, err := New(Config{}, store, classify.New(classify.Config{}), emb, graph.NewEventHub(), observability.NewTestMetrics())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a, store
}

func TestAnalyzeCreatesTasksInArrivalOrder(t *testing.T) {
	a, store := newTestAnalyzer(t, NewHashEmbedder(64))

	delta, err := a.Analyze(context.Background(), "s1", []Message{
		{Text: "Fix the login redirect bug and also update the deployment docs", ReceivedAt: time.Now()},
		{Text: "Research single sign-on vendors", Priority: "high", ReceivedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(delta.Tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(delta.Tasks))
	}
	for i, task := range delta.Tasks {
		if task.Status != graph.StatusPending {
			t.Fatalf("task %d status = %s, want pending", i, task.Status)
		}
		if task.ContentHash == "" || task.ID == "" {
			t.Fatalf("task %d missing identity fields", i)
		}
		if i > 0 && task.Seq <= delta.Tasks[i-1].Seq {
			t.Fatalf("task %d seq %d not after previous %d", i, task.Seq, delta.Tasks[i-1].Seq)
		}
	}
	if delta.Tasks[2].PriorityWeight <= delta.Tasks[0].PriorityWeight {
		t.Fatal("high priority hint did not raise the weight")
	}

	stored, err := store.ListTasks(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored tasks = %d, want 3", len(stored))
	}
}

func TestAnalyzeDeduplicatesRepeatedAsks(t *testing.T) {
	a, _ := newTestAnalyzer(t, NewHashEmbedder(64))
	batch := []Message{
		{Text: "Restart the staging cluster"},
		{Text: "restart   the staging CLUSTER"},
	}

	delta, err := a.Analyze(context.Background(), "s1", batch)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(delta.Tasks) != 1 {
		t.Fatalf("tasks = %d, want duplicate collapsed to 1", len(delta.Tasks))
	}

	// the same ask re-sent inside the dedup window mints nothing
	again, err := a.Analyze(context.Background(), "s1", batch[:1])
	if err != nil {
		t.Fatalf("Analyze() repeat error = %v", err)
	}
	if len(again.Tasks) != 0 {
		t.Fatalf("repeat tasks = %d, want 0", len(again.Tasks))
	}
}

func TestAnalyzeScopesDedupToSender(t *testing.T) {
	a, _ := newTestAnalyzer(t, NewHashEmbedder(64))

	first, err := a.Analyze(context.Background(), "s1", []Message{{Text: "Archive last quarter invoices"}})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	second, err := a.Analyze(context.Background(), "s2", []Message{{Text: "Archive last quarter invoices"}})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(first.Tasks) != 1 || len(second.Tasks) != 1 {
		t.Fatalf("tasks = %d/%d, want one per sender", len(first.Tasks), len(second.Tasks))
	}
}

func TestAnalyzeRejectsMissingSender(t *testing.T) {
	a, _ := newTestAnalyzer(t, NewHashEmbedder(64))
	if _, err := a.Analyze(context.Background(), "  ", []Message{{Text: "anything"}}); err == nil {
		t.Fatal("Analyze() error = nil, want sender validation error")
	}
}

func TestAnalyzeEmptyBatch(t *testing.T) {
	a, _ := newTestAnalyzer(t, NewHashEmbedder(64))
	delta, err := a.Analyze(context.Background(), "s1", nil)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(delta.Tasks) != 0 || len(delta.Edges) != 0 {
		t.Fatal("empty batch produced a non-empty delta")
	}
}

func TestAnalyzeLinksByThreshold(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{
		"set up the database schema":       {1, 0, 0},
		"write queries against the schema": {0.8, 0.6, 0},
		"plan the team offsite":            {0, 0, 1},
		"document the database layout":     {0.6, -0.8, 0},
	}}
	a, _ := newTestAnalyzer(t, emb)

	delta, err := a.Analyze(context.Background(), "s1", []Message{
		{Text: "set up the database schema"},
		{Text: "write queries against the schema"},
		{Text: "plan the team offsite"},
		{Text: "document the database layout"},
	})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(delta.Tasks) != 4 {
		t.Fatalf("tasks = %d, want 4", len(delta.Tasks))
	}

	byDesc := make(map[string]graph.Task)
	for _, task := range delta.Tasks {
		byDesc[task.Description] = task
	}
	schema := byDesc["set up the database schema"]
	queries := byDesc["write queries against the schema"]
	docs := byDesc["document the database layout"]
	offsite := byDesc["plan the team offsite"]

	var blocksEdges, softEdges []graph.Dependency
	for _, e := range delta.Edges {
		if e.FromTask == offsite.ID || e.ToTask == offsite.ID {
			t.Fatalf("unrelated task linked: %+v", e)
		}
		switch e.Relation {
		case graph.RelationBlocks:
			blocksEdges = append(blocksEdges, e)
		case graph.RelationSoftRelates:
			softEdges = append(softEdges, e)
		}
	}
	if len(blocksEdges) != 1 || blocksEdges[0].FromTask != schema.ID || blocksEdges[0].ToTask != queries.ID {
		t.Fatalf("blocks edges = %+v, want schema -> queries", blocksEdges)
	}
	if blocksEdges[0].Confidence < 0.79 || blocksEdges[0].Confidence > 0.81 {
		t.Fatalf("blocks confidence = %f, want ~0.8", blocksEdges[0].Confidence)
	}
	if len(softEdges) != 1 || softEdges[0].FromTask != schema.ID || softEdges[0].ToTask != docs.ID {
		t.Fatalf("soft edges = %+v, want schema -> docs", softEdges)
	}
}

func TestAnalyzeLinksAgainstOpenTasks(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{
		"design the payments api":    {1, 0, 0},
		"implement the payments api": {0.9, 0.43589, 0},
	}}
	a, _ := newTestAnalyzer(t, emb)

	first, err := a.Analyze(context.Background(), "s1", []Message{{Text: "design the payments api"}})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	second, err := a.Analyze(context.Background(), "s1", []Message{{Text: "implement the payments api"}})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(second.Edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(second.Edges))
	}
	edge := second.Edges[0]
	if edge.FromTask != first.Tasks[0].ID || edge.ToTask != second.Tasks[0].ID {
		t.Fatalf("edge = %+v, want open task blocking the new one", edge)
	}
	if edge.Relation != graph.RelationBlocks {
		t.Fatalf("edge relation = %s, want blocks", edge.Relation)
	}
}

func TestResolveCyclesDropsLowestConfidenceEdge(t *testing.T) {
	a, _ := newTestAnalyzer(t, NewHashEmbedder(64))
	tasks := []graph.Task{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	candidates := []graph.Dependency{
		{FromTask: "a", ToTask: "b", Relation: graph.RelationBlocks, Confidence: 0.9},
		{FromTask: "b", ToTask: "c", Relation: graph.RelationBlocks, Confidence: 0.8},
		{FromTask: "c", ToTask: "a", Relation: graph.RelationBlocks, Confidence: 0.76},
	}

	surviving, err := a.resolveCycles(tasks, nil, nil, candidates)
	if err != nil {
		t.Fatalf("resolveCycles() error = %v", err)
	}
	if len(surviving) != 2 {
		t.Fatalf("surviving edges = %d, want 2", len(surviving))
	}
	for _, e := range surviving {
		if e.FromTask == "c" && e.ToTask == "a" {
			t.Fatal("lowest confidence edge survived cycle resolution")
		}
	}
}

func TestResolveCyclesExistingEdgesUnresolvable(t *testing.T) {
	a, _ := newTestAnalyzer(t, NewHashEmbedder(64))
	tasks := []graph.Task{{ID: "a"}, {ID: "b"}}
	existing := []graph.Dependency{
		{FromTask: "a", ToTask: "b", Relation: graph.RelationBlocks, Confidence: 0.9},
		{FromTask: "b", ToTask: "a", Relation: graph.RelationBlocks, Confidence: 0.9},
	}

	if _, err := a.resolveCycles(nil, tasks, existing, nil); !errors.Is(err, ErrUnresolvableCycle) {
		t.Fatalf("resolveCycles() error = %v, want ErrUnresolvableCycle", err)
	}
}

func TestPriorityWeight(t *testing.T) {
	cases := []struct {
		text, hint string
		want       float64
	}{
		{"write the summary", "", 0.5},
		{"write the summary", "high", 0.8},
		{"write the summary asap", "high", 1.0},
		{"write the summary", "low", 0.3},
	}
	for _, tc := range cases {
		got := priorityWeight(tc.text, tc.hint)
		if got < tc.want-0.001 || got > tc.want+0.001 {
			t.Fatalf("priorityWeight(%q, %q) = %f, want %f", tc.text, tc.hint, got, tc.want)
		}
	}
}
