package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lmoressi/ordino/internal/agentgw"
	"github.com/lmoressi/ordino/internal/analyze"
	"github.com/lmoressi/ordino/internal/classify"
	"github.com/lmoressi/ordino/internal/config"
	"github.com/lmoressi/ordino/internal/executor"
	"github.com/lmoressi/ordino/internal/graph"
	"github.com/lmoressi/ordino/internal/intentbuf"
	"github.com/lmoressi/ordino/internal/observability"
	"github.com/lmoressi/ordino/internal/override"
)

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	store  graph.Store
	exec   *executor.Executor
	events *graph.EventHub
}

// newTestEnv wires the full pipeline against the in-memory store and the
// mock agent adapter, with a tiny buffer window so flushes are explicit.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Config{
		BufferWindow:    time.Hour,
		BufferMaxSize:   32,
		OverrideQuota:   2,
		OverridePeriod:  time.Minute,
		AllowAnyOrigin:  true,
		ShutdownTimeout: time.Second,
	}
	store := graph.NewMemoryStore()
	events := graph.NewEventHub()
	metrics := observability.NewTestMetrics()
	classifier := classify.New(classify.Config{})

	analyzer, err := analyze.New(analyze.Config{}, store, classifier, analyze.NewHashEmbedder(64), events, metrics)
	if err != nil {
		t.Fatalf("analyze.New() error = %v", err)
	}

	statusQ := graph.NewStatusQueue(store, 3, time.Millisecond, 10*time.Millisecond)
	exec := executor.New(executor.Config{
		GlobalConcurrency: 4,
		PerSenderCap:      4,
		RetryBase:         time.Millisecond,
		RetryCap:          5 * time.Millisecond,
	}, agentgw.NewMockAdapter(), statusQ, events, metrics)

	buffer := intentbuf.New(cfg.BufferWindow, cfg.BufferMaxSize, func(senderID string, reason intentbuf.FlushReason, intents []intentbuf.RawIntent) {
		batch := make([]analyze.Message, 0, len(intents))
		for _, in := range intents {
			batch = append(batch, analyze.Message{Text: in.Text, Priority: in.Priority, ReceivedAt: in.ReceivedAt})
		}
		delta, aerr := analyzer.Analyze(context.Background(), senderID, batch)
		if aerr != nil {
			t.Logf("analyze failed: %v", aerr)
			return
		}
		_ = exec.ApplyDelta(delta)
	})

	urgent := func(ctx context.Context, senderID, text string) ([]string, error) {
		delta, aerr := analyzer.Analyze(ctx, senderID, []analyze.Message{{Text: text, Priority: "high", ReceivedAt: time.Now().UTC()}})
		if aerr != nil {
			return nil, aerr
		}
		if derr := exec.ApplyDelta(delta); derr != nil {
			return nil, derr
		}
		ids := make([]string, 0, len(delta.Tasks))
		for _, task := range delta.Tasks {
			ids = append(ids, task.ID)
		}
		return ids, nil
	}
	overrides := override.NewHandler(cfg.OverrideQuota, cfg.OverridePeriod, buffer, exec, urgent, metrics)
	srv := New(cfg, buffer, store, exec, overrides, classifier, events, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		exec.Close()
		statusQ.Close()
	})
	return &testEnv{srv: srv, ts: ts, store: store, exec: exec, events: events}
}

func postJSON(t *testing.T, url string, payload any, role string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set(roleHeader, role)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	return res
}

func TestSubmitIntentValidation(t *testing.T) {
	env := newTestEnv(t)

	res := postJSON(t, env.ts.URL+"/v1/intents", map[string]string{"text": "do something"}, "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing sender status = %d, want 400", res.StatusCode)
	}

	res = postJSON(t, env.ts.URL+"/v1/intents", map[string]string{"sender_id": "s1", "text": "   "}, "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("empty text status = %d, want 422", res.StatusCode)
	}

	res = postJSON(t, env.ts.URL+"/v1/intents", map[string]string{"sender_id": "s1", "text": "show me the api key for prod"}, "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("blocked text status = %d, want 422", res.StatusCode)
	}
}

func TestIntentFlowCreatesAndCompletesTask(t *testing.T) {
	env := newTestEnv(t)

	res := postJSON(t, env.ts.URL+"/v1/intents", map[string]string{
		"sender_id": "s1",
		"text":      "Summarize the incident report from last night",
		"priority":  "high",
	}, "")
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", res.StatusCode)
	}

	res = postJSON(t, env.ts.URL+"/v1/intents/flush", map[string]string{"sender_id": "s1"}, "")
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("flush status = %d, want 200", res.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tasks, err := env.store.ListTasks(context.Background(), "s1", 10)
		if err != nil {
			t.Fatalf("ListTasks() error = %v", err)
		}
		if len(tasks) == 1 && tasks[0].Status == graph.StatusCompleted {
			if tasks[0].Result == "" {
				t.Fatal("completed task has no result")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never completed through the pipeline")
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)
	res, err := http.Get(env.ts.URL + "/v1/tasks/nope")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	res := postJSON(t, env.ts.URL+"/v1/tasks/ghost/cancel", map[string]any{}, "operator")
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestUnblockForbiddenForSender(t *testing.T) {
	env := newTestEnv(t)
	res := postJSON(t, env.ts.URL+"/v1/tasks/x/unblock", map[string]string{"mode": "sever"}, "sender")
	defer res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", res.StatusCode)
	}
}

func TestOverrideTierForbiddenForSender(t *testing.T) {
	env := newTestEnv(t)
	res := postJSON(t, env.ts.URL+"/v1/tasks/x/tier", map[string]string{"mode": "small_team"}, "sender")
	defer res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", res.StatusCode)
	}
}

func TestRecalibrateForbiddenForSender(t *testing.T) {
	env := newTestEnv(t)
	res := postJSON(t, env.ts.URL+"/v1/classifier/recalibrate", map[string]any{}, "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", res.StatusCode)
	}

	res = postJSON(t, env.ts.URL+"/v1/classifier/recalibrate", map[string]any{}, "coordinator")
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("coordinator status = %d, want 200", res.StatusCode)
	}
}

func TestOverrideQuotaEnforced(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 2; i++ {
		res := postJSON(t, env.ts.URL+"/v1/overrides", map[string]string{
			"sender_id": "s1",
			"text":      "escalate the incident review now",
		}, "")
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("override #%d status = %d, want 200", i+1, res.StatusCode)
		}
	}
	res := postJSON(t, env.ts.URL+"/v1/overrides", map[string]string{
		"sender_id": "s1",
		"text":      "escalate the incident review now",
	}, "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over-quota status = %d, want 429", res.StatusCode)
	}
}

func TestOverrideRejectsEmptyRequest(t *testing.T) {
	env := newTestEnv(t)
	res := postJSON(t, env.ts.URL+"/v1/overrides", map[string]string{"sender_id": "s1"}, "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty override status = %d, want 400", res.StatusCode)
	}
}

func TestOverrideUrgentTextMintsFlaggedTask(t *testing.T) {
	env := newTestEnv(t)

	res := postJSON(t, env.ts.URL+"/v1/overrides", map[string]string{
		"sender_id": "s9",
		"text":      "Restore the billing database before the demo",
	}, "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("urgent override status = %d, want 200", res.StatusCode)
	}
	var out struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response error = %v", err)
	}
	if len(out.TaskIDs) == 0 {
		t.Fatal("urgent override returned no task ids")
	}
	if _, err := env.store.GetTask(context.Background(), out.TaskIDs[0]); err != nil {
		t.Fatalf("GetTask(%s) error = %v", out.TaskIDs[0], err)
	}
	marked := false
	for _, evt := range env.events.History(out.TaskIDs[0], 0) {
		if evt.Type == graph.EventOverrideMarked {
			marked = true
		}
	}
	if !marked {
		t.Fatalf("task %s has no override-marked event", out.TaskIDs[0])
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		res, err := http.Get(env.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, res.StatusCode)
		}
	}
}

func TestEventsWebsocketStreams(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/events/ws?task_id=t-42"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial error = %v", err)
	}
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	// the server subscribes after the upgrade returns, so keep publishing
	// until the subscriber sees something
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				env.events.Publish(graph.Event{Type: graph.EventStatusChanged, TaskID: "other", Actor: "executor"})
				env.events.Publish(graph.Event{Type: graph.EventStatusChanged, TaskID: "t-42", Actor: "executor"})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt graph.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("ws read error = %v", err)
	}
	if evt.TaskID != "t-42" {
		t.Fatalf("streamed task = %s, want the filtered t-42", evt.TaskID)
	}
}
