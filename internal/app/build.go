package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lmoressi/ordino/internal/agentgw"
	"github.com/lmoressi/ordino/internal/analyze"
	"github.com/lmoressi/ordino/internal/classify"
	"github.com/lmoressi/ordino/internal/config"
	"github.com/lmoressi/ordino/internal/executor"
	"github.com/lmoressi/ordino/internal/graph"
	"github.com/lmoressi/ordino/internal/httpapi"
	"github.com/lmoressi/ordino/internal/intentbuf"
	"github.com/lmoressi/ordino/internal/observability"
	"github.com/lmoressi/ordino/internal/override"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Buffer    *intentbuf.Buffer
	Executor  *executor.Executor
	Store     graph.Store
	Events    *graph.EventHub
	Metrics   *observability.Metrics
	StatusQ   *graph.StatusQueue
	Overrides *override.Handler

	// Cleanup should be called on shutdown to settle status writes and
	// release external resources.
	Cleanup func() error
}

// Build wires the full pipeline: buffer windows flush into the analyzer,
// analyzer deltas feed the executor, and the executor dispatches through
// the agent gateway.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	events := graph.NewEventHub()

	store, err := graph.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("graph store init failed: %w", err)
	}

	adapter, err := agentgw.NewAdapter(agentgw.Config{
		Mode:    cfg.AgentGatewayMode,
		HTTPURL: cfg.AgentGatewayURL,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("agent gateway init failed: %w", err)
	}

	classifier := classify.New(classify.Config{
		Timeout:            cfg.ClassifierTimeout,
		MaxTeamAgents:      cfg.MaxTeamAgents,
		DriftThreshold:     cfg.DriftThreshold,
		DriftWindow:        cfg.DriftWindow,
		DriftCheckInterval: cfg.DriftCheckInterval,
	})
	classifier.SetDriftHook(func(psi float64) {
		metrics.DriftScore.Set(psi)
		log.Printf("classifier drift detected: psi=%.3f, recalibration needed", psi)
		events.Publish(graph.Event{
			Type:   graph.EventDriftDetected,
			Actor:  "classifier",
			Detail: fmt.Sprintf("score distribution diverged (psi %.3f)", psi),
		})
	})

	embedder, err := analyze.NewCachedEmbedder(analyze.NewHashEmbedder(cfg.EmbeddingDim), cfg.EmbedCacheSize)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("embedder init failed: %w", err)
	}

	analyzer, err := analyze.New(analyze.Config{
		BlocksThreshold:      cfg.BlocksThreshold,
		SoftRelatesThreshold: cfg.SoftRelatesThreshold,
		OpenTaskWindow:       cfg.OpenTaskWindow,
		EmbedTimeout:         cfg.EmbedTimeout,
	}, store, classifier, embedder, events, metrics)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("analyzer init failed: %w", err)
	}

	statusQ := graph.NewStatusQueue(store, cfg.MaxDispatchRetries+2, cfg.RetryBase, cfg.RetryCap)
	exec := executor.New(executor.Config{
		GlobalConcurrency:  cfg.GlobalConcurrency,
		PerSenderCap:       cfg.PerSenderCap,
		MaxDispatchRetries: cfg.MaxDispatchRetries,
		RetryBase:          cfg.RetryBase,
		RetryCap:           cfg.RetryCap,
		SettledRetention:   cfg.SettledRetention,
		HydratePageSize:    cfg.HydratePageSize,
	}, adapter, statusQ, events, metrics)

	if err := exec.Hydrate(ctx, store); err != nil {
		log.Printf("working set hydration failed, starting empty: %v", err)
	}

	buffer := intentbuf.New(cfg.BufferWindow, cfg.BufferMaxSize, func(senderID string, reason intentbuf.FlushReason, intents []intentbuf.RawIntent) {
		metrics.BufferFlushes.WithLabelValues(string(reason)).Inc()
		batch := make([]analyze.Message, 0, len(intents))
		for _, in := range intents {
			batch = append(batch, analyze.Message{
				Text:       in.Text,
				Priority:   in.Priority,
				ReceivedAt: in.ReceivedAt,
			})
		}
		delta, aerr := analyzer.Analyze(context.Background(), senderID, batch)
		if aerr != nil {
			log.Printf("analyze failed: sender=%s reason=%s err=%v", senderID, reason, aerr)
			return
		}
		if aerr := exec.ApplyDelta(delta); aerr != nil {
			log.Printf("delta apply failed: sender=%s err=%v", senderID, aerr)
		}
	})

	urgent := func(ctx context.Context, senderID, text string) ([]string, error) {
		delta, err := analyzer.Analyze(ctx, senderID, []analyze.Message{{
			Text:       text,
			Priority:   "high",
			ReceivedAt: time.Now().UTC(),
		}})
		if err != nil {
			return nil, err
		}
		if err := exec.ApplyDelta(delta); err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(delta.Tasks))
		for _, t := range delta.Tasks {
			ids = append(ids, t.ID)
		}
		return ids, nil
	}
	overrides := override.NewHandler(cfg.OverrideQuota, cfg.OverridePeriod, buffer, exec, urgent, metrics)
	api := httpapi.New(cfg, buffer, store, exec, overrides, classifier, events, metrics)

	cleanup := func() error {
		var errs []string
		exec.Close()
		statusQ.Drain(cfg.ShutdownTimeout)
		statusQ.Close()
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Buffer:    buffer,
		Executor:  exec,
		Store:     store,
		Events:    events,
		Metrics:   metrics,
		StatusQ:   statusQ,
		Overrides: overrides,
		Cleanup:   cleanup,
	}, nil
}
