package classify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/lmoressi/ordino/internal/graph"
	"github.com/lmoressi/ordino/internal/policy"
)

var (
	ErrClassifierTimeout = errors.New("classifier timed out")
	ErrNotAuthorized     = policy.ErrNotAuthorized
)

// Descriptor is one atomized task candidate handed to the classifier.
type Descriptor struct {
	SenderID     string
	Text         string
	PriorityHint string
}

// Result carries the classifier's verdict for a single descriptor.
type Result struct {
	Deliverable graph.Deliverable
	Score       float64
	Team        graph.TeamConfig
	Degraded    bool
}

type Config struct {
	Timeout            time.Duration
	MaxTeamAgents      int
	DriftThreshold     float64
	DriftWindow        int
	DriftCheckInterval int
}

// Classifier maps task descriptors to a complexity score and team
// configuration, and watches its own score distribution for drift.
type Classifier struct {
	timeout   time.Duration
	maxAgents int
	drift     *driftMonitor
	onDrift   func(psi float64)
}

func New(cfg Config) *Classifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 1500 * time.Millisecond
	}
	if cfg.MaxTeamAgents <= 0 {
		cfg.MaxTeamAgents = 5
	}
	return &Classifier{
		timeout:   cfg.Timeout,
		maxAgents: cfg.MaxTeamAgents,
		drift:     newDriftMonitor(cfg.DriftWindow, cfg.DriftThreshold, cfg.DriftCheckInterval),
	}
}

// SetDriftHook registers the callback invoked once per drift episode. The
// classifier never recalibrates on its own; the hook is expected to raise a
// recalibration-needed event.
func (c *Classifier) SetDriftHook(hook func(psi float64)) {
	c.onDrift = hook
}

// Classify scores one descriptor within the configured timeout. On timeout
// it returns a degraded fallback result together with ErrClassifierTimeout;
// the task still proceeds, flagged as degraded.
func (c *Classifier) Classify(ctx context.Context, d Descriptor) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := ctx.Err(); err != nil {
		return Result{
			Deliverable: graph.DeliverableOther,
			Team:        graph.DefaultTeamConfig(),
			Degraded:    true,
		}, ErrClassifierTimeout
	}

	type outcome struct {
		res Result
	}
	ch := make(chan outcome, 1)
	go func() {
		ch <- outcome{res: c.score(d)}
	}()

	select {
	case <-ctx.Done():
		return Result{
			Deliverable: graph.DeliverableOther,
			Team:        graph.DefaultTeamConfig(),
			Degraded:    true,
		}, ErrClassifierTimeout
	case out := <-ch:
		if psi, drifted := c.drift.observe(out.res.Score); drifted && c.onDrift != nil {
			c.onDrift(psi)
		}
		return out.res, nil
	}
}

// Recalibrate rebases the drift baseline on the current score window. It is
// an explicit, audited action restricted to coordinating roles.
func (c *Classifier) Recalibrate(role policy.Role) error {
	if !policy.Allowed(role, policy.CapRecalibrate) {
		return ErrNotAuthorized
	}
	c.drift.recalibrate()
	return nil
}

// DriftScore returns the most recent PSI divergence.
func (c *Classifier) DriftScore() float64 {
	return c.drift.lastPSI()
}

func (c *Classifier) score(d Descriptor) Result {
	text := strings.ToLower(strings.TrimSpace(d.Text))
	deliverable := inferDeliverable(text)

	typeWeight := deliverableWeight(deliverable)
	scope := scopeSignal(text)
	coverage := domainCoverage(text)

	score := 0.45*typeWeight + 0.30*scope + 0.25*coverage
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}

	return Result{
		Deliverable: deliverable,
		Score:       score,
		Team:        c.teamFor(score, deliverable, text),
	}
}

func (c *Classifier) teamFor(score float64, deliverable graph.Deliverable, text string) graph.TeamConfig {
	switch {
	case score > 0.8:
		return graph.TeamConfig{
			Mode:           graph.TeamModeFullTeam,
			AgentCount:     c.maxAgents,
			RequiresReview: isSensitive(deliverable, text),
		}
	case score >= 0.6:
		// Lead plus two additional specialists.
		return graph.TeamConfig{
			Mode:       graph.TeamModeSmallTeam,
			AgentCount: 3,
		}
	default:
		return graph.DefaultTeamConfig()
	}
}

func deliverableWeight(d graph.Deliverable) float64 {
	switch d {
	case graph.DeliverableCode:
		return 0.9
	case graph.DeliverableAnalysis:
		return 0.7
	case graph.DeliverableResearch:
		return 0.6
	case graph.DeliverableText:
		return 0.4
	default:
		return 0.3
	}
}

var (
	codeKeywords = []string{
		"implement", "fix", "refactor", "debug", "code", "function", "endpoint",
		"api", "deploy", "migrate", "script", "compile", "bug", "pipeline",
	}
	researchKeywords = []string{
		"research", "investigate", "find out", "look up", "explore", "survey", "gather",
	}
	analysisKeywords = []string{
		"analyze", "analyse", "analysis", "compare", "evaluate", "assess", "audit", "benchmark",
	}
	textKeywords = []string{
		"write", "draft", "summarize", "summarise", "report", "document",
		"email", "blog", "essay", "translate", "describe",
	}
	sensitiveKeywords = []string{
		"auth", "security", "credential", "password", "secret", "token",
		"payment", "billing", "encryption", "permission",
	}
	domainGroups = [][]string{
		{"database", "sql", "storage", "schema", "cache"},
		{"frontend", "ui", "css", "design", "layout"},
		{"backend", "server", "api", "service", "endpoint"},
		{"infra", "deploy", "kubernetes", "docker", "terraform", "ci"},
		{"data", "metrics", "analytics", "model", "dataset"},
		{"docs", "report", "documentation", "spec", "summary"},
	}
)

func inferDeliverable(text string) graph.Deliverable {
	if containsAny(text, researchKeywords) {
		return graph.DeliverableResearch
	}
	if containsAny(text, analysisKeywords) {
		return graph.DeliverableAnalysis
	}
	if containsAny(text, codeKeywords) {
		return graph.DeliverableCode
	}
	if containsAny(text, textKeywords) {
		return graph.DeliverableText
	}
	return graph.DeliverableOther
}

func scopeSignal(text string) float64 {
	words := len(strings.Fields(text))
	conjunctions := strings.Count(text, " and ") + strings.Count(text, ", ") + strings.Count(text, " then ")
	v := float64(words)/60.0 + float64(conjunctions)/6.0
	if v > 1 {
		v = 1
	}
	return v
}

func domainCoverage(text string) float64 {
	hit := 0
	for _, group := range domainGroups {
		if containsAny(text, group) {
			hit++
		}
	}
	v := float64(hit) / 3.0
	if v > 1 {
		v = 1
	}
	return v
}

func isSensitive(d graph.Deliverable, text string) bool {
	if d != graph.DeliverableCode {
		return false
	}
	return containsAny(text, sensitiveKeywords)
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
