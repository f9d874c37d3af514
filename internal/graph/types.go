package graph

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusDispatched Status = "dispatched"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
)

type Deliverable string

const (
	DeliverableCode     Deliverable = "code"
	DeliverableText     Deliverable = "text"
	DeliverableAnalysis Deliverable = "analysis"
	DeliverableResearch Deliverable = "research"
	DeliverableOther    Deliverable = "other"
)

type Relation string

const (
	RelationBlocks      Relation = "blocks"
	RelationSoftRelates Relation = "soft_relates"
)

type TeamMode string

const (
	TeamModeIndividual TeamMode = "individual"
	TeamModeSmallTeam  TeamMode = "small_team"
	TeamModeFullTeam   TeamMode = "full_team"
)

type TeamConfig struct {
	Mode           TeamMode `json:"mode"`
	AgentCount     int      `json:"agent_count"`
	RequiresReview bool     `json:"requires_review"`
}

type Task struct {
	ID              string      `json:"id"`
	SenderID        string      `json:"sender_id"`
	Description     string      `json:"description"`
	ContentHash     string      `json:"content_hash"`
	Deliverable     Deliverable `json:"deliverable_type"`
	PriorityWeight  float64     `json:"priority_weight"`
	ComplexityScore float64     `json:"complexity_score"`
	Team            TeamConfig  `json:"team_config"`
	Status          Status      `json:"status"`
	Degraded        bool        `json:"degraded,omitempty"`
	Seq             int64       `json:"seq"`
	Result          string      `json:"result,omitempty"`
	Error           string      `json:"error,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
}

type Dependency struct {
	FromTask   string   `json:"from_task"`
	ToTask     string   `json:"to_task"`
	Relation   Relation `json:"relation"`
	Confidence float64  `json:"confidence"`
}

// Delta is the atomic unit committed by the dependency analyzer: new tasks
// in pending state plus the edges that survived cycle resolution.
type Delta struct {
	Tasks []Task       `json:"tasks"`
	Edges []Dependency `json:"edges"`
}

type EventType string

const (
	EventTaskCreated    EventType = "task_created"
	EventStatusChanged  EventType = "status_changed"
	EventCycleResolved  EventType = "cycle_resolved"
	EventCycleDetected  EventType = "cycle_detected"
	EventDriftDetected  EventType = "drift_detected"
	EventOverrideMarked EventType = "override_marked"
	EventTierChanged    EventType = "tier_changed"
)

// Event is the structured audit record emitted on every state transition.
type Event struct {
	Type       EventType `json:"type"`
	TaskID     string    `json:"task_id,omitempty"`
	SenderID   string    `json:"sender_id,omitempty"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status,omitempty"`
	Actor      string    `json:"actor"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (t Task) Clone() Task {
	return t
}

func DefaultTeamConfig() TeamConfig {
	return TeamConfig{
		Mode:           TeamModeIndividual,
		AgentCount:     1,
		RequiresReview: false,
	}
}

// TeamForMode returns the standard team shape for a tier. The classifier
// may refine these; this is the baseline used by manual tier overrides.
func TeamForMode(mode TeamMode) (TeamConfig, bool) {
	switch mode {
	case TeamModeIndividual:
		return TeamConfig{Mode: mode, AgentCount: 1}, true
	case TeamModeSmallTeam:
		return TeamConfig{Mode: mode, AgentCount: 3}, true
	case TeamModeFullTeam:
		return TeamConfig{Mode: mode, AgentCount: 5, RequiresReview: true}, true
	default:
		return TeamConfig{}, false
	}
}
