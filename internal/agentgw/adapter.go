package agentgw

import (
	"context"
	"errors"
	"strings"
)

// DispatchRequest is the normalized request sent to an agent pod.
type DispatchRequest struct {
	TaskID      string  `json:"task_id"`
	SenderID    string  `json:"sender_id"`
	Description string  `json:"description"`
	Deliverable string  `json:"deliverable"`
	TeamMode    string  `json:"team_mode"`
	AgentCount  int     `json:"agent_count"`
	Complexity  float64 `json:"complexity"`
}

// DispatchResponse is the final outcome reported by the agent pod.
type DispatchResponse struct {
	Result string `json:"result"`
}

// DispatchError carries the gateway failure code so callers can decide
// whether a retry makes sense.
type DispatchError struct {
	Code   string
	Detail string
}

func (e *DispatchError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

// Adapter bridges the scheduling engine with the agent execution layer.
type Adapter interface {
	Run(ctx context.Context, req DispatchRequest) (DispatchResponse, error)
}

// Config controls adapter construction.
type Config struct {
	Mode    string
	HTTPURL string
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPAdapter(cfg.HTTPURL), nil
		}
		return NewMockAdapter(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("agent gateway url is required for http mode")
		}
		return NewHTTPAdapter(cfg.HTTPURL), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, errors.New("unknown agent gateway mode: " + mode)
	}
}
