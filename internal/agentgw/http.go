package agentgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lmoressi/ordino/internal/reliability"
)

// HTTPAdapter forwards dispatch requests to an agent gateway endpoint.
type HTTPAdapter struct {
	url    string
	client *http.Client
}

func NewHTTPAdapter(url string) *HTTPAdapter {
	return &HTTPAdapter{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (a *HTTPAdapter) Run(ctx context.Context, req DispatchRequest) (DispatchResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return DispatchResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return DispatchResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return DispatchResponse{}, &DispatchError{Code: "agent_unavailable", Detail: err.Error()}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return DispatchResponse{}, &DispatchError{
			Code:   codeForStatus(res.StatusCode),
			Detail: fmt.Sprintf("gateway status %d: %s", res.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return DispatchResponse{}, fmt.Errorf("read response: %w", err)
	}

	var out DispatchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		text := strings.TrimSpace(string(body))
		if text == "" {
			return DispatchResponse{}, nil
		}
		return DispatchResponse{Result: text}, nil
	}
	return out, nil
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status == http.StatusServiceUnavailable:
		return "agent_busy"
	case reliability.IsRetryableHTTPStatus(status):
		return "agent_unavailable"
	default:
		return "agent_rejected"
	}
}
