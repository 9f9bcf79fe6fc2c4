package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
)

// RESTConnectionResolver queries the connections service for a user's
// live provider connections. The HTTP client carries no timeout of its
// own; callers bound requests through the context.
type RESTConnectionResolver struct {
	baseURL  string
	tokenEnv string
	client   *http.Client
}

var _ ConnectionResolver = (*RESTConnectionResolver)(nil)

func NewRESTConnectionResolver(cfg config.ConnectionsConfig) *RESTConnectionResolver {
	return &RESTConnectionResolver{
		baseURL:  cfg.BaseURL,
		tokenEnv: cfg.TokenEnv,
		client:   &http.Client{},
	}
}

func (r *RESTConnectionResolver) ActiveConnections(ctx context.Context, userID string) ([]Connection, error) {
	endpoint := r.baseURL + "/users/" + url.PathEscape(userID) + "/connections"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build connections request: %w", err)
	}
	if r.tokenEnv != "" {
		if token := os.Getenv(r.tokenEnv); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query connections for %s: %w", userID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read connections response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("connections service returned %s", resp.Status)
	}

	var parsed struct {
		Connections []Connection `json:"connections"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode connections response: %w", err)
	}
	return parsed.Connections, nil
}
