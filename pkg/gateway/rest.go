package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
)

// RESTAdapter talks to a provider integration service over HTTP. All
// provider adapters in the default deployment are instances of this
// type, differing only in configuration.
type RESTAdapter struct {
	providerKey string
	baseURL     string
	pingPath    string
	tokenEnv    string
	client      *http.Client
}

// NewRESTAdapter builds an adapter from provider configuration. The
// HTTP client carries no timeout of its own; callers bound requests
// through the context.
func NewRESTAdapter(providerKey string, cfg config.ProviderConfig) *RESTAdapter {
	pingPath := cfg.PingPath
	if pingPath == "" {
		pingPath = "/me"
	}
	return &RESTAdapter{
		providerKey: providerKey,
		baseURL:     cfg.BaseURL,
		pingPath:    pingPath,
		tokenEnv:    cfg.TokenEnv,
		client:      &http.Client{},
	}
}

func (a *RESTAdapter) Warm(ctx context.Context, connectionID string) error {
	q := url.Values{"connection_id": {connectionID}}
	_, err := a.do(ctx, http.MethodGet, a.pingPath+"?"+q.Encode(), "warm", nil)
	return err
}

func (a *RESTAdapter) FetchFromCache(ctx context.Context, req FetchRequest) ([]RawEntity, error) {
	body := map[string]any{
		"connection_id": req.ConnectionID,
		"model":         req.Model,
		"filters":       req.Filters,
	}
	raw, err := a.do(ctx, http.MethodPost, "/cache/fetch", "fetch:"+req.Model, body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Entities []RawEntity `json:"entities"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode %s cache response: %w", a.providerKey, err)
	}
	return resp.Entities, nil
}

func (a *RESTAdapter) TriggerSync(ctx context.Context, connectionID, model string) error {
	body := map[string]any{
		"connection_id": connectionID,
		"model":         model,
	}
	_, err := a.do(ctx, http.MethodPost, "/sync", "sync:"+model, body)
	return err
}

func (a *RESTAdapter) TriggerAction(ctx context.Context, req ActionRequest) (map[string]any, error) {
	body := map[string]any{
		"connection_id": req.ConnectionID,
		"arguments":     req.Arguments,
	}
	raw, err := a.do(ctx, http.MethodPost, "/actions/"+url.PathEscape(req.ActionName), req.ActionName, body)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("decode %s action response: %w", a.providerKey, err)
		}
	}
	return payload, nil
}

// do issues one request and returns the response body, converting every
// failure mode into a *ProviderError.
func (a *RESTAdapter) do(ctx context.Context, method, path, action string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", action, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", action, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.tokenEnv != "" {
		if token := os.Getenv(a.tokenEnv); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &ProviderError{
			ProviderKey: a.providerKey,
			ActionName:  action,
			Timestamp:   time.Now().UTC(),
			Err:         err,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ProviderError{
			ProviderKey: a.providerKey,
			ActionName:  action,
			Timestamp:   time.Now().UTC(),
			Err:         err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{
			ProviderKey:     a.providerKey,
			ActionName:      action,
			StatusCode:      resp.StatusCode,
			ProviderPayload: capPayload(data),
			Timestamp:       time.Now().UTC(),
			Err:             fmt.Errorf("%s returned %s", a.providerKey, resp.Status),
		}
	}
	return data, nil
}

func capPayload(data []byte) string {
	if len(data) > providerPayloadCap {
		data = data[:providerPayloadCap]
	}
	return string(data)
}
