package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// BridgeConfig describes one HTTP device adapter.
type BridgeConfig struct {
	AdapterID string
	BaseURL   string
	Token     string
	// StatusURLTemplate carries a {runId} placeholder. Empty falls back
	// to <baseURL>/runs/{runId}/status.
	StatusURLTemplate string
	Timeout           time.Duration
	Strict            bool
}

// HTTPBridge talks execution-task/v1 to a device adapter over HTTP.
type HTTPBridge struct {
	cfg    BridgeConfig
	client *resty.Client
}

func NewHTTPBridge(cfg BridgeConfig) (*HTTPBridge, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("bridge %s: base url is required", cfg.AdapterID)
	}
	if strings.TrimSpace(cfg.AdapterID) == "" {
		return nil, fmt.Errorf("bridge adapter id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if strings.TrimSpace(cfg.StatusURLTemplate) == "" {
		cfg.StatusURLTemplate = cfg.BaseURL + "/runs/{runId}/status"
	}

	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.SetRetryMaxWaitTime(3 * time.Second)
	if cfg.Token != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.Token)
	}
	return &HTTPBridge{cfg: cfg, client: client}, nil
}

func (b *HTTPBridge) AdapterID() string { return b.cfg.AdapterID }

func (b *HTTPBridge) Dispatch(ctx context.Context, task Task) (DispatchResult, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(task).
		Post(b.cfg.BaseURL + "/tasks")
	if err != nil {
		return DispatchResult{}, fmt.Errorf("bridge %s dispatch: %w", b.cfg.AdapterID, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusAccepted {
		return DispatchResult{}, fmt.Errorf("bridge %s dispatch: status %d: %s", b.cfg.AdapterID, resp.StatusCode(), resp.String())
	}

	var result DispatchResult
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return DispatchResult{}, fmt.Errorf("bridge %s dispatch: decode response: %w", b.cfg.AdapterID, err)
	}
	if err := checkContract(result.ContractVersion, b.cfg.Strict); err != nil {
		return DispatchResult{}, fmt.Errorf("bridge %s dispatch: %w", b.cfg.AdapterID, err)
	}
	if strings.TrimSpace(result.ExternalRunID) == "" {
		return DispatchResult{}, fmt.Errorf("bridge %s dispatch: response carries no external run id", b.cfg.AdapterID)
	}
	return result, nil
}

func (b *HTTPBridge) Status(ctx context.Context, externalRunID string) (StatusResult, error) {
	url := strings.ReplaceAll(b.cfg.StatusURLTemplate, "{runId}", externalRunID)
	resp, err := b.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return StatusResult{}, fmt.Errorf("bridge %s status: %w", b.cfg.AdapterID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return StatusResult{}, fmt.Errorf("bridge %s status: status %d: %s", b.cfg.AdapterID, resp.StatusCode(), resp.String())
	}

	var result StatusResult
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return StatusResult{}, fmt.Errorf("bridge %s status: decode response: %w", b.cfg.AdapterID, err)
	}
	if err := checkContract(result.ContractVersion, b.cfg.Strict); err != nil {
		return StatusResult{}, fmt.Errorf("bridge %s status: %w", b.cfg.AdapterID, err)
	}
	return result, nil
}

func (b *HTTPBridge) Cancel(ctx context.Context, externalRunID string) error {
	resp, err := b.client.R().SetContext(ctx).Post(b.cfg.BaseURL + "/runs/" + externalRunID + "/cancel")
	if err != nil {
		return fmt.Errorf("bridge %s cancel: %w", b.cfg.AdapterID, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	}
	return fmt.Errorf("bridge %s cancel: status %d: %s", b.cfg.AdapterID, resp.StatusCode(), resp.String())
}
