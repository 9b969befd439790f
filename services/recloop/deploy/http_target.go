// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
)

// HTTPTargetConfig locates a remote deployment agent.
type HTTPTargetConfig struct {
	ID      string        `yaml:"id" validate:"required"`
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// HTTPTarget pushes artifacts to a remote agent over JSON/HTTP.
//
// Agent contract:
//
//	POST {base}/v1/agent/deployments               PushRequest -> {"deployment_id": "..."}
//	GET  {base}/v1/agent/deployments/{id}/health   -> HealthStatus
//	POST {base}/v1/agent/deployments/{id}/rollback -> 2xx
//
// Transport errors, 429 and 5xx responses are infrastructure errors.
type HTTPTarget struct {
	id      string
	base    string
	token   string
	client  *http.Client
	breaker *Breaker
}

// NewHTTPTarget creates a target. The client is instrumented with otelhttp.
func NewHTTPTarget(cfg HTTPTargetConfig) (*HTTPTarget, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("http target: id is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("http target %s: invalid base url %q", cfg.ID, cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPTarget{
		id:    cfg.ID,
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		token: cfg.Token,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: NewBreaker(cfg.Breaker),
	}, nil
}

// ID implements Target.
func (h *HTTPTarget) ID() string { return h.id }

// Breaker exposes the circuit breaker state.
func (h *HTTPTarget) Breaker() *Breaker { return h.breaker }

type pushResponse struct {
	DeploymentID string `json:"deployment_id"`
}

// Deploy implements Target.
func (h *HTTPTarget) Deploy(ctx context.Context, req PushRequest) (string, error) {
	var resp pushResponse
	if err := h.call(ctx, http.MethodPost, "/v1/agent/deployments", req, &resp); err != nil {
		return "", err
	}
	if resp.DeploymentID == "" {
		return "", fmt.Errorf("target %s: empty deployment id", h.id)
	}
	return resp.DeploymentID, nil
}

// HealthCheck implements Target.
func (h *HTTPTarget) HealthCheck(ctx context.Context, deploymentID string) (HealthStatus, error) {
	var st HealthStatus
	err := h.call(ctx, http.MethodGet, "/v1/agent/deployments/"+url.PathEscape(deploymentID)+"/health", nil, &st)
	return st, err
}

// Rollback implements Target.
func (h *HTTPTarget) Rollback(ctx context.Context, deploymentID string) error {
	return h.call(ctx, http.MethodPost, "/v1/agent/deployments/"+url.PathEscape(deploymentID)+"/rollback", nil, nil)
}

func (h *HTTPTarget) call(ctx context.Context, method, path string, body, out any) error {
	return h.breaker.Execute(h.id, func() error {
		var rd io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encode request: %w", err)
			}
			rd = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, h.base+path, rd)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if h.token != "" {
			req.Header.Set("Authorization", "Bearer "+h.token)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return h.infra(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return h.infra(fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg))))
		}
		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("target %s rejected %s %s: status %d: %s", h.id, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("target %s: decode response: %w", h.id, err)
		}
		return nil
	})
}

func (h *HTTPTarget) infra(err error) error {
	return &datatypes.DeploymentInfrastructureError{TargetID: h.id, Err: err}
}
