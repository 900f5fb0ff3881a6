package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"OpsMender/internal/conf"
	"OpsMender/internal/model"
	"OpsMender/pkg/breaker"
	"OpsMender/pkg/httpclient"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

const (
	// endpointUserAgent identifies OpsMender to remote backends.
	endpointUserAgent = "OpsMender/1.0"

	// maxResponseBytes bounds a backend response body.
	maxResponseBytes = 1 << 20
)

// backendErrorBody is the error envelope remote backends return.
type backendErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// EndpointSpecs are gateway endpoint specs for remediation backends.
type EndpointSpecs []model.EndpointSpec

// NewEndpointSpecs builds gateway endpoint specs from configuration.
// Each configured endpoint becomes an HTTP JSON invoker with its own
// client honoring the endpoint's proxy setting.
func NewEndpointSpecs(c *conf.Resilience, logger log.Logger) (EndpointSpecs, error) {
	helper := log.NewHelper(logger)

	timeout := 30 * time.Second
	if c != nil && c.CallTimeout != nil && c.CallTimeout.AsDuration() > 0 {
		timeout = c.CallTimeout.AsDuration()
	}

	var specs EndpointSpecs
	if c == nil {
		return specs, nil
	}
	// Shared breaker defaults, overridable per endpoint.
	defaults := breaker.DefaultConfig()
	if c.Breaker != nil {
		defaults = breaker.Config{
			FailureThreshold: int(c.Breaker.FailureThreshold),
			SuccessThreshold: int(c.Breaker.SuccessThreshold),
			ResetTimeout:     c.Breaker.ResetTimeout.AsDuration(),
		}
	}

	for _, ep := range c.Endpoints {
		client, err := httpclient.New(ep.Proxy, timeout)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ep.Name, err)
		}

		brkCfg := defaults
		if ep.Breaker != nil {
			brkCfg = breaker.Config{
				FailureThreshold: int(ep.Breaker.FailureThreshold),
				SuccessThreshold: int(ep.Breaker.SuccessThreshold),
				ResetTimeout:     ep.Breaker.ResetTimeout.AsDuration(),
			}
		}

		specs = append(specs, model.EndpointSpec{
			Kind:     model.OperationKind(ep.Kind),
			Name:     ep.Name,
			Priority: int(ep.Priority),
			Breaker:  brkCfg,
			Invoke:   newHTTPInvoker(client, ep.Url, ep.Name),
		})
		helper.Infow("endpoint registered",
			"name", ep.Name,
			"kind", ep.Kind,
			"priority", ep.Priority)
	}
	return specs, nil
}

// newHTTPInvoker returns an InvokeFunc that POSTs the input as JSON and
// returns the raw response body. Backend 4xx responses come back as
// kratos errors with the backend's code so the gateway can tell caller
// mistakes from backend outages.
func newHTTPInvoker(client *http.Client, url, name string) model.InvokeFunc {
	return func(ctx context.Context, input map[string]interface{}) (json.RawMessage, error) {
		body, err := json.Marshal(input)
		if err != nil {
			return nil, kerrors.BadRequest("INVALID_INPUT", fmt.Sprintf("marshal input: %v", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: build request: %w", name, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", endpointUserAgent)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", name, err)
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: read response: %w", name, err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return json.RawMessage(raw), nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			var envelope backendErrorBody
			msg := string(raw)
			if jsonErr := json.Unmarshal(raw, &envelope); jsonErr == nil && envelope.Error.Message != "" {
				msg = envelope.Error.Message
			}
			reason := envelope.Error.Code
			if reason == "" {
				reason = "BACKEND_REJECTED"
			}
			return nil, kerrors.New(resp.StatusCode, reason, fmt.Sprintf("endpoint %s: %s", name, msg))
		default:
			return nil, fmt.Errorf("endpoint %s: unexpected status %d", name, resp.StatusCode)
		}
	}
}
