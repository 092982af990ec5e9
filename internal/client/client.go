// Package client implements the worker side of the coordinator HTTP
// contract. Transient transport failures are retried with backoff and
// a circuit breaker sheds load when the coordinator stays unreachable.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bardlex/minelab/internal/protocol"
	"github.com/bardlex/minelab/pkg/circuit"
	"github.com/bardlex/minelab/pkg/errors"
	"github.com/bardlex/minelab/pkg/log"
	"github.com/bardlex/minelab/pkg/retry"
)

// Coordinator is an HTTP client for the coordinator service
type Coordinator struct {
	baseURL        string
	minerID        string
	role           string
	httpClient     *http.Client
	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// New creates a coordinator client identifying as minerID with role
func New(baseURL, minerID, role string, logger *log.Logger) *Coordinator {
	cbConfig := &circuit.Config{
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	}

	return &Coordinator{
		baseURL: baseURL,
		minerID: minerID,
		role:    role,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:         logger,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

// FetchTemplate retrieves the current work template. The request also
// registers this miner with the coordinator.
func (c *Coordinator) FetchTemplate(ctx context.Context) (*protocol.TemplateResponse, error) {
	endpoint := fmt.Sprintf("%s/template?%s", c.baseURL, url.Values{
		"miner_id": {c.minerID},
		"role":     {c.role},
	}.Encode())

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*protocol.TemplateResponse, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*protocol.TemplateResponse, error) {
			var resp protocol.TemplateResponse
			if err := c.getJSON(ctx, endpoint, &resp); err != nil {
				return nil, err
			}

			c.logger.Debug("fetched template",
				"generation", resp.Generation,
				"difficulty_bits", resp.DifficultyBits)
			return &resp, nil
		})
	})
}

// SubmitSolution submits a candidate nonce. A rejection is a normal
// response, not an error.
func (c *Coordinator) SubmitSolution(ctx context.Context, generation, nonce uint64, attempts int64) (*protocol.SubmitResponse, error) {
	req := protocol.SubmitRequest{
		Generation: generation,
		MinerID:    c.minerID,
		Nonce:      nonce,
		Attempts:   attempts,
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*protocol.SubmitResponse, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*protocol.SubmitResponse, error) {
			var resp protocol.SubmitResponse
			if err := c.postJSON(ctx, c.baseURL+"/submit", req, &resp); err != nil {
				return nil, err
			}

			c.logger.Debug("submitted solution",
				"generation", generation,
				"nonce", nonce,
				"status", resp.Status)
			return &resp, nil
		})
	})
}

// FetchStats retrieves the aggregate snapshot
func (c *Coordinator) FetchStats(ctx context.Context) (*protocol.StatsResponse, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*protocol.StatsResponse, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*protocol.StatsResponse, error) {
			var resp protocol.StatsResponse
			if err := c.getJSON(ctx, c.baseURL+"/stats", &resp); err != nil {
				return nil, err
			}
			return &resp, nil
		})
	})
}

// FetchChain retrieves up to limit recently closed generations
func (c *Coordinator) FetchChain(ctx context.Context, limit int) (*protocol.ChainResponse, error) {
	endpoint := c.baseURL + "/chain"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*protocol.ChainResponse, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*protocol.ChainResponse, error) {
			var resp protocol.ChainResponse
			if err := c.getJSON(ctx, endpoint, &resp); err != nil {
				return nil, err
			}
			return &resp, nil
		})
	})
}

func (c *Coordinator) getJSON(ctx context.Context, endpoint string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "build_request",
			"failed to build request").
			WithContext("endpoint", endpoint)
	}

	return c.doJSON(req, dest)
}

func (c *Coordinator) postJSON(ctx context.Context, endpoint string, body, dest any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal request body").
			WithContext("endpoint", endpoint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "build_request",
			"failed to build request").
			WithContext("endpoint", endpoint)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doJSON(req, dest)
}

func (c *Coordinator) doJSON(req *http.Request, dest any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "http_request",
			"coordinator request failed").
			WithContext("endpoint", req.URL.String())
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Error("failed to close response body", "error", err)
		}
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "read_response",
			"failed to read coordinator response").
			WithContext("endpoint", req.URL.String())
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr protocol.APIError
		if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Code != "" {
			wrapped := errors.Wrap(apiErr, errors.ErrorTypeTransport, "coordinator_error",
				"coordinator rejected the request").
				WithContext("endpoint", req.URL.String()).
				WithContext("status_code", resp.StatusCode)
			// Client-side mistakes do not heal on retry.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				wrapped.Retryable = false
			}
			return wrapped
		}
		return errors.New(errors.ErrorTypeTransport, "coordinator_error",
			fmt.Sprintf("coordinator returned status %d", resp.StatusCode)).
			WithContext("endpoint", req.URL.String())
	}

	if err := json.Unmarshal(payload, dest); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "json_unmarshal",
			"failed to decode coordinator response").
			WithContext("endpoint", req.URL.String())
	}

	return nil
}
