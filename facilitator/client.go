// Package facilitator talks to the gasless settlement service that
// executes delegated vault transfers on behalf of resource servers.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/perkkite/agent-commerce/logger"
	"github.com/perkkite/agent-commerce/resilience"
	"github.com/perkkite/agent-commerce/x402"
)

// ErrUnavailable is returned when the facilitator cannot be reached or
// the circuit is open. Callers decide whether to fall back to a
// simulated settlement.
var ErrUnavailable = errors.New("facilitator unavailable")

// SettleResult is the facilitator's settlement acknowledgement.
type SettleResult struct {
	TxHash string `json:"txHash"`
}

// Client wraps the facilitator HTTP API with a retry policy and a
// circuit breaker so a dead facilitator degrades fast instead of
// stalling every paid request.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
	log     *logger.Logger
}

// NewClient builds a facilitator client against baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 2
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		breaker: resilience.NewBreaker(3, 30*time.Second),
		retry:   retry,
		log:     logger.Component("facilitator"),
	}
}

// Settle submits a signed payment authorization for on-chain
// execution. A non-2xx response or transport failure surfaces as
// ErrUnavailable.
func (c *Client) Settle(ctx context.Context, auth x402.Authorization, signature, network string) (SettleResult, error) {
	var result SettleResult
	err := c.breaker.Do(func() error {
		return resilience.Retry(ctx, c.retry, func() error {
			var err error
			result, err = c.settleOnce(ctx, auth, signature, network)
			return err
		})
	})
	if err != nil {
		c.log.Error("settlement failed", err)
		return SettleResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result, nil
}

func (c *Client) settleOnce(ctx context.Context, auth x402.Authorization, signature, network string) (SettleResult, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"authorization": auth,
		"signature":     signature,
		"network":       network,
	})
	if err != nil {
		return SettleResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/settle", bytes.NewReader(payload))
	if err != nil {
		return SettleResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return SettleResult{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return SettleResult{}, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return SettleResult{}, fmt.Errorf("settle returned %d: %s", res.StatusCode, bytes.TrimSpace(body))
	}
	var result SettleResult
	if err := json.Unmarshal(body, &result); err != nil {
		return SettleResult{}, fmt.Errorf("decoding settle response: %w", err)
	}
	if result.TxHash == "" {
		return SettleResult{}, errors.New("settle response missing txHash")
	}
	c.log.Infof("settled %s to %s tx=%s", auth.Amount, auth.PayTo, result.TxHash)
	return result, nil
}
