package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hammerline/auction-backend/shared"
)

// Processor is the external payment provider the settlement and verification
// flows collaborate with. Capture and Payout are idempotent at the provider
// when the same idempotency key is supplied.
type Processor interface {
	VerifyInstrument(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
	Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error)
	Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
}

// VerifyRequest asks the provider to run a card-verification challenge.
type VerifyRequest struct {
	BidderID        string `json:"bidder_id"`
	SessionScope    string `json:"session_scope"`
	InstrumentToken string `json:"instrument_token"`
}

// VerifyResult reports the challenge outcome.
type VerifyResult struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// CaptureRequest charges the winning bidder's verified instrument.
type CaptureRequest struct {
	LotID          string          `json:"lot_id"`
	BidderID       string          `json:"bidder_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"-"`
}

// CaptureResult carries the provider's capture reference.
type CaptureResult struct {
	Reference string `json:"reference"`
}

// PayoutRequest transfers the seller's net proceeds.
type PayoutRequest struct {
	LotID          string          `json:"lot_id"`
	SellerID       string          `json:"seller_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"-"`
}

// PayoutResult carries the provider's payout reference.
type PayoutResult struct {
	Reference string `json:"reference"`
}

// DeclineError is a permanent refusal by the provider (insufficient funds,
// blocked card). It must not be retried; the settlement flow records it and
// flags the bidder instead.
type DeclineError struct {
	Reason string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("payment declined: %s", e.Reason)
}

// Client is the HTTP implementation of Processor. Transient failures
// (network errors, 5xx, 429) are retried with exponential backoff; declines
// and other 4xx responses are returned immediately. A failure-rate circuit
// breaker sheds load when the provider is down.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	isolation  *shared.ErrorIsolationHandler
	maxRetries int
}

// NewClient creates a payment processor client against the given base URL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
			},
		},
		isolation:  shared.NewErrorIsolationHandler("payment-processor", 0.5),
		maxRetries: 3,
	}
}

func (c *Client) VerifyInstrument(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	var result VerifyResult
	if err := c.post(ctx, "/v1/verifications", "", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	var result CaptureResult
	if err := c.post(ctx, "/v1/captures", req.IdempotencyKey, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	var result PayoutResult
	if err := c.post(ctx, "/v1/payouts", req.IdempotencyKey, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body, out interface{}) error {
	return c.isolation.Execute(path, func() error {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}

		logger := logrus.WithFields(logrus.Fields{
			"component": "PaymentClient",
			"path":      path,
		})

		var lastErr error
		for attempt := 0; attempt <= c.maxRetries; attempt++ {
			if attempt > 0 {
				backoff := time.Duration(1<<uint(attempt-1)) * time.Second
				logger.WithFields(logrus.Fields{
					"attempt": attempt + 1,
					"backoff": backoff,
				}).Debug("Retrying payment request after backoff")

				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			retryable, err := c.doOnce(ctx, path, idempotencyKey, payload, out)
			if err == nil {
				return nil
			}
			if !retryable {
				return err
			}
			lastErr = err
		}

		return shared.WrapError(
			fmt.Errorf("payment request failed after %d attempts: %w", c.maxRetries+1, lastErr),
			shared.ErrorCategoryExternal, "PAYMENT_API_UNAVAILABLE", "payment-processor", path, true)
	})
}

// doOnce performs one HTTP attempt. The bool return reports whether the
// failure is transient and worth retrying.
func (c *Client) doOnce(ctx context.Context, path, idempotencyKey string, payload []byte, out interface{}) (bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to build payment request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idempotencyKey != "" {
		request.Header.Set("Idempotency-Key", idempotencyKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return true, fmt.Errorf("payment request failed: %w", err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return true, fmt.Errorf("failed to read payment response: %w", err)
	}

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		if out != nil {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return false, fmt.Errorf("failed to decode payment response: %w", err)
			}
		}
		return false, nil

	case response.StatusCode == http.StatusPaymentRequired:
		var decline struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(responseBody, &decline); err != nil || decline.Reason == "" {
			decline.Reason = "declined"
		}
		return false, &DeclineError{Reason: decline.Reason}

	case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500:
		return true, fmt.Errorf("payment API returned HTTP %d: %s", response.StatusCode, string(responseBody))

	default:
		return false, fmt.Errorf("payment API rejected request with HTTP %d: %s", response.StatusCode, string(responseBody))
	}
}
