package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultTimeout = 10 * time.Second

// Client talks to a payment processor holding captured or authorized funds.
// It never retries; callers record failures for reconciliation.
type Client struct {
	Name    string
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func New(name, baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		Name:    name,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type RefundRequest struct {
	ProviderRef    string          `json:"provider_ref"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"-"`
}

type RefundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StatusError is returned for non-2xx gateway responses.
type StatusError struct {
	Gateway    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s refund failed: status %d", e.Gateway, e.StatusCode)
	}
	return fmt.Sprintf("%s refund failed: status %d: %s", e.Gateway, e.StatusCode, e.Body)
}

// Refund asks the processor to return funds for providerRef. Escrowed
// payments are held uncaptured, so the processor cancels the hold instead of
// reversing a charge.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (RefundResponse, error) {
	if strings.TrimSpace(req.ProviderRef) == "" {
		return RefundResponse{}, errors.New("provider reference required")
	}
	if c.BaseURL == "" {
		return RefundResponse{}, fmt.Errorf("%s base url not configured", c.Name)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return RefundResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/refunds", bytes.NewReader(data))
	if err != nil {
		return RefundResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return RefundResponse{}, fmt.Errorf("%s refund request: %w", c.Name, err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return RefundResponse{}, &StatusError{Gateway: c.Name, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var out RefundResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return RefundResponse{}, fmt.Errorf("%s refund response: %w", c.Name, err)
		}
	}
	return out, nil
}
