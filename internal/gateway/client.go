package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is the gateway's webhook payload. The gateway delivers events
// at-least-once; ID is globally unique and is the dedupe key.
type Event struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Tokens int    `json:"tokens"`
}

const EventPaymentSucceeded = "payment.succeeded"

// ParseEvent decodes and validates a webhook body.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("event missing id")
	}
	if ev.UserID == 0 {
		return nil, fmt.Errorf("event missing user_id")
	}
	return &ev, nil
}

type Options struct {
	BaseURL   string
	AccountID string
	Secret    string
}

// Client creates charges against the payment provider. Used by auto-reload;
// purchase checkouts go through the provider's hosted UI and arrive here only
// as webhook events.
type Client struct {
	baseURL    string
	accountID  string
	secret     string
	httpClient *http.Client
}

func NewClient(opts Options) *Client {
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		accountID: opts.AccountID,
		secret:    opts.Secret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type chargeResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CreateCharge bills the user's saved payment method for a token top-up and
// returns the provider's charge id, which doubles as the credit event id.
func (c *Client) CreateCharge(ctx context.Context, userID int64, tokens int) (string, error) {
	payload := map[string]any{
		"account_id":  fmt.Sprintf("%d", userID),
		"tokens":      tokens,
		"description": fmt.Sprintf("auto-reload %d tokens", tokens),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal charge: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/charges", strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("build charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())
	req.SetBasicAuth(c.accountID, c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("charge request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("charge request: status %d", resp.StatusCode)
	}

	var parsed chargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode charge response: %w", err)
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("invalid charge response (missing id)")
	}
	if parsed.Status == "failed" || parsed.Status == "canceled" {
		return "", fmt.Errorf("charge declined: status=%s", parsed.Status)
	}
	return parsed.ID, nil
}
