package escrowlinesdk

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
)

// Client is a minimal Escrowline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Escrow represents the API escrow model (partial).
type Escrow struct {
	ID            string `json:"id"`
	Requester     string `json:"requester"`
	State         string `json:"state"`
	Balance       int64  `json:"balance"`
	ExpectedTasks int64  `json:"expected_tasks"`
	TaskReward    int64  `json:"task_reward"`
}

// Oracle is one trusted-oracle set member.
type Oracle struct {
	ID      string `json:"id"`
	Account string `json:"account,omitempty"`
	Weight  int64  `json:"weight"`
}

// Result is a worker's quorum outcome.
type Result struct {
	EscrowID     string `json:"escrow_id"`
	WorkerID     string `json:"worker_id"`
	Status       string `json:"status"`
	ValidatedSeq *int64 `json:"validated_seq,omitempty"`
}

// PlanEntry is one transfer within a payout plan.
type PlanEntry struct {
	Seq       int64  `json:"seq"`
	Kind      string `json:"kind"`
	WorkerID  string `json:"worker_id,omitempty"`
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// Plan is a payout plan.
type Plan struct {
	ID       string      `json:"id"`
	EscrowID string      `json:"escrow_id"`
	Checksum string      `json:"checksum"`
	Status   string      `json:"status"`
	Total    int64       `json:"total"`
	Entries  []PlanEntry `json:"entries,omitempty"`
}

// Status is the full escrow view.
type Status struct {
	Escrow    Escrow   `json:"escrow"`
	Oracles   []Oracle `json:"oracles"`
	Results   []Result `json:"results"`
	Plans     []Plan   `json:"plans"`
	PaidTotal int64    `json:"paid_total"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EscrowID   string `json:"escrow_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEscrowOptions are parameters for CreateEscrow.
type CreateEscrowOptions struct {
	Requester     string   `json:"requester"`
	RequesterAcct string   `json:"requester_account"`
	ManifestURL   string   `json:"manifest_url,omitempty"`
	ManifestHash  string   `json:"manifest_hash,omitempty"`
	ExpectedTasks int64    `json:"expected_tasks"`
	TaskReward    int64    `json:"task_reward"`
	MinFunding    *int64   `json:"min_funding,omitempty"`
	FeeBps        *int64   `json:"fee_bps,omitempty"`
	FeeAccount    string   `json:"fee_account,omitempty"`
	QuorumWeight  *int64   `json:"quorum_weight,omitempty"`
	Oracles       []Oracle `json:"oracles,omitempty"`
}

// CreateEscrow launches a new escrow.
func (c *Client) CreateEscrow(ctx context.Context, opts CreateEscrowOptions) (Escrow, error) {
	var resp Escrow
	err := c.do(ctx, http.MethodPost, "v0/escrows", opts, &resp)
	return resp, err
}

// Fund records a funding deposit.
func (c *Client) Fund(ctx context.Context, escrowID string, amount int64, txRef string) (Escrow, error) {
	body := map[string]any{"amount": amount, "tx_ref": txRef}
	var resp Escrow
	err := c.do(ctx, http.MethodPost, c.escrowPath(escrowID, "fund"), body, &resp)
	return resp, err
}

// SubmitResult submits one oracle attestation for a worker.
func (c *Client) SubmitResult(ctx context.Context, escrowID, workerID, workerAcct, oracleID, payload string) (Result, error) {
	body := map[string]any{
		"worker_id":      workerID,
		"worker_account": workerAcct,
		"oracle_id":      oracleID,
		"payload":        payload,
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, c.escrowPath(escrowID, "results"), body, &resp)
	return resp, err
}

// Settle derives and executes the payout plan.
func (c *Client) Settle(ctx context.Context, escrowID string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodPost, c.escrowPath(escrowID, "settle"), nil, &resp)
	return resp, err
}

// Cancel aborts the escrow and refunds the requester.
func (c *Client) Cancel(ctx context.Context, escrowID string) (Escrow, error) {
	var resp Escrow
	err := c.do(ctx, http.MethodPost, c.escrowPath(escrowID, "cancel"), nil, &resp)
	return resp, err
}

// Complete closes a fully paid escrow.
func (c *Client) Complete(ctx context.Context, escrowID string) (Escrow, error) {
	var resp Escrow
	err := c.do(ctx, http.MethodPost, c.escrowPath(escrowID, "complete"), nil, &resp)
	return resp, err
}

// GetStatus returns the escrow with results, plans and transfers.
func (c *Client) GetStatus(ctx context.Context, escrowID string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.escrowPath(escrowID, ""), nil, &resp)
	return resp, err
}

// GetPlan fetches one payout plan.
func (c *Client) GetPlan(ctx context.Context, escrowID, planID string) (Plan, error) {
	var resp Plan
	endpoint := c.escrowPath(escrowID, "plans/"+url.PathEscape(planID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, optionally scoped to one escrow.
func (c *Client) Events(ctx context.Context, escrowID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if escrowID != "" {
		params.Set("escrow_id", escrowID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) escrowPath(escrowID, p string) string {
	base := "v0/escrows/" + url.PathEscape(escrowID)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
