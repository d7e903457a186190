package ledger

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

// HTTPClient talks to a remote ledger node over its JSON HTTP API.
type HTTPClient struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewHTTP creates a ledger client with sane defaults.
func NewHTTP(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

type transferResponse struct {
	TxRef string `json:"tx_ref"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

func (c *HTTPClient) SubmitTransfer(ctx context.Context, from, to string, amount int64) (string, error) {
	var resp transferResponse
	err := c.do(ctx, http.MethodPost, "transfers", transferRequest{From: from, To: to, Amount: amount}, &resp)
	if err != nil {
		return "", fmt.Errorf("submit transfer: %w", err)
	}
	if resp.TxRef == "" {
		return "", fmt.Errorf("submit transfer: %w: empty tx ref", ErrUnavailable)
	}
	return resp.TxRef, nil
}

func (c *HTTPClient) GetTransactionStatus(ctx context.Context, txRef string) (string, error) {
	var resp statusResponse
	endpoint := fmt.Sprintf("transfers/%s", url.PathEscape(txRef))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return "", fmt.Errorf("transaction status: %w", err)
	}
	switch resp.Status {
	case StatusPending, StatusConfirmed, StatusFailed:
		return resp.Status, nil
	default:
		return "", fmt.Errorf("transaction status: unknown status %q", resp.Status)
	}
}

func (c *HTTPClient) GetAccountBalance(ctx context.Context, account string) (int64, error) {
	var resp balanceResponse
	endpoint := fmt.Sprintf("accounts/%s/balance", url.PathEscape(account))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return 0, fmt.Errorf("account balance: %w", err)
	}
	return resp.Balance, nil
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status=%d body=%s", ErrUnavailable, resp.StatusCode, string(b))
		}
		return fmt.Errorf("ledger rejected request: status=%d body=%s", resp.StatusCode, string(b))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
