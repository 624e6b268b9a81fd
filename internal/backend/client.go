// Package backend is the HTTP client for the Lightning payment backend:
// account provisioning, balance queries, and invoice creation. Errors are
// classified here so the caller's retry policy can tell transient faults
// from terminal ones.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lnwallet/internal/observability"
	"lnwallet/internal/retry"
)

const (
	apiKeyHeader = "X-Api-Key"
	// requestIDHeader correlates client attempts with backend logs.
	requestIDHeader = "X-Request-Id"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Op     string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend %s: status %d: %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("backend %s: status %d", e.Op, e.Status)
}

// AuthError is a credential rejection (401/403). Terminal: retrying with
// the same key cannot succeed.
type AuthError struct {
	Op     string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("backend %s: authentication rejected (status %d)", e.Op, e.Status)
}

// Client issues requests against the backend REST API. Each method
// performs a single attempt; retrying is the caller's concern.
type Client struct {
	baseURL     string
	adminAPIKey string
	http        *http.Client
	log         zerolog.Logger
	metrics     *observability.Metrics
}

// Config for the backend client.
type Config struct {
	// BaseURL is the backend root, e.g. "https://legend.lnbits.example".
	BaseURL string
	// AdminAPIKey authorizes account provisioning and the payment
	// subscription.
	AdminAPIKey string
	// Timeout bounds each single HTTP attempt. The retry policy's
	// attempt budget bounds the total.
	Timeout time.Duration
}

// New creates a backend client.
func New(cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		adminAPIKey: cfg.AdminAPIKey,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
		log:     log,
		metrics: metrics,
	}
}

// CreateAccount provisions a new backend account and returns its
// identifier and credentials.
func (c *Client) CreateAccount(ctx context.Context, name string) (Account, error) {
	var resp createAccountResponse
	err := c.call(ctx, "create_account", http.MethodPost, "/api/v1/account",
		c.adminAPIKey, createAccountRequest{Name: name}, &resp)
	if err != nil {
		return Account{}, err
	}
	if resp.ID == "" || resp.AdminKey == "" || resp.InvoiceKey == "" {
		return Account{}, retry.Permanent(fmt.Errorf("backend create_account: incomplete response for %q", name))
	}

	return Account{
		ID:         resp.ID,
		Name:       resp.Name,
		AdminKey:   resp.AdminKey,
		InvoiceKey: resp.InvoiceKey,
	}, nil
}

// Balance queries the wallet balance in millisatoshis using the
// account's invoice key.
func (c *Client) Balance(ctx context.Context, invoiceKey string) (int64, error) {
	var resp walletResponse
	err := c.call(ctx, "balance", http.MethodGet, "/api/v1/wallet", invoiceKey, nil, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// CreateInvoice requests a new inbound invoice on the account.
func (c *Client) CreateInvoice(ctx context.Context, invoiceKey string, amountMsat int64, memo string) (Invoice, error) {
	if amountMsat <= 0 {
		return Invoice{}, retry.Permanent(fmt.Errorf("backend create_invoice: amount must be positive, got %d", amountMsat))
	}

	var resp createInvoiceResponse
	err := c.call(ctx, "create_invoice", http.MethodPost, "/api/v1/payments",
		invoiceKey, createInvoiceRequest{Out: false, Amount: amountMsat, Memo: memo, Unit: "msat"}, &resp)
	if err != nil {
		return Invoice{}, err
	}

	return Invoice{
		PaymentHash:    resp.PaymentHash,
		PaymentRequest: resp.PaymentRequest,
		CheckingID:     resp.CheckingID,
	}, nil
}

// SubscriptionURL is the websocket endpoint emitting payment frames for
// the given key.
func (c *Client) SubscriptionURL() string {
	ws := c.baseURL
	switch {
	case strings.HasPrefix(ws, "https"):
		ws = "wss" + ws[len("https"):]
	case strings.HasPrefix(ws, "http"):
		ws = "ws" + ws[len("http"):]
	}
	return ws + "/api/v1/ws/" + url.PathEscape(c.adminAPIKey)
}

// call performs one HTTP attempt and classifies the outcome:
// 401/403 -> terminal AuthError, other 4xx -> terminal APIError,
// 429/5xx and transport faults -> retryable.
func (c *Client) call(ctx context.Context, op, method, path, apiKey string, body, out interface{}) error {
	start := time.Now()
	err := c.doCall(ctx, op, method, path, apiKey, body, out)
	if c.metrics != nil {
		c.metrics.BackendCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			c.metrics.BackendCallErrors.WithLabelValues(op, errKind(err)).Inc()
		}
	}
	return err
}

func (c *Client) doCall(ctx context.Context, op, method, path, apiKey string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("backend %s: marshal request: %w", op, err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return retry.Permanent(fmt.Errorf("backend %s: build request: %w", op, err))
	}
	req.Header.Set(apiKeyHeader, apiKey)
	req.Header.Set(requestIDHeader, uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("backend %s: decode response: %w", op, err))
		}
		return nil
	}

	detail := readDetail(resp.Body)
	c.log.Warn().Str("op", op).Int("status", resp.StatusCode).Str("detail", detail).
		Msg("backend call failed")

	apiErr := &APIError{Op: op, Status: resp.StatusCode, Detail: detail}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return retry.Permanent(&AuthError{Op: op, Status: resp.StatusCode})
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apiErr
	default:
		return retry.Permanent(apiErr)
	}
}

func readDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var e apiErrorResponse
	if json.Unmarshal(data, &e) == nil && e.Detail != "" {
		return e.Detail
	}
	return strings.TrimSpace(string(data))
}

func errKind(err error) string {
	if retry.IsPermanent(err) {
		return "terminal"
	}
	return "transient"
}
