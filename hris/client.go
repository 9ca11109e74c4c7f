/*
Package hris talks to the HRIS that owns payroll deductions.

PURPOSE:
  Implements benefits.DeductionClient two ways:

  Client:   JSON over HTTP against the HRIS integration gateway
  Recorder: In-memory stand-in that records every request, used in tests
            and in dev mode

WIRE FORMAT (Client):
  POST {base}/tenants/{tenantID}/deductions
  Authorization: Bearer {api key}
  {"employee_id": "...", "amount": "4500.00"}
  -> 2xx {"success": true, "deduction_id": "..."}
  -> 2xx {"success": false, "error": "..."}   rejected by the HRIS
  -> non-2xx                                  *APIError

  Requests are not retried; a failed deduction is retried by reprocessing.
*/
package hris

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/payroll-engine/benefits"
)

// DefaultTimeout bounds one deduction request.
const DefaultTimeout = 10 * time.Second

// ErrNotConfigured is returned when the client has no base URL.
var ErrNotConfigured = errors.New("hris client not configured")

// APIError is a non-2xx answer from the HRIS.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hris API error (%d): %s", e.StatusCode, e.Message)
}

// Client is the HTTP DeductionClient.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger
}

var _ benefits.DeductionClient = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a client for baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CreateDeduction pushes one deduction.
func (c *Client) CreateDeduction(ctx context.Context, tenantID string, req benefits.DeductionRequest) (benefits.DeductionResult, error) {
	if c.baseURL == "" {
		return benefits.DeductionResult{}, ErrNotConfigured
	}

	body, err := json.Marshal(req)
	if err != nil {
		return benefits.DeductionResult{}, fmt.Errorf("marshal deduction: %w", err)
	}

	endpoint := fmt.Sprintf("%s/tenants/%s/deductions", c.baseURL, url.PathEscape(tenantID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return benefits.DeductionResult{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return benefits.DeductionResult{}, fmt.Errorf("hris request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return benefits.DeductionResult{}, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(respBody))
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil {
			if eb.Error != "" {
				msg = eb.Error
			} else if eb.Message != "" {
				msg = eb.Message
			}
		}
		c.log.Warn().Int("status", resp.StatusCode).Str("tenant_id", tenantID).Str("employee_id", req.EmployeeID).Msg("hris rejected deduction request")
		return benefits.DeductionResult{}, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	var result benefits.DeductionResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return benefits.DeductionResult{}, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}
