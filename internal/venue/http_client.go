package venue

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"kaskade/internal/domain"
	"kaskade/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrPayloadMissing is returned when a build succeeds without a transfer payload.
var ErrPayloadMissing = errors.New("trade payload missing")

// Default configuration values.
const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 200 * time.Millisecond
	DefaultMaxDelay    = 2 * time.Second
	DefaultBackoffMult = 2.0
)

// HTTPClient implements Simulator and TradeBuilder against the swap API.
type HTTPClient struct {
	baseURL     string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts for simulation calls.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a client for the swap API rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	_ Simulator    = (*HTTPClient)(nil)
	_ TradeBuilder = (*HTTPClient)(nil)
)

type simulateRequest struct {
	Base     string `json:"base"`
	Quote    string `json:"quote"`
	AmountIn string `json:"amount_in"`
}

type simulateResponse struct {
	AmountOut   string  `json:"amount_out"`
	SlippageBps float64 `json:"slippage_bps"`
}

type buildRequest struct {
	Base           string `json:"base"`
	Quote          string `json:"quote"`
	AmountIn       string `json:"amount_in"`
	Destination    string `json:"destination"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type buildResponse struct {
	AmountOut string `json:"amount_out"`
	Payload   string `json:"payload"` // base64
	RouteID   string `json:"route_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Simulate calls POST /v1/simulate. Transient failures are retried with backoff.
func (c *HTTPClient) Simulate(ctx context.Context, pair domain.Pair, amountIn uint64) (*Simulation, error) {
	req := simulateRequest{
		Base:     pair.Base,
		Quote:    pair.Quote,
		AmountIn: strconv.FormatUint(amountIn, 10),
	}

	var resp simulateResponse
	if err := c.callWithRetry(ctx, "simulate", "/v1/simulate", req, &resp); err != nil {
		return nil, err
	}

	out, err := ParseAmount(resp.AmountOut)
	if err != nil {
		return nil, Permanent("simulate", err)
	}
	return &Simulation{AmountIn: amountIn, AmountOut: out, SlippageBps: resp.SlippageBps}, nil
}

// Build calls POST /v1/build once. Retrying is the scheduler's job on a later tick.
func (c *HTTPClient) Build(ctx context.Context, r BuildRequest) (*BuildResult, error) {
	req := buildRequest{
		Base:           r.Pair.Base,
		Quote:          r.Pair.Quote,
		AmountIn:       strconv.FormatUint(r.AmountIn, 10),
		Destination:    r.Destination,
		IdempotencyKey: r.IdempotencyKey,
	}

	var resp buildResponse
	if err := c.call(ctx, "build", "/v1/build", req, &resp); err != nil {
		return nil, err
	}

	out, err := ParseAmount(resp.AmountOut)
	if err != nil {
		return nil, Permanent("build", err)
	}
	payload, err := base64.StdEncoding.DecodeString(resp.Payload)
	if err != nil {
		return nil, Permanent("build", fmt.Errorf("decode payload: %w", err))
	}
	if len(payload) == 0 {
		return nil, Permanent("build", ErrPayloadMissing)
	}
	return &BuildResult{AmountOut: out, Payload: payload, RouteID: resp.RouteID}, nil
}

// callWithRetry retries transient failures with exponential backoff.
func (c *HTTPClient) callWithRetry(ctx context.Context, op, path string, req, result interface{}) error {
	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Transient(op, ctx.Err())
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		lastErr = c.call(ctx, op, path, req, result)
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// call performs one POST and classifies the failure.
func (c *HTTPClient) call(ctx context.Context, op, path string, req, result interface{}) error {
	start := time.Now()
	err := c.do(ctx, op, path, req, result)
	observability.RecordVenueCall(op, time.Since(start).Seconds(), err)
	return err
}

func (c *HTTPClient) do(ctx context.Context, op, path string, req, result interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return Permanent(op, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Permanent(op, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Transient(op, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transient(op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(op, resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return Permanent(op, fmt.Errorf("unmarshal response: %w", err))
	}
	return nil
}

// classifyStatus maps 408, 429 and 5xx to transient and other statuses to permanent.
func classifyStatus(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	err := fmt.Errorf("status %d: %s", status, msg)

	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Transient(op, err)
	default:
		return Permanent(op, err)
	}
}
