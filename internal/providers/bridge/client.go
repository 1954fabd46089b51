// Package bridge is the client of the external route provider: it prepares buy, sell,
// transfer and onramp quotes and reports bridge and onramp progress.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"crosspay/internal/payment/domain"
)

// Config holds route provider configuration.
type Config struct {
	BaseURL   string        `envconfig:"BRIDGE_BASE_URL" required:"true"`
	ClientID  string        `envconfig:"BRIDGE_CLIENT_ID" required:"true"`
	SecretKey string        `envconfig:"BRIDGE_SECRET_KEY"`
	Timeout   time.Duration `envconfig:"BRIDGE_TIMEOUT" default:"20s"`
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps the response onto the payment error taxonomy. Server errors are
// retryable network failures and rejected requests mean the route is invalid.
func (e *APIError) Unwrap() error {
	if e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests {
		return domain.ErrNetwork
	}
	return domain.ErrQuoteInvalid
}

// ErrNotFound is returned when the provider does not know the requested resource.
var ErrNotFound = errors.New("bridge: not found")

// Client calls the route provider.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new route provider client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.config.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Client-Id", c.config.ClientID)
	if c.config.SecretKey != "" {
		req.Header.Set("X-Secret-Key", c.config.SecretKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridge request %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("bridge request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	var env envelope
	_ = json.Unmarshal(respBody, &env)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("unmarshal response: missing data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// Token returns the token descriptor for an address on a chain.
func (c *Client) Token(ctx context.Context, chainID int64, address string) (domain.Token, error) {
	q := url.Values{}
	q.Set("chainId", strconv.FormatInt(chainID, 10))
	q.Set("tokenAddress", address)

	var tokens []wireToken
	if err := c.do(ctx, http.MethodGet, "/v1/tokens", q, nil, &tokens); err != nil {
		return domain.Token{}, fmt.Errorf("get token: %w", err)
	}
	if len(tokens) == 0 {
		return domain.Token{}, fmt.Errorf("get token %d/%s: %w", chainID, address, ErrNotFound)
	}
	return tokens[0].domain(), nil
}
