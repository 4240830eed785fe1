package ai

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

	log "github.com/sirupsen/logrus"
)

const (
	maxResponseBytes = 1 << 20
	maxContextLength = 8000
	maxRetries       = 3
	initialDelay     = 500 * time.Millisecond
)

// ErrUnavailable is returned when the generator cannot be reached or keeps
// failing. Callers may retry later.
var ErrUnavailable = errors.New("ai generator unavailable")

type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   log.FieldLogger
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func NewClient(endpoint, apiKey string, timeout time.Duration, logger log.FieldLogger) *Client {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.WithField("component", "ai"),
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.endpoint != ""
}

// Generate asks the generator for a response of req.Kind and returns it
// decoded and validated.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	if !c.Enabled() {
		return Response{}, fmt.Errorf("%w: no endpoint configured", ErrUnavailable)
	}
	if _, ok := ParseKind(string(req.Kind)); !ok {
		return Response{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidResponse, req.Kind)
	}
	if strings.TrimSpace(req.Context) == "" || len(req.Context) > maxContextLength {
		return Response{}, fmt.Errorf("%w: context must be 1-%d characters", ErrInvalidResponse, maxContextLength)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal ai request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := initialDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
		}

		raw, status, err := c.post(ctx, body)
		if err != nil {
			lastErr = err
			c.logger.WithError(err).WithField("attempt", attempt+1).Warn("ai request failed")
			continue
		}
		if status != http.StatusOK {
			var apiErr apiError
			if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
				lastErr = fmt.Errorf("ai generator error (%d): %s", status, apiErr.Error.Message)
			} else {
				lastErr = fmt.Errorf("ai generator error (%d)", status)
			}
			if status == http.StatusTooManyRequests || status >= 500 {
				c.logger.WithError(lastErr).WithField("attempt", attempt+1).Warn("ai request failed")
				continue
			}
			return Response{}, lastErr
		}
		return Decode(req.Kind, raw)
	}
	return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create ai request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("ai request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, 0, fmt.Errorf("read ai response: %w", err)
	}
	if len(raw) > maxResponseBytes {
		return nil, 0, fmt.Errorf("%w: response exceeds %d bytes", ErrInvalidResponse, maxResponseBytes)
	}
	return raw, resp.StatusCode, nil
}
