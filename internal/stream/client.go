package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/trainstream/internal/config"
	"github.com/saltfish/trainstream/internal/domain"
)

// maxErrorBody caps how much of a failed response is read for its diagnostic.
const maxErrorBody = 64 << 10

// TransportError is a failure to open the training stream: the connection
// could not be made or the service answered with a non-success status.
type TransportError struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		if e.Detail != "" {
			return fmt.Sprintf("training service returned %d: %s", e.StatusCode, e.Detail)
		}
		return fmt.Sprintf("training service returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("connect to training service: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client submits training requests and returns their event stream.
type Client struct {
	streamURL  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client for the configured training service.
func NewClient(cfg config.TrainingServiceConfig, logger *zap.Logger) (*Client, error) {
	streamURL, err := cfg.StreamURL()
	if err != nil {
		return nil, fmt.Errorf("invalid training service url: %w", err)
	}

	timeout := cfg.ConnectTimeoutDuration()
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: timeout,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}

	return &Client{
		streamURL: streamURL,
		// No overall timeout: the body stays open for the whole run.
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
	}, nil
}

// NewClientWithHTTP creates a client using an existing HTTP client.
func NewClientWithHTTP(streamURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	return &Client{streamURL: streamURL, httpClient: httpClient, logger: logger}
}

// Open posts the request and returns the streaming response body.
// The caller must close the body.
func (c *Client) Open(ctx context.Context, req domain.TrainingRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal training request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.streamURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build training request: %w", err)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	httpReq.Header.Set("X-Request-ID", requestID)

	c.logger.Debug("Opening training stream",
		zap.String("url", c.streamURL),
		zap.String("request_id", requestID),
		zap.Int64("instrument_token", req.InstrumentToken),
		zap.String("interval", req.Interval),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Detail:     errorDetail(body),
		}
	}

	return resp.Body, nil
}

// Opener binds a request to the OpenFunc the Driver expects.
func (c *Client) Opener(req domain.TrainingRequest) OpenFunc {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return c.Open(ctx, req)
	}
}

// errorDetail extracts the diagnostic from an error body. JSON bodies of the
// form {"detail": ...} yield the detail; anything else is returned trimmed.
func errorDetail(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}

	var shaped struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &shaped); err != nil {
		return truncate(string(body), 512)
	}

	if len(shaped.Detail) > 0 {
		var s string
		if err := json.Unmarshal(shaped.Detail, &s); err == nil {
			return s
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, shaped.Detail); err == nil {
			return truncate(compact.String(), 512)
		}
	}
	if shaped.Message != "" {
		return shaped.Message
	}
	if shaped.Error != "" {
		return shaped.Error
	}
	return truncate(string(body), 512)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
