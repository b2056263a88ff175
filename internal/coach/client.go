package coach

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ent0n29/pitchcoach/internal/reliability"
)

const maxErrorBody = 16 << 10

// Client calls a remote coach over HTTP. It never retries.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient targets baseURL (for example "http://localhost:8080"). A zero
// timeout leaves requests bounded only by their context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	body, err := c.post(ctx, "/api/chat", req)
	if err != nil {
		return ChatResponse{}, err
	}
	var out ChatResponse
	if err := sonic.Unmarshal(body, &out); err != nil {
		return ChatResponse{}, fmt.Errorf("decode chat response: %w", err)
	}
	return out, nil
}

// Analyze returns the response body unparsed so the caller applies the same
// validation as for in-process analysis.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (string, error) {
	body, err := c.post(ctx, "/api/analyze", req)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, decodeAPIError(res.StatusCode, raw)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

func decodeAPIError(status int, raw []byte) *APIError {
	apiErr := &APIError{
		Status:    status,
		Message:   http.StatusText(status),
		Retryable: reliability.IsRetryableHTTPStatus(status),
	}
	var body ErrorBody
	if err := sonic.Unmarshal(raw, &body); err != nil {
		apiErr.Details = strings.TrimSpace(string(raw))
		return apiErr
	}
	if strings.TrimSpace(body.Error) != "" {
		apiErr.Message = body.Error
	}
	switch d := body.Details.(type) {
	case nil:
	case string:
		apiErr.Details = d
	default:
		if encoded, err := sonic.MarshalString(d); err == nil {
			apiErr.Details = encoded
		}
	}
	return apiErr
}
