// Package chat calls an OpenAI-compatible completion endpoint to answer
// chatbot queries relayed from the mesh. Responses are short by construction;
// the radio transport imposes its own length limit downstream.
package chat

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

	"github.com/metrastics/meshwatch/internal/config"
)

// requestTimeout bounds a single completion call. Mesh senders give up long
// before a slow upstream would.
const requestTimeout = 15 * time.Second

// ConnectionError reports that the upstream API was unreachable.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("chat: upstream unreachable: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RateLimitError reports an HTTP 429 from the upstream API.
type RateLimitError struct {
	Detail string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("chat: rate limited: %s", e.Detail)
}

// StatusError reports any other non-success HTTP status.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat: upstream status %d: %s", e.Code, e.Detail)
}

// Client issues completion requests against a configured endpoint.
type Client struct {
	cfg  config.ChatConfig
	http *http.Client
}

func NewClient(cfg config.ChatConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: requestTimeout},
	}
}

// Enabled reports whether the client has credentials to operate.
func (c *Client) Enabled() bool {
	return c.cfg.APIKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends query to the completion endpoint and returns the reply text.
// Transport failures map to ConnectionError, HTTP 429 to RateLimitError, and
// any other non-2xx status to StatusError.
func (c *Client) Complete(ctx context.Context, query string) (string, error) {
	if !c.Enabled() {
		return "", errors.New("chat: no API key configured")
	}

	messages := []chatMessage{}
	if c.cfg.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: c.cfg.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: query})

	body, err := json.Marshal(completionRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat: encode request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("chat: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &ConnectionError{Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &RateLimitError{Detail: errorDetail(raw)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Code: resp.StatusCode, Detail: errorDetail(raw)}
	}

	var parsed completionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("chat: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("chat: response carried no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// errorDetail extracts the upstream error message when the body is the usual
// {"error":{"message":...}} shape, falling back to the raw body.
func errorDetail(raw []byte) string {
	var parsed completionResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil {
		return parsed.Error.Message
	}
	detail := strings.TrimSpace(string(raw))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return detail
}
