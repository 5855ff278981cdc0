// Package genai is the client for the external content-generation capability
// (an OpenAI-compatible chat completion endpoint). It owns retry/backoff for
// transient provider overload and the parsing of structured responses.
package genai

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
)

const (
	defaultTimeout = 120 * time.Second
	maxRetries     = 3
	initialBackoff = 1 * time.Second
)

// ErrOverloaded signals transient provider overload; the only retry-worthy
// failure. It is fully absorbed by the client's retry loop and surfaces only
// once retries are exhausted.
var ErrOverloaded = errors.New("generation provider overloaded")

// ErrBadResponse signals a structured response that could not be parsed even
// after fence stripping. Never retried.
var ErrBadResponse = errors.New("malformed generation response")

// Client calls the generation capability.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	backoff    time.Duration // initial retry delay, doubled per attempt
}

// NewClient creates a generation client for the given endpoint and model.
func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		backoff: initialBackoff,
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate sends the prompt and returns the provider's text answer. When
// structured is true the provider is asked for a JSON object response. On the
// overload signal the call is retried up to 3 times with exponential backoff
// (1s, 2s, 4s); every other failure is terminal.
func (c *Client) Generate(ctx context.Context, prompt string, structured bool) (string, error) {
	req := chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	if structured {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	delay := c.backoff
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		text, err := c.doGenerate(ctx, body)
		if err == nil {
			return text, nil
		}
		if !errors.Is(err, ErrOverloaded) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("exhausted %d retries: %w", maxRetries, lastErr)
}

func (c *Client) doGenerate(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling generation endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("status %d: %w", resp.StatusCode, ErrOverloaded)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("generation endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty choices: %w", ErrBadResponse)
	}
	text := parsed.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty completion: %w", ErrBadResponse)
	}
	return text, nil
}

// GenerateInto requests a structured answer and unmarshals it into out.
// Providers sometimes wrap JSON answers in markdown fences despite being
// asked not to; fencing is stripped before parsing. A body that still fails
// to parse is ErrBadResponse, a contract violation, never retried.
func (c *Client) GenerateInto(ctx context.Context, prompt string, out any) error {
	text, err := c.Generate(ctx, prompt, true)
	if err != nil {
		return err
	}
	cleaned := StripFences(text)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("parsing structured response: %v: %w", err, ErrBadResponse)
	}
	return nil
}

// StripFences removes a surrounding markdown code fence (```json ... ``` or
// plain ``` ... ```) from a response body, returning the inner text. Bodies
// without fencing are returned trimmed.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	// Drop the opening fence line (``` or ```json).
	nl := strings.IndexByte(trimmed, '\n')
	if nl < 0 {
		return trimmed
	}
	inner := trimmed[nl+1:]
	if end := strings.LastIndex(inner, "```"); end >= 0 {
		inner = inner[:end]
	}
	return strings.TrimSpace(inner)
}
