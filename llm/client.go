package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	MaxTokens     int
	Temperature   float64
	Timeout       time.Duration
}

// Client talks to an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	cfg  Config
	HTTP *http.Client
	// fallbackDelay is the pause before retrying on the fallback model.
	fallbackDelay time.Duration
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type ChatResponse struct {
	Model   string
	Content string
}

func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:8000/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "local"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Client{
		cfg:           cfg,
		HTTP:          &http.Client{Timeout: cfg.Timeout},
		fallbackDelay: 250 * time.Millisecond,
	}
}

// CreateChatCompletion sends req, filling model and limits from the client
// config. A transient failure is retried once on the fallback model.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if req.Model == "" {
		req.Model = c.cfg.Model
	}
	if req.MaxTokens <= 0 || req.MaxTokens > c.cfg.MaxTokens {
		req.MaxTokens = c.cfg.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = c.cfg.Temperature
	}

	resp, err := c.do(ctx, req)
	fallback := c.cfg.FallbackModel
	if err == nil || !errors.Is(err, ErrTransient) || fallback == "" || fallback == req.Model {
		return resp, err
	}

	select {
	case <-ctx.Done():
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
	case <-time.After(c.fallbackDelay):
	}
	req.Model = fallback
	resp, ferr := c.do(ctx, req)
	if ferr != nil {
		return ChatResponse{}, fmt.Errorf("fallback %s: %w", fallback, ferr)
	}
	return resp, nil
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) do(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: encode request: %v", ErrPermanent, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out chatCompletion
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return ChatResponse{}, fmt.Errorf("%w: decode error: %v", ErrTransient, err)
		}
		content := ""
		if len(out.Choices) > 0 {
			content = strings.TrimSpace(out.Choices[0].Message.Content)
		}
		return ChatResponse{Model: req.Model, Content: content}, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return ChatResponse{}, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	default:
		return ChatResponse{}, fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
	}
}
