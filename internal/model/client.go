// Package model implements the decision source against an OpenAI-compatible
// chat-completions endpoint. The current screen is attached to the final user
// turn as a base64 data URL, which is the convention vision-capable servers
// expect.
package model

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/NoEdgeAI/iphoneclaw/internal/agent"
	"github.com/NoEdgeAI/iphoneclaw/internal/config"
	"github.com/NoEdgeAI/iphoneclaw/internal/conversation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client talks to one chat-completions endpoint.
type Client struct {
	cfg    config.ModelConfig
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds a client from config. The HTTP timeout covers the whole
// request including the model's generation time.
func NewClient(cfg config.ModelConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger.Named("model"),
	}
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Decide sends the conversation tail plus the current screen and returns the
// model's text response.
func (c *Client) Decide(ctx context.Context, msgs []conversation.Message, image []byte) (agent.Decision, error) {
	req := chatRequest{
		Model:       c.cfg.Name,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
	}

	lastUser := -1
	for i, m := range msgs {
		if m.Role == conversation.RoleUser {
			lastUser = i
		}
	}
	for i, m := range msgs {
		if i == lastUser && len(image) > 0 {
			req.Messages = append(req.Messages, chatMessage{
				Role: m.Role,
				Content: []contentPart{
					{Type: "text", Text: m.Content},
					{Type: "image_url", ImageURL: &imageURL{URL: dataURL(image)}},
				},
			})
			continue
		}
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	// A screen with no user turn to hang it on still has to reach the model.
	if lastUser == -1 && len(image) > 0 {
		req.Messages = append(req.Messages, chatMessage{
			Role: conversation.RoleUser,
			Content: []contentPart{
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL(image)}},
			},
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return agent.Decision{}, fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return agent.Decision{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return agent.Decision{}, fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return agent.Decision{}, fmt.Errorf("read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return agent.Decision{}, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return agent.Decision{}, fmt.Errorf("chat completion: status %d: %s", resp.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 {
		return agent.Decision{}, fmt.Errorf("chat completion: empty choices")
	}

	d := agent.Decision{
		Text:    parsed.Choices[0].Message.Content,
		Tokens:  parsed.Usage.TotalTokens,
		Elapsed: time.Since(start),
	}
	c.logger.Debug("decision received",
		zap.Int("tokens", d.Tokens),
		zap.Duration("elapsed", d.Elapsed),
		zap.String("finish_reason", parsed.Choices[0].FinishReason))
	return d, nil
}

// dataURL encodes image bytes as a data URL, sniffing JPEG vs PNG from the
// magic bytes.
func dataURL(image []byte) string {
	mime := "image/jpeg"
	if len(image) >= 8 && bytes.HasPrefix(image, []byte("\x89PNG\r\n\x1a\n")) {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
}
