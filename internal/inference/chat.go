// SPDX-License-Identifier: MIT

package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// maxCompletionTokens caps every completion request. Generation and
// refinement prompts both expect long JSON answers.
const maxCompletionTokens = 15000

var chatCallTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "clipline",
	Name:      "inference_calls_total",
	Help:      "Chat-completions calls by result",
}, []string{"result"})

// ChatMessage is one conversation turn. Content is either a plain
// string or a []ContentPart for multimodal requests.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one item of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	VideoURL *VideoURL `json:"video_url,omitempty"`
}

type VideoURL struct {
	URL string `json:"url"`
}

// TextMessage builds a plain user message.
func TextMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

// VideoMessage builds a user message carrying the prompt text plus a
// video the model should watch.
func VideoMessage(text, videoURL string) ChatMessage {
	return ChatMessage{Role: "user", Content: []ContentPart{
		{Type: "text", Text: text},
		{Type: "video_url", VideoURL: &VideoURL{URL: videoURL}},
	}}
}

type chatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Model       string        `json:"model,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	TopK        *int          `json:"top_k,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ChatParams carries per-call sampling settings. Model, TopP and TopK
// are omitted from the wire request when unset.
type ChatParams struct {
	Temperature float64
	Model       string
	TopP        *float64
	TopK        *int
}

// ChatClient speaks the chat-completions wire format.
type ChatClient struct {
	http   *http.Client
	logger zerolog.Logger
}

// NewChatClient builds a client with the given overall call timeout.
// Zero selects the 600 s inference default.
func NewChatClient(timeout time.Duration, logger zerolog.Logger) *ChatClient {
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	return &ChatClient{http: newClient(timeout), logger: logger}
}

// Complete posts the messages and returns the first choice's content.
func (c *ChatClient) Complete(ctx context.Context, url string, messages []ChatMessage, params ChatParams) (string, error) {
	body, err := json.Marshal(chatRequest{
		Messages:    messages,
		MaxTokens:   maxCompletionTokens,
		Temperature: params.Temperature,
		Model:       params.Model,
		TopP:        params.TopP,
		TopK:        params.TopK,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		chatCallTotal.WithLabelValues("transport_error").Inc()
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		chatCallTotal.WithLabelValues("http_error").Inc()
		return "", fmt.Errorf("chat request: %w", statusErr(resp))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		chatCallTotal.WithLabelValues("decode_error").Inc()
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != nil {
		chatCallTotal.WithLabelValues("service_error").Inc()
		return "", fmt.Errorf("chat request: service error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		chatCallTotal.WithLabelValues("empty").Inc()
		return "", errors.New("chat response has no choices")
	}

	chatCallTotal.WithLabelValues("ok").Inc()
	c.logger.Debug().
		Str("model", parsed.Model).
		Dur("elapsed", time.Since(start)).
		Int("content_bytes", len(parsed.Choices[0].Message.Content)).
		Msg("chat completion received")
	return parsed.Choices[0].Message.Content, nil
}
