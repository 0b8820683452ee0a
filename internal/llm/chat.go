package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	OpenAIBaseURL   = "https://api.openai.com/v1"
	CerebrasBaseURL = "https://api.cerebras.ai/v1"
)

// ChatClient streams from an OpenAI-compatible chat completions endpoint
// (OpenAI, Cerebras).
type ChatClient struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	Model      string
	// Provider labels errors.
	Provider string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func NewOpenAIClient(apiKey, model string) *ChatClient {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return newChatClient("openai", OpenAIBaseURL, apiKey, model)
}

func NewCerebrasClient(apiKey, model string) *ChatClient {
	if model == "" {
		model = "llama-3.3-70b"
	}
	return newChatClient("cerebras", CerebrasBaseURL, apiKey, model)
}

func newChatClient(provider, baseURL, apiKey, model string) *ChatClient {
	// no client timeout: streams are bounded by the caller's context
	return &ChatClient{
		HTTPClient: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
		}},
		BaseURL:  baseURL,
		APIKey:   apiKey,
		Model:    model,
		Provider: provider,
	}
}

func (c *ChatClient) Stream(ctx context.Context, req Request) (Stream, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", c.Provider, ErrMissingKey)
	}
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	reqBody, err := json.Marshal(chatCompletionsRequest{
		Model:     c.Model,
		Messages:  messages,
		Stream:    true,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request: %w", c.Provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%s error: status=%d body=%s", c.Provider, resp.StatusCode, string(b))
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{provider: c.Provider, body: resp.Body, sc: sc}, nil
}

// sseStream reads "data: {...}" server-sent events until "data: [DONE]".
type sseStream struct {
	provider string
	body     io.ReadCloser
	sc       *bufio.Scanner
	done     bool
}

func (s *sseStream) Recv() (string, error) {
	for !s.done {
		if !s.sc.Scan() {
			s.done = true
			if err := s.sc.Err(); err != nil {
				return "", fmt.Errorf("%s: read stream: %w", s.provider, err)
			}
			return "", fmt.Errorf("%s: stream ended without [DONE]", s.provider)
		}
		line := strings.TrimSpace(s.sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			break
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", fmt.Errorf("%s: decode chunk: %w", s.provider, err)
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("%s: %s", s.provider, chunk.Error.Message)
		}
		var text strings.Builder
		for _, ch := range chunk.Choices {
			text.WriteString(ch.Delta.Content)
		}
		if text.Len() > 0 {
			return text.String(), nil
		}
	}
	return "", io.EOF
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
