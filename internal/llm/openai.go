package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/nugget/banter/internal/config"
	"github.com/nugget/banter/internal/convo"
	"github.com/nugget/banter/internal/httpkit"
)

// OpenAIClient talks to an OpenAI-compatible chat completions API.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client from the llm config section. The
// request timeout comes from cfg.TimeoutSec; callers may tighten it
// further through ctx.
func NewOpenAIClient(cfg config.LLMConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	return &OpenAIClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(timeout)),
		logger:     logger.With("component", "llm"),
	}
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string { return c.model }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete implements Completer.
func (c *OpenAIClient) Complete(ctx context.Context, turns []convo.Turn, maxTokens int) (*Completion, error) {
	req := openAIRequest{
		Model:     c.model,
		Messages:  toOpenAI(turns),
		MaxTokens: maxTokens,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ProviderError{Kind: KindBadRequest, Message: "marshal request", Err: err}
	}
	c.logger.Log(ctx, config.LevelTrace, "completion request", "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Kind: KindBadRequest, Message: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		c.logger.Warn("completion API error", "status", resp.StatusCode, "body", errBody)
		return nil, &ProviderError{
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    apiErrorMessage(errBody),
		}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ProviderError{Kind: KindDecode, Message: "decode response", Err: err}
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return nil, &ProviderError{Kind: KindEmptyResponse, Message: "no content in response"}
	}

	elapsed := time.Since(start)
	c.logger.Debug("completion finished",
		"model", out.Model,
		"tokens_in", out.Usage.PromptTokens,
		"tokens_out", out.Usage.CompletionTokens,
		"finish_reason", out.Choices[0].FinishReason,
		"elapsed", elapsed,
	)

	return &Completion{
		Text:         out.Choices[0].Message.Content,
		Model:        out.Model,
		FinishReason: out.Choices[0].FinishReason,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		Elapsed:      elapsed,
	}, nil
}

// invalidName matches characters the API rejects in message names.
var invalidName = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func toOpenAI(turns []convo.Turn) []openAIMessage {
	msgs := make([]openAIMessage, 0, len(turns))
	for _, t := range turns {
		m := openAIMessage{Role: string(t.Role), Content: t.Text}
		if t.Speaker != "" && t.Role == convo.RoleUser {
			name := invalidName.ReplaceAllString(t.Speaker, "_")
			if len(name) > 64 {
				name = name[:64]
			}
			m.Name = name
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func transportError(err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &ProviderError{Kind: KindTimeout, Err: err}
	}
	return &ProviderError{Kind: KindConnection, Err: err}
}

func apiErrorMessage(body string) string {
	var e openAIError
	if err := json.Unmarshal([]byte(body), &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return body
}

// Placeholder is the assistant turn stored in place of a failed
// completion so the tail keeps its user/assistant pairing.
func Placeholder(err error, emote string) string {
	return strings.TrimSpace(fmt.Sprintf("error: %s %s", KindOf(err), emote))
}
