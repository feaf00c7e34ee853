package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAIInvoker talks to any OpenAI-compatible chat completions
// endpoint. The stage prompt travels inside inputs; the adapter only
// pins the response to a single JSON object.
type OpenAIInvoker struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewOpenAIInvoker(baseURL, apiKey string) *OpenAIInvoker {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &OpenAIInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// WithHTTPClient overrides the transport, mainly for tests.
func (c *OpenAIInvoker) WithHTTPClient(client *http.Client) *OpenAIInvoker {
	c.client = client
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Temperature    float64         `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (c *OpenAIInvoker) Invoke(ctx context.Context, stage soc.Stage, inputs json.RawMessage, model string) (*InvokeResult, error) {
	reqBody := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a security operations analyst performing the " + string(stage) + " stage. Respond with a single JSON object."},
			{Role: "user", Content: string(inputs)},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("openai: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	content := []byte(chat.Choices[0].Message.Content)
	outputs := json.RawMessage(content)
	if !json.Valid(content) {
		// Providers occasionally ignore response_format; keep the
		// text rather than failing the stage.
		wrapped, err := json.Marshal(map[string]string{"text": chat.Choices[0].Message.Content})
		if err != nil {
			return nil, fmt.Errorf("openai: wrap non-JSON content: %w", err)
		}
		outputs = wrapped
	}

	return &InvokeResult{
		Outputs: outputs,
		Usage: soc.TokenUsage{
			InputTokens:  chat.Usage.PromptTokens,
			OutputTokens: chat.Usage.CompletionTokens,
			TotalTokens:  chat.Usage.TotalTokens,
		},
	}, nil
}
