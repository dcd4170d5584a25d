package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
	defaultAnthropicTokens  = 4096
)

type AnthropicClient struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

func NewAnthropicClient(cfg Config) *AnthropicClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicTokens
	}
	return &AnthropicClient{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature float64            `json:"temperature"`
}

func (c *AnthropicClient) buildRequest(req ChatRequest) anthropicRequest {
	out := anthropicRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}

	var system []string
	appendBlocks := func(role string, blocks ...anthropicBlock) {
		if len(blocks) == 0 {
			return
		}
		// The API requires alternating roles, so consecutive turns of one role merge.
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
			out.Messages[n-1].Content = append(out.Messages[n-1].Content, blocks...)
			return
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: role, Content: blocks})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			if m.Content != "" {
				appendBlocks("user", anthropicBlock{Type: "text", Text: m.Content})
			}
		case RoleAssistant:
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			appendBlocks("assistant", blocks...)
		case RoleTool:
			appendBlocks("user", anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
		}
	}
	out.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out
}

func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured")
	}
	start := time.Now()
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}
	body, err := postJSON(ctx, c.httpClient, ProviderAnthropic, c.baseURL+"/messages", headers, c.buildRequest(req))
	if err != nil {
		return nil, err
	}
	resp, err := parseAnthropicResponse(body)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "anthropic chat completed",
		"model", c.model, "elapsed", time.Since(start), "tool_calls", len(resp.ToolCalls), "finish_reason", resp.FinishReason)
	return resp, nil
}

// parseAnthropicResponse reads content blocks and also tolerates proxies that
// add an OpenAI style tool_calls array. Calls present in both are kept once.
func parseAnthropicResponse(body []byte) (*Response, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("anthropic returned invalid JSON")
	}
	root := gjson.ParseBytes(body)
	if e := root.Get("error.message"); e.Exists() {
		return nil, fmt.Errorf("anthropic API error: %s", e.String())
	}

	var calls toolCallSet
	text, thinking := contentBlocks(root.Get("content"), &calls)
	root.Get("tool_calls").ForEach(func(_, v gjson.Result) bool {
		calls.addOpenAIShape(v)
		return true
	})

	in := int(root.Get("usage.input_tokens").Int())
	outTokens := int(root.Get("usage.output_tokens").Int())
	return &Response{
		Content:      strings.TrimSpace(text),
		Thinking:     strings.TrimSpace(thinking),
		ToolCalls:    calls.calls,
		FinishReason: root.Get("stop_reason").String(),
		Usage: Usage{
			PromptTokens:     in,
			CompletionTokens: outTokens,
			TotalTokens:      in + outTokens,
		},
	}, nil
}
