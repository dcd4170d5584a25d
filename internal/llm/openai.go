package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient speaks the chat-completions protocol, which most
// self-hosted and aggregator endpoints also accept.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

func NewOpenAIClient(cfg Config) *OpenAIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIClient{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Arguments   string         `json:"arguments,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

func (c *OpenAIClient) buildRequest(req ChatRequest) openAIRequest {
	out := openAIRequest{
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
	for _, m := range req.Messages {
		content := m.Content
		om := openAIMessage{Role: string(m.Role), Content: &content}
		switch m.Role {
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				om.ToolCalls = append(om.ToolCalls, openAIToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: openAIFunction{Name: tc.Name, Arguments: args},
				})
			}
			if content == "" && len(om.ToolCalls) > 0 {
				om.Content = nil
			}
		case RoleTool:
			om.ToolCallID = m.ToolCallID
		}
		out.Messages = append(out.Messages, om)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return out
}

func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	start := time.Now()
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}
	body, err := postJSON(ctx, c.httpClient, ProviderOpenAI, c.baseURL+"/chat/completions", headers, c.buildRequest(req))
	if err != nil {
		return nil, err
	}
	resp, err := parseOpenAIResponse(body)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "openai chat completed",
		"model", c.model, "elapsed", time.Since(start), "tool_calls", len(resp.ToolCalls), "finish_reason", resp.FinishReason)
	return resp, nil
}

func parseOpenAIResponse(body []byte) (*Response, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("openai returned invalid JSON")
	}
	root := gjson.ParseBytes(body)
	if e := root.Get("error.message"); e.Exists() {
		return nil, fmt.Errorf("openai API error: %s", e.String())
	}
	choice := root.Get("choices.0")
	if !choice.Exists() {
		return nil, fmt.Errorf("openai response has no choices")
	}
	msg := choice.Get("message")

	var calls toolCallSet
	text, thinking := contentBlocks(msg.Get("content"), &calls)
	if r := msg.Get("reasoning_content"); r.Exists() && thinking == "" {
		thinking = r.String()
	}
	msg.Get("tool_calls").ForEach(func(_, v gjson.Result) bool {
		calls.addOpenAIShape(v)
		return true
	})
	// Legacy single function_call.
	if fc := msg.Get("function_call"); fc.Exists() {
		calls.add(ToolCall{Name: fc.Get("name").String(), Arguments: rawArguments(fc.Get("arguments"))})
	}

	usage := root.Get("usage")
	return &Response{
		Content:      strings.TrimSpace(text),
		Thinking:     strings.TrimSpace(thinking),
		ToolCalls:    calls.calls,
		FinishReason: choice.Get("finish_reason").String(),
		Usage: Usage{
			PromptTokens:     int(usage.Get("prompt_tokens").Int()),
			CompletionTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:      int(usage.Get("total_tokens").Int()),
		},
	}, nil
}
