// Package llmtest provides scripted llm.Client implementations for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kazz187/taskbot/internal/llm"
)

// Scripted replays Responses in order and records every request. Once the
// script is exhausted the last response repeats.
type Scripted struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      []error
	requests  []llm.ChatRequest
}

func New(responses ...*llm.Response) *Scripted {
	return &Scripted{responses: responses}
}

// Text is a final answer with no tool calls.
func Text(content string) *llm.Response {
	return &llm.Response{Content: content, FinishReason: "stop"}
}

// Call is a response requesting one tool call.
func Call(id, name string, args any) *llm.Response {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("llmtest: marshal args: %v", err))
	}
	return &llm.Response{
		FinishReason: "tool_calls",
		ToolCalls:    []llm.ToolCall{{ID: id, Name: name, Arguments: raw}},
	}
}

// FailNext makes the next call return err before consuming the script.
func (s *Scripted) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *Scripted) Chat(_ context.Context, req llm.ChatRequest) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("llmtest: no scripted response")
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	cp := *resp
	return &cp, nil
}

func (s *Scripted) Requests() []llm.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.ChatRequest(nil), s.requests...)
}
