package mocks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"storyloom/pkg/agent/llm"
)

// Handler answers one Complete call.
type Handler func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)

// Call is one recorded Complete invocation.
type Call struct {
	Stage   string
	Request llm.CompletionRequest
}

// LLMClient is a scripted llm.LLMClient that records every call with the
// pipeline stage found on its context.
type LLMClient struct {
	mu      sync.Mutex
	handler Handler
	calls   []Call
	model   string
}

// NewLLMClient returns a client answering "Mock response" to every call.
func NewLLMClient() *LLMClient {
	m := &LLMClient{model: "mock-model"}
	m.Respond("Mock response")
	return m
}

// Complete implements llm.LLMClient.
func (m *LLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Stage: llm.StageFromContext(ctx), Request: req})
	handler := m.handler
	m.mu.Unlock()
	return handler(ctx, req)
}

// GetModelName implements llm.LLMClient.
func (m *LLMClient) GetModelName() string {
	return m.model
}

// OnComplete installs a custom handler.
func (m *LLMClient) OnComplete(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Current returns the installed handler so a test can wrap it.
func (m *LLMClient) Current() Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

// Respond answers every call with content.
func (m *LLMClient) Respond(content string) {
	m.OnComplete(func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: content, StopReason: "end_turn"}, nil
	})
}

// Fail fails every call with err.
func (m *LLMClient) Fail(err error) {
	m.OnComplete(func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, err
	})
}

// Script answers each call from the queue of the stage on its context. A
// queue advances per call and then repeats its last entry. Calls for a stage
// without a queue fail.
func (m *LLMClient) Script(byStage map[string][]string) {
	var (
		mu   sync.Mutex
		next = map[string]int{}
	)
	m.OnComplete(func(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		stage := llm.StageFromContext(ctx)
		queue := byStage[stage]
		if len(queue) == 0 {
			return llm.CompletionResponse{}, fmt.Errorf("mock client: no response scripted for stage %q", stage)
		}
		mu.Lock()
		i := min(next[stage], len(queue)-1)
		next[stage]++
		mu.Unlock()
		return llm.CompletionResponse{Content: queue[i], StopReason: "end_turn"}, nil
	})
}

// Calls returns a copy of every recorded call.
func (m *LLMClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns the number of calls so far.
func (m *LLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// StageCalls counts calls made for stage.
func (m *LLMClient) StageCalls(stage string) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Stage == stage {
			n++
		}
	}
	return n
}

// Stages lists the stage of each call in order.
func (m *LLMClient) Stages() []string {
	calls := m.Calls()
	stages := make([]string, len(calls))
	for i, c := range calls {
		stages[i] = c.Stage
	}
	return stages
}

// Last returns the most recent request, or nil before the first call.
func (m *LLMClient) Last() *llm.CompletionRequest {
	calls := m.Calls()
	if len(calls) == 0 {
		return nil
	}
	return &calls[len(calls)-1].Request
}

// Sent reports whether any message of any call contained substr.
func (m *LLMClient) Sent(substr string) bool {
	for _, c := range m.Calls() {
		for _, msg := range c.Request.Messages {
			if strings.Contains(msg.Content, substr) {
				return true
			}
		}
	}
	return false
}
