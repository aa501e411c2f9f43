package llm

import (
	"context"
	"sync"
)

// MockClient is a ChatClient for tests. Responses are returned in order; when
// exhausted, the last one repeats. Err, when set, is returned for every call.
type MockClient struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	// Calls records every prompt received, for assertions.
	Calls []string
	next  int
}

// Model returns a fixed test model name.
func (m *MockClient) Model() string { return "mock-model" }

// Complete returns the next canned response.
func (m *MockClient) Complete(ctx context.Context, systemMessage, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, prompt)
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "", nil
	}
	resp := m.Responses[m.next]
	if m.next < len(m.Responses)-1 {
		m.next++
	}
	return resp, nil
}
