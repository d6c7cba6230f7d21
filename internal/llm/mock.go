package llm

import (
	"context"
	"sync"
)

// MockClient implements Client for tests. Responses are returned in order;
// when exhausted the last one repeats.
type MockClient struct {
	mu        sync.Mutex
	responses []string
	calls     []MockCall
	err       error
	model     string
}

// MockCall records one Complete invocation for assertions.
type MockCall struct {
	Messages []Message
	Opts     Options
}

// NewMock returns a MockClient that replies with the given responses.
func NewMock(responses ...string) *MockClient {
	return &MockClient{responses: responses, model: "mock-model"}
}

// FailWith makes every Complete call return err.
func (m *MockClient) FailWith(err error) *MockClient {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	return m
}

// Calls returns the recorded invocations.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockClient) Model() string {
	return m.model
}

func (m *MockClient) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Messages: messages, Opts: opts})
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return "", nil
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}
