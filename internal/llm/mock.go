package llm

import (
	"context"
	"sync"
)

// MockResponse is a canned response for the MockProvider. Exactly one of
// Generate, Evaluate or Err is normally set.
type MockResponse struct {
	Generate *GenerateResponse
	Evaluate *EvaluateResponse
	Err      error
}

// MockProvider is a deterministic Provider for testing.
// It returns canned responses in FIFO order, shared by Generate and
// Evaluate, and records all requests.
type MockProvider struct {
	mu            sync.Mutex
	responses     []MockResponse
	GenerateCalls []GenerateRequest
	EvaluateCalls []EvaluateRequest
}

// NewMockProvider creates a MockProvider with the given canned responses.
func NewMockProvider(responses ...MockResponse) *MockProvider {
	return &MockProvider{responses: responses}
}

// Generate returns the next canned response or ErrProviderUnavailable if
// the queue is empty.
func (m *MockProvider) Generate(_ context.Context, req GenerateRequest) (*GenerateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GenerateCalls = append(m.GenerateCalls, req)

	resp, err := m.next()
	if err != nil {
		return nil, err
	}
	if resp.Generate == nil {
		return &GenerateResponse{Model: "mock", StopReason: "end"}, nil
	}
	out := *resp.Generate
	if out.Model == "" {
		out.Model = "mock"
	}
	return &out, nil
}

// Evaluate returns the next canned response or ErrProviderUnavailable if
// the queue is empty.
func (m *MockProvider) Evaluate(_ context.Context, req EvaluateRequest) (*EvaluateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.EvaluateCalls = append(m.EvaluateCalls, req)

	resp, err := m.next()
	if err != nil {
		return nil, err
	}
	if resp.Evaluate == nil {
		return &EvaluateResponse{Model: "mock"}, nil
	}
	out := *resp.Evaluate
	return &out, nil
}

func (m *MockProvider) next() (MockResponse, error) {
	if len(m.responses) == 0 {
		return MockResponse{}, &ErrProviderUnavailable{Err: nil}
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	if resp.Err != nil {
		return MockResponse{}, resp.Err
	}
	return resp, nil
}

// ModelID returns "mock".
func (m *MockProvider) ModelID() string {
	return "mock"
}

// AddResponse appends a canned response to the queue.
func (m *MockProvider) AddResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
}

// CallCount returns the number of Generate and Evaluate calls made.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.GenerateCalls) + len(m.EvaluateCalls)
}
