// Package llm wraps the language-model transport behind a small interface so
// the architect and coder can be tested against function mocks.
package llm

import "context"

// Client is the completion surface the agents use.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, system, user string) (string, error)
}

// MockClient implements Client with pluggable functions for tests.
type MockClient struct {
	CompleteFunc           func(ctx context.Context, prompt string) (string, error)
	CompleteWithSystemFunc func(ctx context.Context, system, user string) (string, error)
}

func (m *MockClient) Complete(ctx context.Context, prompt string) (string, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, prompt)
	}
	return "", nil
}

func (m *MockClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	if m.CompleteWithSystemFunc != nil {
		return m.CompleteWithSystemFunc(ctx, system, user)
	}
	return m.Complete(ctx, user)
}
