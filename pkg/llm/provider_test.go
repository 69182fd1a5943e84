package llm

import (
	"context"
	"testing"
)

// MockProvider is a test double that satisfies the Provider interface.
type MockProvider struct {
	CompleteFunc func(ctx context.Context, messages []Message, format Format) (*Response, error)
}

func (m *MockProvider) Complete(ctx context.Context, messages []Message, format Format) (*Response, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, messages, format)
	}
	return &Response{Content: "mock response"}, nil
}

func TestProviderInterface(t *testing.T) {
	var provider Provider = &MockProvider{}
	ctx := context.Background()
	messages := []Message{{Role: "user", Content: "test"}}

	resp, err := provider.Complete(ctx, messages, FormatText)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content == "" {
		t.Error("expected non-empty response")
	}
}

func TestMockProviderCustomComplete(t *testing.T) {
	var gotFormat Format
	mock := &MockProvider{
		CompleteFunc: func(ctx context.Context, messages []Message, format Format) (*Response, error) {
			gotFormat = format
			return &Response{
				Content: `{"confidence":0.9}`,
				Usage: Usage{
					InputTokens:  10,
					OutputTokens: 5,
					TotalTokens:  15,
				},
			}, nil
		},
	}

	var provider Provider = mock
	resp, err := provider.Complete(context.Background(), []Message{{Role: "user", Content: "hello"}}, FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	if gotFormat != FormatJSON {
		t.Errorf("expected json format to be passed through, got %q", gotFormat)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
}
