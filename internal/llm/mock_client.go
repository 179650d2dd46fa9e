package llm

import (
	"context"
	"fmt"
	"time"
)

// MockClient is an offline stand-in used when no LLM endpoint is configured.
// It emits one text message and then hands off to close the run, which is
// enough to exercise the full run lifecycle end to end.
type MockClient struct{}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

var _ ChatClient = (*MockClient)(nil)

// CreateChatCompletion returns a canned action envelope.
func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	content := `{"type":"message","text":"[MOCK] No LLM endpoint is configured; this run produces no analysis."}`
	if hasAssistantMessage(req.Messages) {
		content = `{"type":"handoff","target":"done"}`
	}

	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{
			{
				Index: 0,
				Message: &ChatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
	}, nil
}

func hasAssistantMessage(messages []ChatMessage) bool {
	for _, msg := range messages {
		if msg.Role == "assistant" {
			return true
		}
	}
	return false
}
