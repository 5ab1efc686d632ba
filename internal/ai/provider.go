package ai

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation handed to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider produces a complete assistant reply in one call.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
