package ai

import "context"

// StreamProvider is an optional interface. Providers may implement streaming chat.
//
// Both channels are closed when streaming ends; the error channel carries at most
// one value and is closed before the chunk channel.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

// emit delivers a chunk unless the consumer went away.
func emit(ctx context.Context, chunks chan<- string, c string) bool {
	select {
	case chunks <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
