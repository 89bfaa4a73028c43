package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is a model reply plus the tokens it cost, when the backend
// reports usage (0 otherwise).
type Completion struct {
	Content string
	Tokens  int
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (Completion, error)
}
