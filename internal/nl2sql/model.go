package nl2sql

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Completion struct {
	Content          string
	Model            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Model is the language model collaborator. Implementations own their
// timeouts and must not retry with a different prompt.
type Model interface {
	Complete(ctx context.Context, messages []Message) (Completion, error)
}
