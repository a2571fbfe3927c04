// Package llm provides the completion provider used to generate
// replies. The bot depends only on the Completer interface.
package llm

import (
	"context"

	"github.com/nugget/banter/internal/convo"
)

// Completer produces the next assistant turn for a conversation.
// Failures are returned as *ProviderError.
type Completer interface {
	Complete(ctx context.Context, turns []convo.Turn, maxTokens int) (*Completion, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, turns []convo.Turn, maxTokens int) (*Completion, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, turns []convo.Turn, maxTokens int) (*Completion, error) {
	return f(ctx, turns, maxTokens)
}
