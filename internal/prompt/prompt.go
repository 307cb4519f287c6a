// Package prompt assembles the ordered message sequence sent to inference.
package prompt

import (
	"github.com/normanking/ashley/internal/chat"
	"github.com/normanking/ashley/internal/llm"
	"github.com/normanking/ashley/internal/tokens"
)

// PersonaSource resolves the system persona text for a set of persona names.
type PersonaSource interface {
	Bundle(names []string) string
}

// Builder turns session state plus context blocks into the final prompt.
type Builder struct {
	personas PersonaSource
}

// NewBuilder creates a prompt builder over the given persona source.
func NewBuilder(personas PersonaSource) *Builder {
	return &Builder{personas: personas}
}

// Build produces the prompt in fixed order: the persona system block (always
// present, even when empty, so the first message is stable), the context
// block and memory block when non-empty, then the token-budgeted chronological
// history ending with the current user turn. Assistant history is marked as
// output text; everything else is input text.
func (b *Builder) Build(state *chat.ChatState, userText, contextBlock, memoryBlock, model string, maxPromptTokens int) []llm.Message {
	history := make([]tokens.Budgeted, 0, len(state.Messages)+1)
	for _, msg := range state.Messages {
		history = append(history, tokens.Budgeted{Role: msg.Role, Content: msg.Content})
	}
	history = append(history, tokens.Budgeted{Role: "user", Content: userText})
	budgeted := tokens.TruncateMessages(history, model, maxPromptTokens)

	out := []llm.Message{
		llm.TextMessage("system", llm.ContentInputText, b.personas.Bundle(state.PersonaNames)),
	}
	if contextBlock != "" {
		out = append(out, llm.TextMessage("system", llm.ContentInputText, contextBlock))
	}
	if memoryBlock != "" {
		out = append(out, llm.TextMessage("system", llm.ContentInputText, memoryBlock))
	}
	for _, msg := range budgeted {
		contentType := llm.ContentInputText
		if msg.Role == "assistant" {
			contentType = llm.ContentOutputText
		}
		out = append(out, llm.TextMessage(msg.Role, contentType, msg.Content))
	}
	return out
}
