// Package tokens provides deterministic token accounting for prompt
// budgeting and cost tracking. Counting uses a per-model character-ratio
// encoding: it is not billing-accurate, but it is stable across calls,
// which is what the truncation invariants require.
package tokens

import (
	"unicode/utf8"
)

const (
	// perMessageOverhead is the fixed token cost added for each message's
	// framing (role, separators).
	perMessageOverhead = 3

	// genericCharsPerToken is the fallback ratio for models without an
	// encoding table entry.
	genericCharsPerToken = 4
)

// Encoding describes the token counting scheme for a model family.
type Encoding struct {
	Name          string
	CharsPerToken int
}

// encodings maps model prefixes to their counting scheme. Models not listed
// here fall back to the generic encoding.
var encodings = map[string]Encoding{
	"gpt-5":          {Name: "o200k", CharsPerToken: 4},
	"gpt-4o":         {Name: "o200k", CharsPerToken: 4},
	"gpt-4o-mini":    {Name: "o200k", CharsPerToken: 4},
	"gpt-3.5-turbo":  {Name: "cl100k", CharsPerToken: 4},
	"deepseek-coder": {Name: "deepseek", CharsPerToken: 3},
}

// EncodingFor returns the counting scheme for a model, falling back to a
// generic encoding for unknown models.
func EncodingFor(model string) Encoding {
	if enc, ok := encodings[model]; ok {
		return enc
	}
	return Encoding{Name: "generic", CharsPerToken: genericCharsPerToken}
}

// Count returns the token count of text under the model's encoding.
func Count(text, model string) int {
	enc := EncodingFor(model)
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + enc.CharsPerToken - 1) / enc.CharsPerToken
}

// Budgeted is the message shape the budgeter operates on. It mirrors the
// role/content pair sent to inference.
type Budgeted struct {
	Role    string
	Content string
}

// CountMessages returns the token cost of a message list, including the
// per-message overhead and the trailing list overhead.
func CountMessages(messages []Budgeted, model string) int {
	total := 0
	for _, m := range messages {
		total += Count(m.Content, model) + perMessageOverhead
	}
	return total + perMessageOverhead
}

// TruncateText trims text to at most maxTokens, keeping the tail. The tail
// is kept because the most recent words carry the user's current intent.
func TruncateText(text, model string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if Count(text, model) <= maxTokens {
		return text
	}
	enc := EncodingFor(model)
	keep := maxTokens * enc.CharsPerToken
	runes := []rune(text)
	return string(runes[len(runes)-keep:])
}

// TruncateMessages fits a chronological message list into maxPromptTokens.
// It walks from the most recent message backwards, keeping whole messages
// while they fit. The first message that would overflow is partially
// included with its content truncated to the remaining allowance; anything
// older is dropped. The result is returned in chronological order.
//
// The budget is authoritative: CountMessages on the result never exceeds
// maxPromptTokens. The most recent message is kept (truncated if necessary)
// whenever the budget covers the fixed per-message and list overheads; a
// budget smaller than those overheads yields an empty list.
func TruncateMessages(messages []Budgeted, model string, maxPromptTokens int) []Budgeted {
	if maxPromptTokens <= 0 || len(messages) == 0 {
		return nil
	}

	// Reserve the trailing list overhead so the kept list still fits under
	// CountMessages.
	total := perMessageOverhead
	kept := make([]Budgeted, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		cost := Count(msg.Content, model) + perMessageOverhead
		if total+cost > maxPromptTokens {
			remaining := maxPromptTokens - total - perMessageOverhead
			if remaining > 0 {
				kept = append(kept, Budgeted{
					Role:    msg.Role,
					Content: TruncateText(msg.Content, model, remaining),
				})
			}
			break
		}
		kept = append(kept, msg)
		total += cost
	}

	// Re-reverse into chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}
