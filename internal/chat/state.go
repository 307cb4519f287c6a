// Package chat defines the per-session conversation state shared by the
// orchestration pipeline. A ChatState is owned by exactly one in-flight turn
// at a time; callers wanting concurrency run separate sessions.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Role values for conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Attachment describes a file or media object attached to a session.
type Attachment struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"` // "pdf", "csv", "txt", "code", "image", "audio"
	Path     string            `json:"path,omitempty"`
	URL      string            `json:"url,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsDocument reports whether the attachment can feed file Q&A retrieval.
func (a Attachment) IsDocument() bool {
	switch a.Type {
	case "pdf", "csv", "txt", "code":
		return true
	}
	return false
}

// IsImage reports whether the attachment is an image.
func (a Attachment) IsImage() bool {
	return a.Type == "image"
}

// Message is one turn record in the append-only session transcript.
type Message struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// TokenUsage accumulates token and cost totals for a session.
// Counters only ever increase; one update per completed turn.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Update adds one turn's usage to the running totals.
func (u *TokenUsage) Update(prompt, completion int, cost float64) {
	u.PromptTokens += prompt
	u.CompletionTokens += completion
	u.TotalTokens += prompt + completion
	u.CostUSD += cost
}

// GenParams are the generation parameters applied to inference calls.
// Validated when the session is configured, immutable during a turn.
type GenParams struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	PresencePenalty  float64 `json:"presence_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	MaxOutputTokens  int     `json:"max_output_tokens"`
}

// ChatState holds everything the orchestrator needs to process turns for one
// session. Mutated only by the orchestrator handling the session's current
// turn; never shared across two in-flight turns.
type ChatState struct {
	SessionID    string       `json:"session_id"`
	Title        string       `json:"title"`
	PersonaNames []string     `json:"persona_names"`
	Messages     []Message    `json:"messages"`
	Attachments  []Attachment `json:"attachments"`

	ActiveModel   string `json:"active_model"`
	ModelOverride string `json:"model_override,omitempty"`

	Params GenParams `json:"params"`

	MemoryEnabled     bool `json:"memory_enabled"`
	ModerationEnabled bool `json:"moderation_enabled"`

	SearchProvider string `json:"search_provider"`

	Usage     TokenUsage `json:"token_usage"`
	LastError string     `json:"last_error,omitempty"`

	MonthlySoftCapUSD float64 `json:"monthly_usage_soft_cap_usd,omitempty"`
}

// NewChatState creates a session with a fresh identifier and the given
// defaults. Persona list must be non-empty; callers pass at least the
// default persona.
func NewChatState(defaultModel string, personas ...string) *ChatState {
	if len(personas) == 0 {
		personas = []string{"ashley"}
	}
	return &ChatState{
		SessionID:    uuid.NewString(),
		Title:        "New Chat",
		PersonaNames: personas,
		ActiveModel:  defaultModel,
		Params: GenParams{
			Temperature: 0.7,
			TopP:        1.0,
		},
		MemoryEnabled:     true,
		ModerationEnabled: true,
		SearchProvider:    "auto",
	}
}

// AddMessage appends a turn to the in-memory transcript.
func (s *ChatState) AddMessage(role, content string, metadata map[string]interface{}) {
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		Metadata:  metadata,
	})
}

// Reset clears the session for a new chat. The session identifier is
// regenerated; identifiers are never reused.
func (s *ChatState) Reset(defaultModel string) {
	s.SessionID = uuid.NewString()
	s.Title = "New Chat"
	s.Messages = nil
	s.Attachments = nil
	s.Usage = TokenUsage{}
	s.LastError = ""
	s.ModelOverride = ""
	s.ActiveModel = defaultModel
}
