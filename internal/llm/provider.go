// Package llm defines the inference provider contracts and the streaming
// driver that executes model calls with synchronous fallback.
package llm

import (
	"context"
	"io"
	"time"

	"github.com/normanking/ashley/internal/chat"
	"github.com/normanking/ashley/internal/tokens"
)

// Security limits to prevent unbounded memory usage.
const (
	// MaxErrorBodySize limits how much error response body we read (1MB).
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxStreamedResponseSize limits total streamed response size (50MB).
	MaxStreamedResponseSize = 50 * 1024 * 1024
)

// readLimitedBody reads up to maxBytes from r.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// ContentType distinguishes prompt content block kinds. Downstream APIs
// separate input and output modalities, so assistant history must be
// marked as output text.
type ContentType string

const (
	ContentInputText  ContentType = "input_text"
	ContentOutputText ContentType = "output_text"
	ContentMediaRef   ContentType = "media_ref"
)

// ContentBlock is one typed block of a prompt message.
type ContentBlock struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
	URL  string      `json:"url,omitempty"`
}

// Message is the prompt unit passed to inference.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	out := ""
	for _, b := range m.Content {
		out += b.Text
	}
	return out
}

// TextMessage builds a single-block message.
func TextMessage(role string, contentType ContentType, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: contentType, Text: text}}}
}

// ChatRequest is a normalized completion request.
type ChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Params   chat.GenParams `json:"params"`
}

// ChatResponse is the outcome of one inference call.
type ChatResponse struct {
	Text         string        `json:"text"`
	Model        string        `json:"model"`
	Usage        tokens.Usage  `json:"usage"`
	Duration     time.Duration `json:"duration"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

// Provider is a synchronous completion backend.
type Provider interface {
	// Chat sends a request and returns the full response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier.
	Name() string

	// Available reports whether the provider is configured.
	Available() bool
}

// StreamingProvider extends Provider with token streaming.
type StreamingProvider interface {
	Provider

	// ChatStream is like Chat but calls onFragment for each text fragment
	// as it arrives. The returned response carries the aggregate text and
	// the stream's reported usage.
	ChatStream(ctx context.Context, req *ChatRequest, onFragment func(fragment string)) (*ChatResponse, error)
}
