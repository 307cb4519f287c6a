package llm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/normanking/ashley/internal/tokens"
)

// Event is one item on the driver's output channel: exactly one of the
// three fields is set. The channel closes after the terminal Done or Err
// event, so the end-of-stream summary never rides on channel closure alone.
type Event struct {
	// Fragment is a piece of assistant text, in arrival order.
	Fragment string

	// Done carries the terminal summary on success.
	Done *Summary

	// Err is the terminal failure: both the stream and the synchronous
	// fallback failed.
	Err error
}

// Summary finalizes a driver run.
type Summary struct {
	Text     string       `json:"text"`
	Model    string       `json:"model"`
	Usage    tokens.Usage `json:"usage"`
	Fallback bool         `json:"fallback"` // true when the sync path produced the text
}

// InferenceError wraps a turn-fatal inference failure.
type InferenceError struct {
	Model string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed for model %s: %v", e.Model, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Driver executes inference with streaming-first semantics: it attempts a
// streaming call and, on any stream-establishment or mid-stream error,
// discards partial output and issues exactly one synchronous fallback call
// with identical parameters.
type Driver struct {
	provider Provider
}

// NewDriver wraps a provider. Providers that do not implement
// StreamingProvider are driven through the synchronous path only.
func NewDriver(provider Provider) *Driver {
	return &Driver{provider: provider}
}

// Run starts the inference call and returns the event channel. The channel
// delivers zero or more Fragment events followed by exactly one terminal
// event (Done or Err), then closes. Cancelling ctx stops delivery and
// releases the underlying call on every exit path, including early
// abandonment by the consumer.
func (d *Driver) Run(ctx context.Context, req *ChatRequest) <-chan Event {
	events := make(chan Event)
	go d.run(ctx, req, events)
	return events
}

func (d *Driver) run(ctx context.Context, req *ChatRequest, events chan<- Event) {
	defer close(events)

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if streamer, ok := d.provider.(StreamingProvider); ok {
		resp, err := streamer.ChatStream(ctx, req, func(fragment string) {
			emit(Event{Fragment: fragment})
		})
		if err == nil {
			emit(Event{Done: d.summarize(req, resp, false)})
			return
		}
		if ctx.Err() != nil {
			emit(Event{Err: ctx.Err()})
			return
		}
		log.Warn().Err(err).Str("component", "llm").Str("model", req.Model).
			Msg("streaming failed, falling back to sync call")
	}

	// Fallback (or streaming-incapable provider): one synchronous call with
	// identical parameters. Partial stream output was never surfaced as
	// final text, so the full sync text is emitted as a single fragment.
	resp, err := d.provider.Chat(ctx, req)
	if err != nil {
		emit(Event{Err: &InferenceError{Model: req.Model, Err: err}})
		return
	}
	if resp.Text != "" {
		if !emit(Event{Fragment: resp.Text}) {
			return
		}
	}
	emit(Event{Done: d.summarize(req, resp, true)})
}

// summarize fills in usage when the backend did not report it, using the
// same counting scheme the budgeter uses.
func (d *Driver) summarize(req *ChatRequest, resp *ChatResponse, fallback bool) *Summary {
	usage := resp.Usage
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		prompt := 0
		for _, m := range req.Messages {
			prompt += tokens.Count(m.Text(), req.Model)
		}
		usage = tokens.Usage{
			PromptTokens:     prompt,
			CompletionTokens: tokens.Count(resp.Text, req.Model),
		}
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return &Summary{Text: resp.Text, Model: model, Usage: usage, Fallback: fallback}
}
