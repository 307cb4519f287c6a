package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/normanking/ashley/internal/tokens"
)

// syncProvider only implements the synchronous path.
type syncProvider struct {
	resp  *ChatResponse
	err   error
	calls int
}

func (p *syncProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	p.calls++
	return p.resp, p.err
}

func (p *syncProvider) Name() string { return "stub" }

func (p *syncProvider) Available() bool { return true }

// streamProvider implements both paths with scripted outcomes.
type streamProvider struct {
	syncProvider
	fragments   []string
	streamResp  *ChatResponse
	streamErr   error
	streamCalls int
	blockStream bool
}

func (p *streamProvider) ChatStream(ctx context.Context, req *ChatRequest, onFragment func(string)) (*ChatResponse, error) {
	p.streamCalls++
	if p.blockStream {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for _, f := range p.fragments {
		onFragment(f)
	}
	return p.streamResp, p.streamErr
}

func testRequest() *ChatRequest {
	return &ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{TextMessage("user", ContentInputText, "hello")},
	}
}

// collect drains the channel and returns fragments plus the terminal event.
func collect(t *testing.T, events <-chan Event) ([]string, Event) {
	t.Helper()
	var fragments []string
	for ev := range events {
		switch {
		case ev.Done != nil || ev.Err != nil:
			if _, open := <-events; open {
				t.Fatal("events delivered after the terminal event")
			}
			return fragments, ev
		default:
			fragments = append(fragments, ev.Fragment)
		}
	}
	t.Fatal("channel closed without a terminal event")
	return nil, Event{}
}

func TestRunStreamSuccess(t *testing.T) {
	provider := &streamProvider{
		fragments:  []string{"Hel", "lo ", "there"},
		streamResp: &ChatResponse{Text: "Hello there", Model: "gpt-4o-mini", Usage: tokens.Usage{PromptTokens: 10, CompletionTokens: 3}},
	}
	d := NewDriver(provider)

	fragments, terminal := collect(t, d.Run(context.Background(), testRequest()))

	if strings.Join(fragments, "") != "Hello there" {
		t.Errorf("fragments = %v", fragments)
	}
	if terminal.Done == nil {
		t.Fatalf("terminal = %+v, want Done", terminal)
	}
	if terminal.Done.Fallback {
		t.Error("stream success should not be marked as fallback")
	}
	if terminal.Done.Usage.PromptTokens != 10 {
		t.Errorf("usage not carried through: %+v", terminal.Done.Usage)
	}
	if provider.calls != 0 {
		t.Errorf("sync path called %d times on stream success", provider.calls)
	}
}

func TestRunStreamFailureFallsBack(t *testing.T) {
	provider := &streamProvider{
		fragments: []string{"partial "},
		streamErr: fmt.Errorf("connection reset"),
	}
	provider.resp = &ChatResponse{Text: "full sync answer"}
	d := NewDriver(provider)

	fragments, terminal := collect(t, d.Run(context.Background(), testRequest()))

	if terminal.Done == nil {
		t.Fatalf("terminal = %+v, want Done from the fallback", terminal)
	}
	if !terminal.Done.Fallback {
		t.Error("fallback flag not set")
	}
	if terminal.Done.Text != "full sync answer" {
		t.Errorf("text = %q, want the sync response, not partial stream output", terminal.Done.Text)
	}
	// The sync text arrives as one fragment so consumers still see the answer.
	if fragments[len(fragments)-1] != "full sync answer" {
		t.Errorf("fragments = %v", fragments)
	}
	if provider.streamCalls != 1 || provider.calls != 1 {
		t.Errorf("stream calls = %d, sync calls = %d, want exactly one each", provider.streamCalls, provider.calls)
	}
}

func TestRunBothPathsFail(t *testing.T) {
	provider := &streamProvider{streamErr: fmt.Errorf("stream down")}
	provider.err = fmt.Errorf("quota exceeded")
	d := NewDriver(provider)

	_, terminal := collect(t, d.Run(context.Background(), testRequest()))

	if terminal.Err == nil {
		t.Fatalf("terminal = %+v, want Err", terminal)
	}
	var infErr *InferenceError
	if !errors.As(terminal.Err, &infErr) {
		t.Fatalf("error type = %T", terminal.Err)
	}
	if infErr.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", infErr.Model)
	}
	if !strings.Contains(terminal.Err.Error(), "quota exceeded") {
		t.Errorf("cause not surfaced: %v", terminal.Err)
	}
	if provider.calls != 1 {
		t.Errorf("sync calls = %d, want exactly one fallback attempt", provider.calls)
	}
}

func TestRunSyncOnlyProvider(t *testing.T) {
	provider := &syncProvider{resp: &ChatResponse{Text: "answer"}}
	d := NewDriver(provider)

	fragments, terminal := collect(t, d.Run(context.Background(), testRequest()))

	if terminal.Done == nil || !terminal.Done.Fallback {
		t.Fatalf("terminal = %+v, want sync Done", terminal)
	}
	if len(fragments) != 1 || fragments[0] != "answer" {
		t.Errorf("fragments = %v", fragments)
	}
}

func TestRunCancellation(t *testing.T) {
	provider := &streamProvider{blockStream: true}
	d := NewDriver(provider)

	ctx, cancel := context.WithCancel(context.Background())
	events := d.Run(ctx, testRequest())
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-events:
			if !open {
				return // channel closed, goroutine released
			}
		case <-deadline:
			t.Fatal("driver did not release after cancellation")
		}
	}
}

func TestRunAbandonedConsumer(t *testing.T) {
	provider := &streamProvider{fragments: []string{"a", "b", "c"}, streamResp: &ChatResponse{Text: "abc"}}
	d := NewDriver(provider)

	ctx, cancel := context.WithCancel(context.Background())
	events := d.Run(ctx, testRequest())

	// Read one fragment, then walk away. Cancellation must unblock the
	// goroutine that is parked on the unconsumed channel.
	<-events
	cancel()

	select {
	case <-waitClosed(events):
	case <-time.After(2 * time.Second):
		t.Fatal("driver leaked after the consumer abandoned the channel")
	}
}

func waitClosed(events <-chan Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range events {
		}
		close(done)
	}()
	return done
}

func TestSummarizeFillsUsage(t *testing.T) {
	provider := &syncProvider{resp: &ChatResponse{Text: "four word reply here"}}
	d := NewDriver(provider)

	_, terminal := collect(t, d.Run(context.Background(), testRequest()))

	if terminal.Done.Usage.PromptTokens == 0 || terminal.Done.Usage.CompletionTokens == 0 {
		t.Errorf("usage estimate missing: %+v", terminal.Done.Usage)
	}
	if terminal.Done.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want the request model when the backend omits it", terminal.Done.Model)
	}
}
