package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/normanking/ashley/internal/assembler"
	"github.com/normanking/ashley/internal/chat"
	"github.com/normanking/ashley/internal/llm"
	"github.com/normanking/ashley/internal/moderation"
	"github.com/normanking/ashley/internal/prompt"
	"github.com/normanking/ashley/internal/router"
	"github.com/normanking/ashley/internal/search"
	"github.com/normanking/ashley/internal/store"
	"github.com/normanking/ashley/internal/tokens"
	"github.com/normanking/ashley/internal/usage"
)

type stubClassifier struct {
	flagged map[string]bool
	err     error
	calls   int
}

func (s *stubClassifier) Classify(ctx context.Context, text string) (map[string]bool, map[string]float64, error) {
	s.calls++
	if s.err != nil {
		return nil, nil, s.err
	}
	scores := make(map[string]float64, len(s.flagged))
	for name := range s.flagged {
		scores[name] = 0.99
	}
	return s.flagged, scores, nil
}

type stubProvider struct {
	text  string
	err   error
	calls int
}

func (s *stubProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{
		Text:  s.text,
		Model: req.Model,
		Usage: tokens.Usage{PromptTokens: 12, CompletionTokens: 4},
	}, nil
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Available() bool { return true }

type stubPersonas struct{}

func (stubPersonas) Bundle(names []string) string { return "You are Ashley." }

type failingRetriever struct{}

func (failingRetriever) BuildContext(sessionID, query string) (string, error) {
	return "", fmt.Errorf("index unavailable")
}

type failingSearcher struct{}

func (failingSearcher) Search(ctx context.Context, query, providerName string, maxResults int) ([]search.Result, error) {
	return nil, fmt.Errorf("search provider down")
}

type harness struct {
	orch       *Orchestrator
	sessions   *store.Sessions
	memory     *store.Memory
	ledger     *usage.Ledger
	classifier *stubClassifier
	provider   *stubProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sessions := store.NewSessions(st)
	memory := store.NewMemory(st)

	classifier := &stubClassifier{}
	policies := moderation.NewPolicyStore(filepath.Join(dir, "policy.json"), moderation.DefaultPolicy())
	gate := moderation.NewGate(classifier, policies, nil)

	selector, err := router.NewSelector(router.Catalog{
		Default:  "gpt-4o-mini",
		MidTier:  "gpt-4o",
		Advanced: "gpt-5",
		Vision:   "gpt-4o",
	}, router.MustPersonaModels(nil))
	if err != nil {
		t.Fatalf("router.NewSelector: %v", err)
	}

	provider := &stubProvider{text: "the assistant answer"}
	ledger := usage.NewLedger(filepath.Join(dir, "usage.json"))

	orch, err := New(Deps{
		Gate:            gate,
		Selector:        selector,
		Assembler:       assembler.New(nil, nil, nil, memory),
		Prompts:         prompt.NewBuilder(stubPersonas{}),
		Driver:          llm.NewDriver(provider),
		Sessions:        sessions,
		Memory:          memory,
		Ledger:          ledger,
		MaxPromptTokens: 6000,
		MaxOutputTokens: 512,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{orch: orch, sessions: sessions, memory: memory, ledger: ledger, classifier: classifier, provider: provider}
}

// runTurn drains a turn to its terminal event.
func runTurn(t *testing.T, h *harness, state *chat.ChatState, text string) (*TurnSummary, error) {
	t.Helper()
	events, err := h.orch.SubmitTurn(context.Background(), state, text, nil)
	if err != nil {
		return nil, err
	}
	var summary *TurnSummary
	for ev := range events {
		switch {
		case ev.Err != nil:
			return nil, ev.Err
		case ev.Done != nil:
			summary = ev.Done
		}
	}
	if summary == nil {
		t.Fatal("turn ended without a terminal event")
	}
	return summary, nil
}

func TestNewRejectsMissingDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("expected an error for an empty dependency set")
	}
}

func TestSubmitTurnPersistsBothSides(t *testing.T) {
	h := newHarness(t)
	state := chat.NewChatState("gpt-4o-mini", "ashley")

	summary, err := runTurn(t, h, state, "hello there")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	if summary.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", summary.Model)
	}
	if summary.Moderation != moderation.ActionAllow {
		t.Errorf("moderation = %q", summary.Moderation)
	}
	if summary.Usage.PromptTokens != 12 || summary.Usage.CompletionTokens != 4 {
		t.Errorf("usage = %+v", summary.Usage)
	}
	if summary.CostUSD <= 0 {
		t.Errorf("cost = %v, want positive", summary.CostUSD)
	}

	msgs, err := h.sessions.Messages(state.SessionID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user and assistant", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hello there" {
		t.Errorf("first row = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "the assistant answer" {
		t.Errorf("second row = %+v", msgs[1])
	}

	if state.LastError != "" {
		t.Errorf("last error = %q after a clean turn", state.LastError)
	}
	if state.Usage.PromptTokens != 12 {
		t.Errorf("state usage not rolled up: %+v", state.Usage)
	}

	month := h.ledger.Month("")
	if month.Requests != 1 || month.PromptTokens != 12 {
		t.Errorf("ledger month = %+v", month)
	}

	short, err := h.memory.ShortTerm(state.SessionID, 10)
	if err != nil {
		t.Fatalf("ShortTerm: %v", err)
	}
	if len(short) != 2 {
		t.Errorf("short-term memory has %d items, want both turns", len(short))
	}
}

func TestSubmitTurnInferenceFailure(t *testing.T) {
	h := newHarness(t)
	h.provider.err = fmt.Errorf("backend unavailable")
	state := chat.NewChatState("gpt-4o-mini")

	_, err := runTurn(t, h, state, "hello")
	if err == nil {
		t.Fatal("expected a turn error")
	}
	var infErr *llm.InferenceError
	if !errors.As(err, &infErr) {
		t.Fatalf("error type = %T", err)
	}

	// The user turn is durable before inference; the failure is recorded on
	// state and no assistant row exists.
	msgs, loadErr := h.sessions.Messages(state.SessionID)
	if loadErr != nil {
		t.Fatalf("Messages: %v", loadErr)
	}
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("persisted rows = %+v, want only the user turn", msgs)
	}
	if state.LastError == "" {
		t.Error("last error not recorded on state")
	}
	if h.ledger.Month("").Requests != 0 {
		t.Error("failed turn must not reach the usage ledger")
	}
}

func TestSubmitTurnBlockedByModeration(t *testing.T) {
	h := newHarness(t)
	h.classifier.flagged = map[string]bool{"hate": true}
	state := chat.NewChatState("gpt-4o-mini")

	events, err := h.orch.SubmitTurn(context.Background(), state, "I hate you", nil)
	if events != nil {
		t.Error("blocked turns must not open a stream")
	}
	var modErr *moderation.ModerationError
	if !errors.As(err, &modErr) {
		t.Fatalf("error = %v, want a moderation block", err)
	}
	if modErr.Decision.Action != moderation.ActionBlock {
		t.Errorf("action = %q", modErr.Decision.Action)
	}

	msgs, loadErr := h.sessions.Messages(state.SessionID)
	if loadErr != nil {
		t.Fatalf("Messages: %v", loadErr)
	}
	if len(msgs) != 0 {
		t.Errorf("blocked turn persisted %d messages", len(msgs))
	}
	if h.provider.calls != 0 {
		t.Error("blocked turn reached inference")
	}
}

func TestSubmitTurnModerationDisabled(t *testing.T) {
	h := newHarness(t)
	h.classifier.flagged = map[string]bool{"hate": true}
	state := chat.NewChatState("gpt-4o-mini")
	state.ModerationEnabled = false

	summary, err := runTurn(t, h, state, "I hate you")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if h.classifier.calls != 0 {
		t.Errorf("classifier called %d times with moderation disabled", h.classifier.calls)
	}
	if summary.Moderation != moderation.ActionAllow {
		t.Errorf("moderation = %q", summary.Moderation)
	}
}

func TestSubmitTurnMemoryDisabled(t *testing.T) {
	h := newHarness(t)
	state := chat.NewChatState("gpt-4o-mini")
	state.MemoryEnabled = false

	if _, err := runTurn(t, h, state, "hello"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	short, err := h.memory.ShortTerm(state.SessionID, 10)
	if err != nil {
		t.Fatalf("ShortTerm: %v", err)
	}
	if len(short) != 0 {
		t.Errorf("memory written for a memory-disabled session: %d items", len(short))
	}
}

func TestSubmitTurnDegradedContext(t *testing.T) {
	h := newHarness(t)
	// Swap in collaborators that always fail; the turn must still complete.
	orch, err := New(Deps{
		Gate:            moderation.NewGate(h.classifier, moderation.NewPolicyStore(filepath.Join(t.TempDir(), "p.json"), moderation.DefaultPolicy()), nil),
		Selector:        mustSelector(t),
		Assembler:       assembler.New(failingRetriever{}, failingSearcher{}, nil, h.memory),
		Prompts:         prompt.NewBuilder(stubPersonas{}),
		Driver:          llm.NewDriver(h.provider),
		Sessions:        h.sessions,
		Memory:          h.memory,
		Ledger:          h.ledger,
		MaxPromptTokens: 6000,
		MaxOutputTokens: 512,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch = orch

	state := chat.NewChatState("gpt-4o-mini")
	state.Attachments = append(state.Attachments, chat.Attachment{Name: "doc.pdf", Type: "pdf"})

	summary, err := runTurn(t, h, state, "/search what changed in the document")
	if err != nil {
		t.Fatalf("degraded context aborted the turn: %v", err)
	}
	if summary.Model == "" {
		t.Error("summary missing after degraded turn")
	}
}

func TestSubmitTurnPromotionCadence(t *testing.T) {
	h := newHarness(t)
	h.provider.text = "remember the capital of France is Paris"

	orch, err := New(Deps{
		Gate:              moderation.NewGate(h.classifier, moderation.NewPolicyStore(filepath.Join(t.TempDir(), "p.json"), moderation.DefaultPolicy()), nil),
		Selector:          mustSelector(t),
		Assembler:         assembler.New(nil, nil, nil, h.memory),
		Prompts:           prompt.NewBuilder(stubPersonas{}),
		Driver:            llm.NewDriver(h.provider),
		Sessions:          h.sessions,
		Memory:            h.memory,
		Ledger:            h.ledger,
		MaxPromptTokens:   6000,
		MaxOutputTokens:   512,
		PromotionInterval: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch = orch

	state := chat.NewChatState("gpt-4o-mini", "ashley")
	if _, err := runTurn(t, h, state, "what is the capital of France"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	// Two messages on the transcript and interval two: the first turn promotes.
	hits, err := h.memory.SearchLongTerm("capital of France", 5)
	if err != nil {
		t.Fatalf("SearchLongTerm: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("long-term hits = %d, want the promoted summary", len(hits))
	}
	if !strings.Contains(hits[0].Content, "Paris") {
		t.Errorf("promoted content = %q", hits[0].Content)
	}
	if len(hits[0].Tags) != 1 || hits[0].Tags[0] != "ashley" {
		t.Errorf("promoted tags = %v, want the persona names", hits[0].Tags)
	}
}

func TestSubmitTurnPromotionTruncates(t *testing.T) {
	h := newHarness(t)
	h.provider.text = "anchorword " + strings.Repeat("x", 400)

	orch, err := New(Deps{
		Gate:              moderation.NewGate(h.classifier, moderation.NewPolicyStore(filepath.Join(t.TempDir(), "p.json"), moderation.DefaultPolicy()), nil),
		Selector:          mustSelector(t),
		Assembler:         assembler.New(nil, nil, nil, h.memory),
		Prompts:           prompt.NewBuilder(stubPersonas{}),
		Driver:            llm.NewDriver(h.provider),
		Sessions:          h.sessions,
		Memory:            h.memory,
		Ledger:            h.ledger,
		MaxPromptTokens:   6000,
		MaxOutputTokens:   512,
		PromotionInterval: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch = orch

	state := chat.NewChatState("gpt-4o-mini")
	if _, err := runTurn(t, h, state, "hello"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	hits, err := h.memory.SearchLongTerm("anchorword", 5)
	if err != nil {
		t.Fatalf("SearchLongTerm: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("long-term hits = %d", len(hits))
	}
	if got := len([]rune(hits[0].Content)); got != 200 {
		t.Errorf("promoted summary length = %d runes, want the 200-rune cap", got)
	}
}

func TestSubmitTurnFallbackFlag(t *testing.T) {
	h := newHarness(t)
	state := chat.NewChatState("gpt-4o-mini")

	summary, err := runTurn(t, h, state, "hello")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	// The stub provider has no streaming path, so the driver marks the sync
	// route as a fallback.
	if !summary.Fallback {
		t.Error("fallback flag not propagated from the driver")
	}
}

func mustSelector(t *testing.T) *router.Selector {
	t.Helper()
	s, err := router.NewSelector(router.Catalog{
		Default:  "gpt-4o-mini",
		MidTier:  "gpt-4o",
		Advanced: "gpt-5",
		Vision:   "gpt-4o",
	}, router.MustPersonaModels(nil))
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	return s
}
