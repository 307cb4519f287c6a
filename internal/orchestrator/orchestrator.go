// Package orchestrator sequences one conversational turn: moderation,
// routing, context assembly, durable persistence, prompt construction, and
// streaming inference with synchronous fallback.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/normanking/ashley/internal/assembler"
	"github.com/normanking/ashley/internal/chat"
	"github.com/normanking/ashley/internal/llm"
	"github.com/normanking/ashley/internal/moderation"
	"github.com/normanking/ashley/internal/prompt"
	"github.com/normanking/ashley/internal/router"
	"github.com/normanking/ashley/internal/store"
	"github.com/normanking/ashley/internal/tokens"
	"github.com/normanking/ashley/internal/usage"
)

// summaryMaxChars bounds assistant summaries promoted to long-term memory.
const summaryMaxChars = 200

// Event is one item on the turn's output channel: exactly one field is set.
// The channel closes after the terminal Done or Err event.
type Event struct {
	// Fragment is a piece of assistant text, in arrival order.
	Fragment string

	// Done carries the terminal turn summary on success.
	Done *TurnSummary

	// Err is the terminal failure for this turn.
	Err error
}

// TurnSummary finalizes a successful turn.
type TurnSummary struct {
	Model      string            `json:"model"`
	Moderation moderation.Action `json:"moderation"`
	Tools      []router.Tool     `json:"tools"`
	Usage      tokens.Usage      `json:"usage"`
	CostUSD    float64           `json:"cost_usd"`
	Fallback   bool              `json:"fallback"`
}

// Deps are the constructed collaborators a turn runs against.
type Deps struct {
	Gate      *moderation.Gate
	Selector  *router.Selector
	Assembler *assembler.Assembler
	Prompts   *prompt.Builder
	Driver    *llm.Driver
	Sessions  *store.Sessions
	Memory    *store.Memory
	Ledger    *usage.Ledger

	// MaxPromptTokens is the history budget passed to the prompt builder.
	MaxPromptTokens int

	// MaxOutputTokens applies when the session carries no explicit cap.
	MaxOutputTokens int

	// PromotionInterval promotes an assistant summary to long-term memory
	// every Nth turn. Zero means the default of 8.
	PromotionInterval int
}

// Orchestrator runs turns for any session. The caller serializes turn
// submission per session; concurrent turns across sessions are fine.
type Orchestrator struct {
	deps Deps
}

// New validates the dependency set and creates an orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Gate == nil:
		return nil, fmt.Errorf("orchestrator requires a moderation gate")
	case deps.Selector == nil:
		return nil, fmt.Errorf("orchestrator requires a model selector")
	case deps.Assembler == nil:
		return nil, fmt.Errorf("orchestrator requires a context assembler")
	case deps.Prompts == nil:
		return nil, fmt.Errorf("orchestrator requires a prompt builder")
	case deps.Driver == nil:
		return nil, fmt.Errorf("orchestrator requires an inference driver")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("orchestrator requires a session store")
	case deps.Memory == nil:
		return nil, fmt.Errorf("orchestrator requires a memory store")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("orchestrator requires a usage ledger")
	case deps.MaxPromptTokens <= 0:
		return nil, fmt.Errorf("orchestrator requires a positive prompt token budget")
	}
	if deps.PromotionInterval <= 0 {
		deps.PromotionInterval = 8
	}
	return &Orchestrator{deps: deps}, nil
}

// SubmitTurn runs one turn. Failures before inference starts come back as
// the error return; the channel is only non-nil on the streaming path, where
// it delivers fragments followed by exactly one terminal event.
//
// The user turn is persisted before inference is invoked, so a crash
// mid-inference still leaves a durable record of what the user asked. After
// that point exactly one of two things happens: the assistant turn is
// persisted, or the error is recorded on session state. Never both, never
// neither.
func (o *Orchestrator) SubmitTurn(ctx context.Context, state *chat.ChatState, userText string, attachments []chat.Attachment) (<-chan Event, error) {
	state.Attachments = append(state.Attachments, attachments...)
	state.LastError = ""

	modDecision, err := o.moderate(ctx, state, userText)
	if err != nil {
		return nil, err
	}

	decision := o.route(state, userText, attachments)

	contextBlock, payload, memoryBlock := o.assemble(ctx, state, userText, decision)

	if err := o.persistUserTurn(state, userText, attachments, decision); err != nil {
		return nil, err
	}

	messages := o.deps.Prompts.Build(state, payload, contextBlock, memoryBlock, decision.Model, o.deps.MaxPromptTokens)

	params := state.Params
	if params.MaxOutputTokens == 0 {
		params.MaxOutputTokens = o.deps.MaxOutputTokens
	}
	req := &llm.ChatRequest{Model: decision.Model, Messages: messages, Params: params}

	events := make(chan Event)
	go o.stream(ctx, state, req, decision, modDecision, events)
	return events, nil
}

// moderate applies the moderation gate. Disabling moderation on the session
// bypasses the classifier entirely, not just the policy resolution.
func (o *Orchestrator) moderate(ctx context.Context, state *chat.ChatState, userText string) (moderation.Decision, error) {
	if !state.ModerationEnabled {
		return moderation.Decision{Action: moderation.ActionAllow}, nil
	}
	decision, err := o.deps.Gate.Evaluate(ctx, state.SessionID, userText)
	if err != nil {
		return moderation.Decision{}, err
	}
	if decision.Action == moderation.ActionBlock {
		return moderation.Decision{}, &moderation.ModerationError{Decision: decision}
	}
	return decision, nil
}

func (o *Orchestrator) route(state *chat.ChatState, userText string, attachments []chat.Attachment) router.Decision {
	forceVision := false
	for _, att := range attachments {
		if att.IsImage() {
			forceVision = true
			break
		}
	}
	decision := o.deps.Selector.Select(router.Context{
		Text:          userText,
		PersonaNames:  state.PersonaNames,
		Attachments:   state.Attachments,
		HistoryLength: len(state.Messages),
		OverrideModel: state.ModelOverride,
		ForceVision:   forceVision,
	})
	state.ActiveModel = decision.Model

	log.Info().
		Str("component", "orchestrator").
		Str("session_id", state.SessionID).
		Str("model", decision.Model).
		Str("reason", decision.Reason).
		Interface("tools", decision.Tools).
		Int("chars", len(userText)).
		Msg("routing request")
	return decision
}

// assemble builds the context blocks. File and tool context concatenate into
// one block, file first; memory context stays separate. All best-effort.
func (o *Orchestrator) assemble(ctx context.Context, state *chat.ChatState, userText string, decision router.Decision) (contextBlock, payload, memoryBlock string) {
	contextBlock = o.deps.Assembler.BuildFileContext(state.SessionID, userText, decision.Tools)
	if toolBlock := o.deps.Assembler.BuildToolContext(ctx, state, userText, decision.Tools); toolBlock != "" {
		if contextBlock != "" {
			contextBlock = contextBlock + "\n\n" + toolBlock
		} else {
			contextBlock = toolBlock
		}
	}
	payload = assembler.RewritePayload(userText)
	memoryBlock = o.deps.Assembler.BuildMemoryContext(state, payload)
	return contextBlock, payload, memoryBlock
}

// persistUserTurn writes the user turn to session state, the session log,
// and short-term memory. The session log write is mandatory; a short-term
// memory failure degrades with a warning.
func (o *Orchestrator) persistUserTurn(state *chat.ChatState, userText string, attachments []chat.Attachment, decision router.Decision) error {
	metadata := map[string]interface{}{
		"model": decision.Model,
		"tools": decision.Tools,
	}
	if len(attachments) > 0 {
		metadata["attachments"] = attachments
	}
	state.AddMessage("user", userText, metadata)

	if err := o.deps.Sessions.AppendMessage(state.SessionID, "user", userText, metadata); err != nil {
		return fmt.Errorf("persist user turn: %w", err)
	}
	if state.MemoryEnabled {
		if err := o.deps.Memory.AppendShortTerm(state.SessionID, "user", userText); err != nil {
			log.Warn().Err(err).
				Str("component", "orchestrator").
				Str("session_id", state.SessionID).
				Msg("short-term memory append failed")
		}
	}
	return nil
}

// stream forwards driver events to the caller and finalizes the turn on the
// terminal event. Finalization runs on a detached context so persistence
// completes even when the caller has already abandoned the stream.
func (o *Orchestrator) stream(ctx context.Context, state *chat.ChatState, req *llm.ChatRequest, decision router.Decision, modDecision moderation.Decision, events chan<- Event) {
	defer close(events)

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for ev := range o.deps.Driver.Run(ctx, req) {
		switch {
		case ev.Err != nil:
			state.LastError = ev.Err.Error()
			log.Error().Err(ev.Err).
				Str("component", "orchestrator").
				Str("session_id", state.SessionID).
				Str("model", req.Model).
				Msg("inference failed")
			emit(Event{Err: ev.Err})
			return
		case ev.Done != nil:
			summary, err := o.finalize(state, decision, modDecision, ev.Done)
			if err != nil {
				state.LastError = err.Error()
				emit(Event{Err: err})
				return
			}
			emit(Event{Done: summary})
			return
		default:
			if !emit(Event{Fragment: ev.Fragment}) {
				// Caller abandoned the stream. The driver observes the same
				// cancellation; nothing was persisted for the assistant yet.
				return
			}
		}
	}
}

// finalize persists the assistant turn and applies the usage rollups. The
// store layer does not observe the turn context, so these writes complete
// even when the caller has already cancelled. Only the session log append
// can fail the turn; memory promotion and usage accounting failures degrade
// with warnings once the turn text is durable.
func (o *Orchestrator) finalize(state *chat.ChatState, decision router.Decision, modDecision moderation.Decision, result *llm.Summary) (*TurnSummary, error) {
	metadata := map[string]interface{}{
		"model": decision.Model,
		"tools": decision.Tools,
	}
	state.AddMessage("assistant", result.Text, metadata)
	if err := o.deps.Sessions.AppendMessage(state.SessionID, "assistant", result.Text, metadata); err != nil {
		return nil, fmt.Errorf("persist assistant turn: %w", err)
	}

	if state.MemoryEnabled {
		if err := o.deps.Memory.AppendShortTerm(state.SessionID, "assistant", result.Text); err != nil {
			log.Warn().Err(err).
				Str("component", "orchestrator").
				Str("session_id", state.SessionID).
				Msg("short-term memory append failed")
		}
		o.maybePromote(state, result.Text)
	}

	cost := result.Usage.CostUSD(decision.Model)
	state.Usage.Update(result.Usage.PromptTokens, result.Usage.CompletionTokens, cost)
	o.deps.Ledger.Update(state.SessionID, decision.Model, result.Usage.PromptTokens, result.Usage.CompletionTokens, cost)
	if err := o.deps.Sessions.UpdateUsage(state.SessionID, result.Usage.PromptTokens, result.Usage.CompletionTokens, cost); err != nil {
		log.Warn().Err(err).
			Str("component", "orchestrator").
			Str("session_id", state.SessionID).
			Msg("session usage rollup failed")
	}

	state.LastError = ""
	return &TurnSummary{
		Model:      decision.Model,
		Moderation: modDecision.Action,
		Tools:      decision.Tools,
		Usage:      result.Usage,
		CostUSD:    cost,
		Fallback:   result.Fallback,
	}, nil
}

// maybePromote copies a truncated assistant summary into long-term memory
// every Nth turn.
func (o *Orchestrator) maybePromote(state *chat.ChatState, text string) {
	if text == "" || len(state.Messages)%o.deps.PromotionInterval != 0 {
		return
	}
	summary := text
	if runes := []rune(summary); len(runes) > summaryMaxChars {
		summary = string(runes[:summaryMaxChars])
	}
	item := store.MemoryItem{
		SessionID: state.SessionID,
		Role:      "assistant",
		Content:   summary,
		Tags:      append([]string(nil), state.PersonaNames...),
	}
	if err := o.deps.Memory.AddLongTerm(item); err != nil {
		log.Warn().Err(err).
			Str("component", "orchestrator").
			Str("session_id", state.SessionID).
			Msg("long-term memory promotion failed")
	}
}
