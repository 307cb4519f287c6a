package moderation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// snippetLimit bounds how much offending text lands in the audit log.
const snippetLimit = 280

// Classifier is the external moderation model. One call per evaluated turn,
// no retries; errors propagate to the caller as typed failures.
type Classifier interface {
	Classify(ctx context.Context, text string) (flagged map[string]bool, scores map[string]float64, err error)
}

// Decision is the outcome of evaluating one turn.
type Decision struct {
	Action     Action             `json:"action"`
	Flagged    bool               `json:"flagged"`
	Categories map[string]bool    `json:"categories"`
	Scores     map[string]float64 `json:"scores"`
	Reason     string             `json:"reason,omitempty"`
}

// ModerationError is raised when a turn resolves to block. The caller can
// surface Decision.Reason to the user.
type ModerationError struct {
	Decision Decision
}

func (e *ModerationError) Error() string {
	if e.Decision.Reason != "" {
		return e.Decision.Reason
	}
	return "request blocked by moderation policy"
}

// Gate applies the policy to classifier output and records non-allow
// decisions in the audit log.
type Gate struct {
	classifier Classifier
	policies   *PolicyStore
	audit      *AuditLog
}

// NewGate wires a gate from its collaborators. The audit log may be nil, in
// which case non-allow decisions are only logged.
func NewGate(classifier Classifier, policies *PolicyStore, audit *AuditLog) *Gate {
	return &Gate{classifier: classifier, policies: policies, audit: audit}
}

// Evaluate classifies text and resolves the policy. Resolution order over
// flagged categories: any block-resolved category is terminal and dominates;
// otherwise the last flag-resolved category sets the reason; an explicit
// allow-listed category suppresses the default-action fallback. Blank text
// is allowed without a classifier call.
func (g *Gate) Evaluate(ctx context.Context, sessionID, text string) (Decision, error) {
	if strings.TrimSpace(text) == "" {
		return Decision{Action: ActionAllow, Categories: map[string]bool{}, Scores: map[string]float64{}}, nil
	}

	flagged, scores, err := g.classifier.Classify(ctx, text)
	if err != nil {
		return Decision{}, fmt.Errorf("moderation classify: %w", err)
	}

	policy := g.policies.Policy()
	decision := Decision{
		Action:     ActionAllow,
		Categories: flagged,
		Scores:     scores,
	}

	flaggedNames := make([]string, 0, len(flagged))
	for cat, isFlagged := range flagged {
		if isFlagged {
			flaggedNames = append(flaggedNames, cat)
		}
	}
	sort.Strings(flaggedNames)
	decision.Flagged = len(flaggedNames) > 0

	allowOverride := false
	for _, cat := range flaggedNames {
		switch policy.ActionFor(cat) {
		case ActionBlock:
			decision.Action = ActionBlock
			decision.Reason = fmt.Sprintf("Blocked by policy: %s", cat)
		case ActionFlag:
			if decision.Action != ActionBlock {
				decision.Action = ActionFlag
				decision.Reason = fmt.Sprintf("Monitoring category: %s", cat)
			}
		case ActionAllow:
			allowOverride = true
		}
		if decision.Action == ActionBlock {
			break
		}
	}

	if decision.Action == ActionAllow && decision.Flagged && !allowOverride {
		decision.Action = policy.DefaultAction
		if decision.Reason == "" {
			decision.Reason = fmt.Sprintf("Default action applied (%s)", policy.DefaultAction)
		}
	}

	if decision.Action != ActionAllow {
		g.record(sessionID, text, flaggedNames, decision)
	}
	return decision, nil
}

// record appends the decision to the audit log. Write failures are reported
// but never fail the turn.
func (g *Gate) record(sessionID, text string, flaggedNames []string, decision Decision) {
	if g.audit == nil {
		return
	}
	category := strings.Join(flaggedNames, ",")
	if category == "" {
		category = "unknown"
	}
	snippet := text
	if runes := []rune(snippet); len(runes) > snippetLimit {
		snippet = string(runes[:snippetLimit])
	}
	if err := g.audit.Append(Event{
		SessionID:   sessionID,
		Category:    category,
		Action:      decision.Action,
		TextSnippet: snippet,
		Scores:      decision.Scores,
	}); err != nil {
		log.Warn().Err(err).Str("component", "moderation").Str("session", sessionID).
			Msg("audit log write failed")
	}
}
