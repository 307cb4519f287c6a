package router

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Heuristic thresholds. Character lengths are rune counts of the raw turn.
const (
	// longInputChars routes to the mid tier above this input length.
	longInputChars = 200
	// longHistoryMessages routes to the mid tier above this history size.
	longHistoryMessages = 20
	// searchTriggerChars enables the search tool above this input length,
	// a proxy for "this needs grounding".
	searchTriggerChars = 280
)

// techKeywords mark technical content that deserves the advanced tier.
var techKeywords = []string{
	"refactor", "big o", "complexity", "optimize", "benchmark",
	"architecture", "kubernetes", "neural", "machine learning",
	"deploy", "sql", "query", "regex", "debug",
}

// codePatterns detect code in the turn text.
var codePatterns = []*regexp.Regexp{
	regexp.MustCompile("```"),
	regexp.MustCompile(`\bdef `),
	regexp.MustCompile(`\bclass `),
	regexp.MustCompile(`\bimport `),
}

// advancedPersonaTags are persona names that imply technical sessions.
var advancedPersonaTags = map[string]bool{
	"ml_ai_prompt":        true,
	"hybrid":              true,
	"csharp_dotnet_prompt": true,
}

// Selector routes turns against a model catalog and persona mapping.
// It is stateless; a single instance serves all sessions.
type Selector struct {
	catalog  Catalog
	personas *PersonaModels
}

// NewSelector validates the catalog and builds a selector.
func NewSelector(catalog Catalog, personas *PersonaModels) (*Selector, error) {
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return &Selector{catalog: catalog, personas: personas}, nil
}

// Select resolves the model and tool set for a turn. Decision order, first
// match wins: explicit override, persona-forced model, vision, forced
// lightweight, technical content, long input/history, default. Tool
// derivation is independent of which branch picked the model.
func (s *Selector) Select(ctx Context) Decision {
	tools := deriveTools(ctx)

	if ctx.OverrideModel != "" {
		return Decision{Model: ctx.OverrideModel, Reason: "User override", Tools: tools}
	}

	for _, persona := range ctx.PersonaNames {
		if model, ok := s.personas.ModelFor(persona); ok {
			return Decision{
				Model:  model,
				Reason: fmt.Sprintf("Persona-based routing: %s", persona),
				Tools:  tools,
			}
		}
	}

	textLower := strings.ToLower(ctx.Text)
	needsVision := ctx.ForceVision || hasImage(ctx)
	technical := containsCode(textLower) || containsTechKeyword(textLower) || hasAdvancedPersona(ctx.PersonaNames)
	longTurn := utf8.RuneCountInString(ctx.Text) > longInputChars || ctx.HistoryLength > longHistoryMessages

	switch {
	case needsVision:
		return Decision{Model: s.catalog.Vision, Reason: "Vision request", Tools: tools}
	case ctx.ForceLightweight:
		return Decision{Model: s.catalog.Default, Reason: "Forced lightweight mode", Tools: tools}
	case technical:
		return Decision{Model: s.catalog.Advanced, Reason: "Technical content detected", Tools: tools}
	case longTurn:
		return Decision{Model: s.catalog.MidTier, Reason: "Long input or history", Tools: tools}
	default:
		return Decision{Model: s.catalog.Default, Reason: "Default routing", Tools: tools}
	}
}

// deriveTools enables capabilities from content heuristics. Unknown
// attachment types are ignored, not errors.
func deriveTools(ctx Context) []Tool {
	var tools []Tool
	hasDoc := false
	for _, att := range ctx.Attachments {
		if att.IsDocument() {
			hasDoc = true
			break
		}
	}
	if hasDoc {
		tools = append(tools, ToolFileQNA)
	}
	if hasImage(ctx) {
		tools = append(tools, ToolVision)
	}
	trimmed := strings.TrimSpace(ctx.Text)
	if containsCode(strings.ToLower(ctx.Text)) || strings.HasPrefix(trimmed, "!run") {
		tools = append(tools, ToolCode)
	}
	if utf8.RuneCountInString(ctx.Text) > searchTriggerChars || strings.HasPrefix(trimmed, "/search") {
		tools = append(tools, ToolSearch)
	}
	return tools
}

func hasImage(ctx Context) bool {
	for _, att := range ctx.Attachments {
		if att.IsImage() {
			return true
		}
	}
	return false
}

func containsCode(textLower string) bool {
	for _, pattern := range codePatterns {
		if pattern.MatchString(textLower) {
			return true
		}
	}
	return strings.Contains(textLower, ";") && strings.Contains(textLower, "{")
}

func containsTechKeyword(textLower string) bool {
	for _, kw := range techKeywords {
		if strings.Contains(textLower, kw) {
			return true
		}
	}
	return false
}

func hasAdvancedPersona(names []string) bool {
	for _, name := range names {
		if advancedPersonaTags[strings.ToLower(name)] {
			return true
		}
	}
	return false
}
