// Package router selects the model and auxiliary tool set for a turn.
// Selection is a pure function of the routing context: no I/O, no hidden
// state, unit-testable with literal inputs.
package router

import (
	"fmt"

	"github.com/normanking/ashley/internal/chat"
)

// Tool identifies an auxiliary capability enabled for a turn.
type Tool string

const (
	// ToolFileQNA enables document retrieval over session attachments.
	ToolFileQNA Tool = "file_qna"
	// ToolVision enables image understanding.
	ToolVision Tool = "vision"
	// ToolCode enables sandboxed code execution.
	ToolCode Tool = "code"
	// ToolSearch enables web search grounding.
	ToolSearch Tool = "search"
)

// Context is everything the selection function looks at.
type Context struct {
	// Text is the raw user turn.
	Text string

	// PersonaNames are the session's active personas, in order.
	PersonaNames []string

	// Attachments are all attachments on the session, current turn included.
	Attachments []chat.Attachment

	// HistoryLength is the number of messages already in the session.
	HistoryLength int

	// OverrideModel, when non-empty, wins over every heuristic.
	OverrideModel string

	// ForceVision routes to the vision model regardless of attachments.
	ForceVision bool

	// ForceLightweight routes to the default model.
	ForceLightweight bool

	// Temperature is carried along for logging; it does not affect routing.
	Temperature float64
}

// Decision is the routing outcome for one turn.
type Decision struct {
	// Model is the selected model identifier.
	Model string `json:"model"`

	// Reason explains which rule picked the model.
	Reason string `json:"reason"`

	// Tools is the enabled capability set, derived from content heuristics
	// independently of the model branch.
	Tools []Tool `json:"tools"`
}

// HasTool reports whether the decision enables a capability.
func (d Decision) HasTool(tool Tool) bool {
	for _, t := range d.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// Catalog names the configured model tiers the selector picks from.
type Catalog struct {
	// Default is the baseline model for short, non-technical turns.
	Default string
	// MidTier handles long inputs and long histories.
	MidTier string
	// Advanced is the highest-capability model, used for technical content.
	Advanced string
	// Vision handles image turns.
	Vision string
}

// Validate rejects catalogs with empty tiers.
func (c Catalog) Validate() error {
	if c.Default == "" || c.MidTier == "" || c.Advanced == "" || c.Vision == "" {
		return fmt.Errorf("model catalog has empty tiers: %+v", c)
	}
	return nil
}

// PersonaModels is a validated persona→model mapping, built once at startup.
// Construction rejects empty entries instead of letting bad rows win later.
type PersonaModels struct {
	models map[string]string
}

// NewPersonaModels builds the mapping from (persona, model) pairs.
func NewPersonaModels(pairs map[string]string) (*PersonaModels, error) {
	m := make(map[string]string, len(pairs))
	for persona, model := range pairs {
		if persona == "" || model == "" {
			return nil, fmt.Errorf("persona mapping has empty entry %q=%q", persona, model)
		}
		m[persona] = model
	}
	return &PersonaModels{models: m}, nil
}

// MustPersonaModels is NewPersonaModels for static tables known to be valid.
func MustPersonaModels(pairs map[string]string) *PersonaModels {
	pm, err := NewPersonaModels(pairs)
	if err != nil {
		panic(err)
	}
	return pm
}

// ModelFor returns the forced model for a persona, if any.
func (pm *PersonaModels) ModelFor(persona string) (string, bool) {
	if pm == nil {
		return "", false
	}
	model, ok := pm.models[persona]
	return model, ok
}
