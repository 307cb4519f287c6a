// Package moderation implements the content-moderation gate: a configurable
// category→action policy evaluated against classifier output, with a durable
// audit trail for every non-allow decision.
package moderation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Action is the policy outcome for a content category.
type Action string

const (
	ActionAllow Action = "allow"
	ActionFlag  Action = "flag"
	ActionBlock Action = "block"
)

// ParseAction normalizes a policy action string. "monitor" is accepted as a
// synonym for "flag" for compatibility with older policy files.
func ParseAction(s string) (Action, error) {
	switch s {
	case "allow":
		return ActionAllow, nil
	case "flag", "monitor":
		return ActionFlag, nil
	case "block":
		return ActionBlock, nil
	}
	return "", fmt.Errorf("unknown moderation action %q", s)
}

// Policy maps content categories to actions. Categories not present fall
// back to DefaultAction.
type Policy struct {
	DefaultAction Action            `json:"default_action"`
	Categories    map[string]Action `json:"categories"`
}

// ActionFor resolves the action for a category.
func (p Policy) ActionFor(category string) Action {
	if a, ok := p.Categories[category]; ok {
		return a
	}
	return p.DefaultAction
}

// DefaultPolicy returns the shipped policy: the worst categories are blocked
// outright, political content is allow-listed, everything else is flagged
// for the audit trail.
func DefaultPolicy() Policy {
	return Policy{
		DefaultAction: ActionFlag,
		Categories: map[string]Action{
			"sexual":                 ActionFlag,
			"violence":               ActionFlag,
			"hate":                   ActionBlock,
			"self-harm":              ActionFlag,
			"harassment":             ActionFlag,
			"self-harm_instructions": ActionBlock,
			"hate_threatening":       ActionBlock,
			"self-harm_intent":       ActionBlock,
			"sexual_minors":          ActionBlock,
			"violence_graphic":       ActionFlag,
			"malware":                ActionBlock,
			"political":              ActionAllow,
			"medical":                ActionFlag,
		},
	}
}

// PolicyStore holds the process-wide policy with durable persistence.
// Reads and mutations are safe across concurrent sessions; every mutation
// rewrites the policy file and refreshes the in-memory copy.
type PolicyStore struct {
	mu     sync.RWMutex
	policy Policy
	path   string
}

// NewPolicyStore loads the policy file at path, falling back to the given
// policy when the file is missing or unreadable.
func NewPolicyStore(path string, fallback Policy) *PolicyStore {
	ps := &PolicyStore{policy: fallback, path: path}
	ps.load()
	return ps
}

// Policy returns a snapshot of the current policy.
func (ps *PolicyStore) Policy() Policy {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	snap := Policy{DefaultAction: ps.policy.DefaultAction, Categories: make(map[string]Action, len(ps.policy.Categories))}
	for k, v := range ps.policy.Categories {
		snap.Categories[k] = v
	}
	return snap
}

// SetCategoryAction updates one category's action and persists the policy.
func (ps *PolicyStore) SetCategoryAction(category, action string) error {
	a, err := ParseAction(action)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.policy.Categories == nil {
		ps.policy.Categories = make(map[string]Action)
	}
	ps.policy.Categories[category] = a
	return ps.save()
}

// SetDefaultAction updates the fallback action and persists the policy.
func (ps *PolicyStore) SetDefaultAction(action string) error {
	a, err := ParseAction(action)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.policy.DefaultAction = a
	return ps.save()
}

func (ps *PolicyStore) load() {
	if ps.path == "" {
		return
	}
	data, err := os.ReadFile(ps.path)
	if err != nil {
		return
	}
	var raw struct {
		DefaultAction string            `json:"default_action"`
		Categories    map[string]string `json:"categories"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	loaded := Policy{DefaultAction: ps.policy.DefaultAction, Categories: make(map[string]Action)}
	if a, err := ParseAction(raw.DefaultAction); err == nil {
		loaded.DefaultAction = a
	}
	for cat, act := range raw.Categories {
		if a, err := ParseAction(act); err == nil {
			loaded.Categories[cat] = a
		}
	}
	ps.policy = loaded
}

func (ps *PolicyStore) save() error {
	if ps.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(ps.path), 0755); err != nil {
		return fmt.Errorf("create policy directory: %w", err)
	}
	data, err := json.MarshalIndent(ps.policy, "", "  ")
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	if err := os.WriteFile(ps.path, data, 0644); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	return nil
}
