// Package persona manages the named system-prompt bundles applied to a
// session. Personas are defined in YAML files and validated into a registry
// once at load; duplicate identifiers are rejected at construction.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Header is prepended to every persona bundle. It anchors the assistant's
// baseline voice before persona-specific prompts are layered on.
const Header = "You are Ashley — warm, affectionate, technically sharp when needed. " +
	"Keep responses grounded, emotionally intelligent, and avoid robotic tone.\n" +
	"If asked for professional personas, adapt expertise accordingly."

// Persona is one named prompt bundle.
type Persona struct {
	ID          string   `yaml:"id" json:"id"`
	Label       string   `yaml:"label" json:"label"`
	PromptFiles []string `yaml:"prompt_files" json:"prompt_files"`

	// Model, when set, forces this model for sessions using the persona.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// Tags carry routing hints (e.g. "advanced").
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Registry is the validated persona collection.
type Registry struct {
	dir      string
	personas map[string]Persona

	mu    sync.Mutex
	cache map[string]cachedPrompt
}

type cachedPrompt struct {
	modTime time.Time
	content string
}

type registryFile struct {
	Personas []Persona `yaml:"personas"`
}

// Load reads every *.yaml file under dir and builds the registry. Duplicate
// persona ids across files are an error, not a silent overwrite.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read persona directory: %w", err)
	}

	r := &Registry{
		dir:      dir,
		personas: make(map[string]Persona),
		cache:    make(map[string]cachedPrompt),
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read persona file %s: %w", name, err)
		}
		var parsed registryFile
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("parse persona file %s: %w", name, err)
		}
		for _, p := range parsed.Personas {
			if p.ID == "" {
				return nil, fmt.Errorf("persona in %s has empty id", name)
			}
			if _, exists := r.personas[p.ID]; exists {
				return nil, fmt.Errorf("duplicate persona id %q in %s", p.ID, name)
			}
			if p.Label == "" {
				p.Label = p.ID
			}
			r.personas[p.ID] = p
		}
	}
	return r, nil
}

// NewRegistry builds a registry from in-memory definitions, for callers
// (and tests) that do not use a persona directory.
func NewRegistry(personas []Persona) (*Registry, error) {
	r := &Registry{
		personas: make(map[string]Persona, len(personas)),
		cache:    make(map[string]cachedPrompt),
	}
	for _, p := range personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona has empty id")
		}
		if _, exists := r.personas[p.ID]; exists {
			return nil, fmt.Errorf("duplicate persona id %q", p.ID)
		}
		if p.Label == "" {
			p.Label = p.ID
		}
		r.personas[p.ID] = p
	}
	return r, nil
}

// IDs returns all persona identifiers, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.personas))
	for id := range r.personas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns a persona by id.
func (r *Registry) Get(id string) (Persona, bool) {
	p, ok := r.personas[id]
	return p, ok
}

// ModelMap returns the persona→forced-model pairs for router construction.
func (r *Registry) ModelMap() map[string]string {
	out := make(map[string]string)
	for id, p := range r.personas {
		if p.Model != "" {
			out[id] = p.Model
		}
	}
	return out
}

// Bundle concatenates the header and the prompt files of the named
// personas, in order. Missing personas and missing prompt files degrade to
// placeholder lines rather than failing the turn.
func (r *Registry) Bundle(names []string) string {
	parts := []string{Header, ""}
	for _, id := range names {
		p, ok := r.personas[id]
		if !ok {
			parts = append(parts, fmt.Sprintf("# Persona: %s\n(Persona not found)\n", id))
			continue
		}
		var sections []string
		for _, file := range p.PromptFiles {
			content, err := r.readPrompt(file)
			if err != nil {
				sections = append(sections, fmt.Sprintf("(Persona prompt file missing: %s)", file))
				continue
			}
			sections = append(sections, content)
		}
		parts = append(parts, fmt.Sprintf("# Persona: %s\n%s\n", p.Label, strings.Join(sections, "\n\n")))
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// readPrompt returns a prompt file's content with an mtime-aware cache, so
// edited persona files take effect without a restart.
func (r *Registry) readPrompt(file string) (string, error) {
	path := file
	if !filepath.IsAbs(path) && r.dir != "" {
		path = filepath.Join(r.dir, file)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	cached, ok := r.cache[path]
	r.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		return cached.content, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(string(data))

	r.mu.Lock()
	r.cache[path] = cachedPrompt{modTime: info.ModTime(), content: content}
	r.mu.Unlock()
	return content, nil
}
