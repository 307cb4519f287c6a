// Package retrieval implements file Q&A: per-session document chunk stores
// with lexical relevance scoring, feeding the retrieved-context block of a
// prompt.
package retrieval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	// chunkWords is the word-window size for document chunking.
	chunkWords = 800
	// chunkOverlap is the word overlap between consecutive chunks.
	chunkOverlap = 200
	// maxContextChunks bounds how many chunks one query pulls in.
	maxContextChunks = 3
)

// Chunk is one indexed slice of a document.
type Chunk struct {
	ChunkID  string            `json:"chunk_id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Manager stores and queries per-session document chunks. Stores are
// persisted as one JSON file per session under storageDir.
type Manager struct {
	storageDir string

	mu    sync.Mutex
	cache map[string]map[string][]Chunk // session -> document -> chunks
}

// NewManager creates a manager rooted at storageDir.
func NewManager(storageDir string) (*Manager, error) {
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return nil, fmt.Errorf("create retrieval storage: %w", err)
	}
	return &Manager{
		storageDir: storageDir,
		cache:      make(map[string]map[string][]Chunk),
	}, nil
}

// Ingest chunks a document's text and indexes it for the session.
func (m *Manager) Ingest(sessionID, docName, text string) error {
	chunks := chunkText(text)
	indexed := make([]Chunk, len(chunks))
	for i, c := range chunks {
		indexed[i] = Chunk{
			ChunkID:  fmt.Sprintf("%s-%d", docName, i),
			Text:     c,
			Metadata: map[string]string{"document": docName},
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	docs, err := m.loadLocked(sessionID)
	if err != nil {
		return err
	}
	docs[docName] = indexed
	return m.saveLocked(sessionID, docs)
}

// BuildContext returns a formatted context block of the chunks most related
// to the query, or an empty string when nothing is indexed or relevant.
func (m *Manager) BuildContext(sessionID, query string) (string, error) {
	m.mu.Lock()
	docs, err := m.loadLocked(sessionID)
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "", nil
	}

	type scored struct {
		chunk Chunk
		score int
	}
	queryTerms := terms(query)
	var candidates []scored
	for _, chunks := range docs {
		for _, c := range chunks {
			if s := overlap(queryTerms, terms(c.Text)); s > 0 {
				candidates = append(candidates, scored{chunk: c, score: s})
			}
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > maxContextChunks {
		candidates = candidates[:maxContextChunks]
	}

	var b strings.Builder
	b.WriteString("# Document Context\n")
	for _, c := range candidates {
		b.WriteString(fmt.Sprintf("## %s\n%s\n", c.chunk.Metadata["document"], c.chunk.Text))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// Clear drops a session's index.
func (m *Manager) Clear(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, sessionID)
	err := os.Remove(m.sessionPath(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (m *Manager) sessionPath(sessionID string) string {
	return filepath.Join(m.storageDir, sessionID+".json")
}

func (m *Manager) loadLocked(sessionID string) (map[string][]Chunk, error) {
	if docs, ok := m.cache[sessionID]; ok {
		return docs, nil
	}
	docs := make(map[string][]Chunk)
	data, err := os.ReadFile(m.sessionPath(sessionID))
	if err == nil {
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("decode retrieval index %s: %w", sessionID, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read retrieval index %s: %w", sessionID, err)
	}
	m.cache[sessionID] = docs
	return docs, nil
}

func (m *Manager) saveLocked(sessionID string, docs map[string][]Chunk) error {
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode retrieval index: %w", err)
	}
	if err := os.WriteFile(m.sessionPath(sessionID), data, 0644); err != nil {
		return fmt.Errorf("write retrieval index: %w", err)
	}
	return nil
}

// chunkText splits text into overlapping word windows.
func chunkText(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var chunks []string
	start := 0
	for start < len(words) {
		end := start + chunkWords
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
		start = end - chunkOverlap
		if start < 0 {
			start = 0
		}
	}
	return chunks
}

func terms(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?()[]{}\"'`")
		if len(w) > 2 {
			out[w] = true
		}
	}
	return out
}

func overlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}
