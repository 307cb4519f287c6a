// Package search provides the web-search collaborator: named providers with
// automatic fallback and a small TTL cache to keep repeated queries off the
// network.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Provider is a single search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// ───────────────────────────────────────────────────────────────────────────
// TAVILY
// ───────────────────────────────────────────────────────────────────────────

// TavilyProvider queries the Tavily Search API.
type TavilyProvider struct {
	apiKey string
	client *http.Client
}

// NewTavilyProvider creates a Tavily provider with the given API key.
func NewTavilyProvider(apiKey string) *TavilyProvider {
	return &TavilyProvider{
		apiKey: apiKey,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *TavilyProvider) Name() string { return "tavily" }

type tavilyRequest struct {
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search implements Provider.
func (p *TavilyProvider) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	body, err := json.Marshal(tavilyRequest{
		Query:       query,
		SearchDepth: "advanced",
		MaxResults:  maxResults,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.tavily.com/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tavily status %d", resp.StatusCode)
	}

	var parsed tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("tavily decode: %w", err)
	}
	results := make([]Result, 0, len(parsed.Results))
	for i, item := range parsed.Results {
		if i >= maxResults {
			break
		}
		results = append(results, Result{Title: item.Title, URL: item.URL, Snippet: item.Content})
	}
	return results, nil
}

// ───────────────────────────────────────────────────────────────────────────
// DUCKDUCKGO
// ───────────────────────────────────────────────────────────────────────────

// DuckDuckGoProvider is the keyless fallback backend.
type DuckDuckGoProvider struct {
	client *http.Client
}

// NewDuckDuckGoProvider creates the fallback provider.
func NewDuckDuckGoProvider() *DuckDuckGoProvider {
	return &DuckDuckGoProvider{client: &http.Client{Timeout: 10 * time.Second}}
}

func (p *DuckDuckGoProvider) Name() string { return "duckduckgo" }

// Search implements Provider using the autocomplete endpoint, which needs
// no API key.
func (p *DuckDuckGoProvider) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	endpoint := "https://duckduckgo.com/ac/?" + url.Values{"q": {query}, "format": {"json"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo status %d", resp.StatusCode)
	}

	var parsed []struct {
		Phrase  string `json:"phrase"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("duckduckgo decode: %w", err)
	}
	results := make([]Result, 0, len(parsed))
	for i, item := range parsed {
		if i >= maxResults {
			break
		}
		results = append(results, Result{Title: item.Phrase, URL: item.URL, Snippet: item.Snippet})
	}
	return results, nil
}

// ───────────────────────────────────────────────────────────────────────────
// MANAGER
// ───────────────────────────────────────────────────────────────────────────

type cacheEntry struct {
	results   []Result
	expiresAt time.Time
}

// Manager routes queries to a named provider with fallback to the keyless
// backend and caches results for a short TTL.
type Manager struct {
	providers map[string]Provider
	fallback  Provider

	mu      sync.Mutex
	cache   map[string]cacheEntry
	ttl     time.Duration
	maxSize int
}

// NewManager builds a manager. With a Tavily key the "auto" provider is
// Tavily; otherwise DuckDuckGo serves everything.
func NewManager(tavilyAPIKey string) *Manager {
	ddg := NewDuckDuckGoProvider()
	m := &Manager{
		providers: map[string]Provider{"duckduckgo": ddg},
		fallback:  ddg,
		cache:     make(map[string]cacheEntry),
		ttl:       5 * time.Minute,
		maxSize:   100,
	}
	if tavilyAPIKey != "" {
		tavily := NewTavilyProvider(tavilyAPIKey)
		m.providers["tavily"] = tavily
		m.providers["auto"] = tavily
	} else {
		m.providers["auto"] = ddg
	}
	return m
}

// Search runs a query against the named provider ("auto" for the default),
// falling back to the keyless backend when the primary fails.
func (m *Manager) Search(ctx context.Context, query, providerName string, maxResults int) ([]Result, error) {
	if providerName == "" {
		providerName = "auto"
	}
	cacheKey := providerName + "|" + query
	if results, ok := m.cached(cacheKey); ok {
		return results, nil
	}

	provider, ok := m.providers[providerName]
	if !ok {
		provider = m.providers["auto"]
	}

	results, err := provider.Search(ctx, query, maxResults)
	if err != nil && provider != m.fallback {
		log.Warn().Err(err).Str("component", "search").Str("provider", provider.Name()).
			Msg("primary search provider failed, using fallback")
		results, err = m.fallback.Search(ctx, query, maxResults)
	}
	if err != nil {
		return nil, err
	}
	m.store(cacheKey, results)
	return results, nil
}

func (m *Manager) cached(key string) ([]Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.results, true
}

func (m *Manager) store(key string, results []Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cache) >= m.maxSize {
		// Drop expired entries first; if still full, reset wholesale.
		for k, e := range m.cache {
			if time.Now().After(e.expiresAt) {
				delete(m.cache, k)
			}
		}
		if len(m.cache) >= m.maxSize {
			m.cache = make(map[string]cacheEntry)
		}
	}
	m.cache[key] = cacheEntry{results: results, expiresAt: time.Now().Add(m.ttl)}
}
