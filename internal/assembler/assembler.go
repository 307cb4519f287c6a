// Package assembler builds the optional context blocks injected into a
// prompt: document retrieval, tool output (web search, code execution), and
// conversational memory. Every builder is best-effort: collaborator failures
// degrade to an empty block and are logged, never propagated.
package assembler

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/normanking/ashley/internal/chat"
	"github.com/normanking/ashley/internal/router"
	"github.com/normanking/ashley/internal/sandbox"
	"github.com/normanking/ashley/internal/search"
	"github.com/normanking/ashley/internal/store"
)

const (
	// autoSearchThreshold triggers an implicit web search for long messages
	// when no explicit /search command is present.
	autoSearchThreshold = 220
	maxSearchResults    = 4
	snippetMaxChars     = 480
	toolOutputMaxChars  = 2000

	shortTermLimit = 5
	longTermLimit  = 5
)

var controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

// Sanitize clamps length and removes control characters and unsafe markup
// from text sourced outside the conversation before it enters a prompt.
func Sanitize(text string, maxChars int) string {
	cleaned := controlChars.ReplaceAllString(text, "")
	cleaned = strings.ReplaceAll(cleaned, "<script", "&lt;script")
	// Truncate on runes so a multi-byte character at the boundary is never split.
	if runes := []rune(cleaned); len(runes) > maxChars {
		if maxChars <= 3 {
			return string(runes[:maxChars])
		}
		cleaned = string(runes[:maxChars-3]) + "..."
	}
	return cleaned
}

// DocumentRetriever produces a retrieval context block for session documents.
type DocumentRetriever interface {
	BuildContext(sessionID, query string) (string, error)
}

// Searcher runs a web search through a named provider.
type Searcher interface {
	Search(ctx context.Context, query, providerName string, maxResults int) ([]search.Result, error)
}

// CodeRunner executes untrusted code under sandbox limits.
type CodeRunner interface {
	Run(ctx context.Context, code string) sandbox.Result
}

// MemoryReader reads the two memory tiers.
type MemoryReader interface {
	ShortTerm(sessionID string, limit int) ([]store.MemoryItem, error)
	SearchLongTerm(query string, limit int) ([]store.MemoryItem, error)
}

// Assembler builds prompt context blocks from injected collaborators.
type Assembler struct {
	retriever DocumentRetriever
	searcher  Searcher
	runner    CodeRunner
	memory    MemoryReader
}

// New creates an assembler. Any collaborator may be nil, in which case the
// blocks that depend on it come back empty.
func New(retriever DocumentRetriever, searcher Searcher, runner CodeRunner, memory MemoryReader) *Assembler {
	return &Assembler{retriever: retriever, searcher: searcher, runner: runner, memory: memory}
}

// BuildFileContext returns the document retrieval block, or empty when the
// file_qna tool is not active or retrieval fails.
func (a *Assembler) BuildFileContext(sessionID, userText string, tools []router.Tool) string {
	if a.retriever == nil || !hasTool(tools, router.ToolFileQNA) {
		return ""
	}
	block, err := a.retriever.BuildContext(sessionID, userText)
	if err != nil {
		log.Warn().Err(err).
			Str("component", "assembler").
			Str("session_id", sessionID).
			Msg("file context failed")
		return ""
	}
	return block
}

// BuildToolContext returns the tool output block: web search results for
// /search commands or long messages, and code execution output for !run
// commands. Sections are concatenated with a blank line between them.
func (a *Assembler) BuildToolContext(ctx context.Context, state *chat.ChatState, userText string, tools []router.Tool) string {
	var sections []string
	trimmed := strings.TrimSpace(userText)

	if hasTool(tools, router.ToolSearch) && a.searcher != nil {
		if query := searchQuery(trimmed, userText); query != "" {
			if block := a.searchSection(ctx, state, query); block != "" {
				sections = append(sections, block)
			}
		}
	}

	if hasTool(tools, router.ToolCode) && a.runner != nil && strings.HasPrefix(trimmed, "!run") {
		if code := extractCode(trimmed, userText); code != "" {
			sections = append(sections, a.codeSection(ctx, state.SessionID, code))
		}
	}

	return strings.Join(sections, "\n\n")
}

func searchQuery(trimmed, original string) string {
	if strings.HasPrefix(trimmed, "/search") {
		query := strings.TrimSpace(strings.TrimPrefix(trimmed, "/search"))
		if query == "" {
			return original
		}
		return query
	}
	if len([]rune(original)) > autoSearchThreshold {
		return original
	}
	return ""
}

func (a *Assembler) searchSection(ctx context.Context, state *chat.ChatState, query string) string {
	results, err := a.searcher.Search(ctx, query, state.SearchProvider, maxSearchResults)
	if err != nil {
		log.Warn().Err(err).
			Str("component", "assembler").
			Str("session_id", state.SessionID).
			Msg("web search failed")
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	lines := []string{"# Web Search", "Query: " + query}
	for _, item := range results {
		snippet := Sanitize(item.Snippet, snippetMaxChars)
		lines = append(lines, "- "+item.Title+": "+snippet+" ("+item.URL+")")
	}
	return strings.Join(lines, "\n")
}

// extractCode pulls the code payload: inline after !run, or the first fenced
// block in the message when the command line itself is bare.
func extractCode(trimmed, original string) string {
	code := strings.TrimSpace(strings.TrimPrefix(trimmed, "!run"))
	if code == "" && strings.Contains(original, "```") {
		start := strings.Index(original, "```") + 3
		end := strings.LastIndex(original, "```")
		if end > start {
			code = strings.TrimSpace(original[start:end])
		}
	}
	return code
}

func (a *Assembler) codeSection(ctx context.Context, sessionID, code string) string {
	result := a.runner.Run(ctx, code)
	if result.Err != "" {
		log.Warn().
			Str("component", "assembler").
			Str("session_id", sessionID).
			Str("error", result.Err).
			Msg("code execution reported an error")
	}
	output := Sanitize(sandbox.Format(result), toolOutputMaxChars)
	return strings.Join([]string{"# Code Execution", "```text", output, "```"}, "\n")
}

// BuildMemoryContext returns the memory block: the most recent short-term
// turns plus long-term hits lexically related to the current text. Empty when
// memory is disabled for the session.
func (a *Assembler) BuildMemoryContext(state *chat.ChatState, userPayload string) string {
	if a.memory == nil || !state.MemoryEnabled {
		return ""
	}
	var lines []string

	shortTerm, err := a.memory.ShortTerm(state.SessionID, shortTermLimit)
	if err != nil {
		log.Warn().Err(err).
			Str("component", "assembler").
			Str("session_id", state.SessionID).
			Msg("short-term memory read failed")
	} else if len(shortTerm) > 0 {
		lines = append(lines, "# Short Term Memory")
		for _, item := range shortTerm {
			lines = append(lines, "- "+item.Role+": "+item.Content)
		}
	}

	hits, err := a.memory.SearchLongTerm(userPayload, longTermLimit)
	if err != nil {
		log.Warn().Err(err).
			Str("component", "assembler").
			Str("session_id", state.SessionID).
			Msg("long-term memory search failed")
	} else if len(hits) > 0 {
		lines = append(lines, "# Long Term Memory")
		for _, hit := range hits {
			lines = append(lines, "- "+hit.Content)
		}
	}

	return strings.Join(lines, "\n")
}

// RewritePayload maps command-form user text to the payload the model should
// reason over: /search keeps only the query, !run becomes an instruction to
// review the tool output already placed in context.
func RewritePayload(userText string) string {
	trimmed := strings.TrimSpace(userText)
	switch {
	case strings.HasPrefix(trimmed, "/search"):
		query := strings.TrimSpace(strings.TrimPrefix(trimmed, "/search"))
		if query == "" {
			return userText
		}
		return query
	case strings.HasPrefix(trimmed, "!run"):
		return "Please review the execution output provided in the tool context and respond accordingly."
	default:
		return userText
	}
}

func hasTool(tools []router.Tool, want router.Tool) bool {
	for _, t := range tools {
		if t == want {
			return true
		}
	}
	return false
}
