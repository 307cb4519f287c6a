package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/normanking/ashley/internal/chat"
)

// SessionRecord is a fully loaded session row.
type SessionRecord struct {
	ID           string                 `json:"id"`
	Title        string                 `json:"title"`
	CreatedAt    time.Time              `json:"created_at"`
	PersonaNames []string               `json:"persona_names"`
	Messages     []chat.Message         `json:"messages"`
	Usage        *chat.TokenUsage       `json:"usage,omitempty"`
	Settings     map[string]interface{} `json:"settings,omitempty"`
}

// ErrSessionNotFound is returned when loading an unknown session id.
var ErrSessionNotFound = fmt.Errorf("session not found")

// Sessions is the durable session log. One row per session, append-only
// message rows, a single usage rollup row per session.
type Sessions struct {
	store *Store
}

// NewSessions creates the session accessor.
func NewSessions(store *Store) *Sessions {
	return &Sessions{store: store}
}

// Ensure upserts the session row from in-memory state.
func (s *Sessions) Ensure(state *chat.ChatState) error {
	settings := map[string]interface{}{
		"model":          state.ActiveModel,
		"temperature":    state.Params.Temperature,
		"top_p":          state.Params.TopP,
		"memory_enabled": state.MemoryEnabled,
	}
	personas, _ := json.Marshal(state.PersonaNames)
	settingsJSON, _ := json.Marshal(settings)

	title := state.Title
	if title == "" {
		title = "Untitled"
	}
	_, err := s.store.db.Exec(`
		INSERT INTO sessions (id, title, created_at, persona_names, settings_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title,
			persona_names=excluded.persona_names,
			settings_json=excluded.settings_json`,
		state.SessionID, title, float64(time.Now().UnixMilli())/1000, string(personas), string(settingsJSON))
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

// AppendMessage durably records one turn message. The session row is
// created on demand so append never fails on ordering.
func (s *Sessions) AppendMessage(sessionID, role, content string, metadata map[string]interface{}) error {
	if err := s.ensureRow(sessionID); err != nil {
		return err
	}
	var metaJSON sql.NullString
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encode message metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.store.db.Exec(`
		INSERT INTO session_messages (session_id, role, content, metadata_json)
		VALUES (?, ?, ?, ?)`,
		sessionID, role, content, metaJSON)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Messages loads a session's transcript in insertion order.
func (s *Sessions) Messages(sessionID string) ([]chat.Message, error) {
	rows, err := s.store.db.Query(`
		SELECT role, content, metadata_json, created_at
		FROM session_messages WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var (
			msg      chat.Message
			metaJSON sql.NullString
			created  float64
		)
		if err := rows.Scan(&msg.Role, &msg.Content, &metaJSON, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp = time.UnixMilli(int64(created * 1000))
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &msg.Metadata)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// UpdateUsage replaces the session's usage rollup with the given totals.
func (s *Sessions) UpdateUsage(sessionID string, promptTokens, completionTokens int, costUSD float64) error {
	_, err := s.store.db.Exec(`
		INSERT INTO session_usage (session_id, prompt_tokens, completion_tokens, total_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			prompt_tokens=excluded.prompt_tokens,
			completion_tokens=excluded.completion_tokens,
			total_tokens=excluded.total_tokens,
			cost_usd=excluded.cost_usd`,
		sessionID, promptTokens, completionTokens, promptTokens+completionTokens, costUSD)
	if err != nil {
		return fmt.Errorf("update session usage: %w", err)
	}
	return nil
}

// List returns all sessions, newest first, with transcripts and usage.
func (s *Sessions) List() ([]SessionRecord, error) {
	rows, err := s.store.db.Query(`
		SELECT id, title, created_at, persona_names, settings_json
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range records {
		if err := s.hydrate(&records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// Load returns one session by id.
func (s *Sessions) Load(sessionID string) (SessionRecord, error) {
	row := s.store.db.QueryRow(`
		SELECT id, title, created_at, persona_names, settings_json
		FROM sessions WHERE id = ?`, sessionID)
	rec, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return SessionRecord{}, err
	}
	if err := s.hydrate(&rec); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

// Rename updates a session's title.
func (s *Sessions) Rename(sessionID, title string) error {
	if title == "" {
		title = "Untitled"
	}
	_, err := s.store.db.Exec(`UPDATE sessions SET title = ? WHERE id = ?`, title, sessionID)
	return err
}

// Delete removes a session and, via cascade, its messages and usage.
func (s *Sessions) Delete(sessionID string) error {
	_, err := s.store.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}

// ExportMarkdown writes the transcript as a Markdown document.
func (s *Sessions) ExportMarkdown(sessionID string, w io.Writer) error {
	rec, err := s.Load(sessionID)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("# " + rec.Title + "\n")
	for _, msg := range rec.Messages {
		role := msg.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		b.WriteString("\n## " + role + "\n\n" + msg.Content + "\n")
	}
	_, err = io.WriteString(w, b.String())
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		rec          SessionRecord
		created      float64
		personaJSON  string
		settingsJSON sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Title, &created, &personaJSON, &settingsJSON); err != nil {
		return SessionRecord{}, err
	}
	rec.CreatedAt = time.UnixMilli(int64(created * 1000))
	_ = json.Unmarshal([]byte(personaJSON), &rec.PersonaNames)
	if settingsJSON.Valid {
		_ = json.Unmarshal([]byte(settingsJSON.String), &rec.Settings)
	}
	return rec, nil
}

func (s *Sessions) hydrate(rec *SessionRecord) error {
	messages, err := s.Messages(rec.ID)
	if err != nil {
		return err
	}
	rec.Messages = messages

	row := s.store.db.QueryRow(`
		SELECT prompt_tokens, completion_tokens, total_tokens, cost_usd
		FROM session_usage WHERE session_id = ?`, rec.ID)
	var usage chat.TokenUsage
	switch err := row.Scan(&usage.PromptTokens, &usage.CompletionTokens, &usage.TotalTokens, &usage.CostUSD); err {
	case nil:
		rec.Usage = &usage
	case sql.ErrNoRows:
	default:
		return fmt.Errorf("load session usage: %w", err)
	}
	return nil
}

func (s *Sessions) ensureRow(sessionID string) error {
	_, err := s.store.db.Exec(`
		INSERT INTO sessions (id, title, created_at, persona_names)
		VALUES (?, 'Untitled', ?, '[]')
		ON CONFLICT(id) DO NOTHING`,
		sessionID, float64(time.Now().UnixMilli())/1000)
	if err != nil {
		return fmt.Errorf("ensure session row: %w", err)
	}
	return nil
}
