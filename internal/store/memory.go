package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MemoryItem is one short- or long-term memory row.
type MemoryItem struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Memory is the two-tier conversational memory: a bounded recent-turn buffer
// per session, and a durable searchable long-term store.
type Memory struct {
	store *Store
}

// NewMemory creates the memory accessor.
func NewMemory(store *Store) *Memory {
	return &Memory{store: store}
}

// AppendShortTerm records one turn in the session's recent buffer.
func (m *Memory) AppendShortTerm(sessionID, role, content string) error {
	_, err := m.store.db.Exec(`
		INSERT INTO memory_short (session_id, role, content) VALUES (?, ?, ?)`,
		sessionID, role, content)
	if err != nil {
		return fmt.Errorf("append short-term memory: %w", err)
	}
	return nil
}

// ShortTerm returns up to limit of the most recent entries, oldest first.
func (m *Memory) ShortTerm(sessionID string, limit int) ([]MemoryItem, error) {
	rows, err := m.store.db.Query(`
		SELECT session_id, role, content, created_at
		FROM memory_short WHERE session_id = ?
		ORDER BY id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load short-term memory: %w", err)
	}
	defer rows.Close()

	var items []MemoryItem
	for rows.Next() {
		var (
			item    MemoryItem
			created float64
		)
		if err := rows.Scan(&item.SessionID, &item.Role, &item.Content, &created); err != nil {
			return nil, fmt.Errorf("scan short-term memory: %w", err)
		}
		item.CreatedAt = time.UnixMilli(int64(created * 1000))
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows were fetched newest-first; flip to chronological.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// AddLongTerm promotes a summary into the durable long-term store.
func (m *Memory) AddLongTerm(item MemoryItem) error {
	tags, _ := json.Marshal(item.Tags)
	_, err := m.store.db.Exec(`
		INSERT INTO memory_long (session_id, role, content, tags_json)
		VALUES (?, ?, ?, ?)`,
		item.SessionID, item.Role, item.Content, string(tags))
	if err != nil {
		return fmt.Errorf("add long-term memory: %w", err)
	}
	return nil
}

// SearchLongTerm returns up to limit entries lexically related to the query,
// newest first. A blank query matches nothing.
func (m *Memory) SearchLongTerm(query string, limit int) ([]MemoryItem, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, nil
	}
	pattern := "%" + strings.ToLower(trimmed) + "%"
	rows, err := m.store.db.Query(`
		SELECT session_id, role, content, tags_json, created_at
		FROM memory_long WHERE lower(content) LIKE ?
		ORDER BY created_at DESC LIMIT ?`,
		pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search long-term memory: %w", err)
	}
	defer rows.Close()

	var items []MemoryItem
	for rows.Next() {
		var (
			item     MemoryItem
			tagsJSON string
			created  float64
		)
		if err := rows.Scan(&item.SessionID, &item.Role, &item.Content, &tagsJSON, &created); err != nil {
			return nil, fmt.Errorf("scan long-term memory: %w", err)
		}
		item.CreatedAt = time.UnixMilli(int64(created * 1000))
		_ = json.Unmarshal([]byte(tagsJSON), &item.Tags)
		items = append(items, item)
	}
	return items, rows.Err()
}
