package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/normanking/ashley/internal/chat"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAppendAndLoadMessages(t *testing.T) {
	s := NewSessions(openTestStore(t))

	meta := map[string]interface{}{"model": "gpt-4o-mini"}
	if err := s.AppendMessage("s1", "user", "hello", meta); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.AppendMessage("s1", "assistant", "hi there", nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := s.Messages("s1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hello" {
		t.Errorf("first = %+v", msgs[0])
	}
	if msgs[0].Metadata["model"] != "gpt-4o-mini" {
		t.Errorf("metadata = %v", msgs[0].Metadata)
	}
	if msgs[1].Role != "assistant" {
		t.Errorf("second = %+v", msgs[1])
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("timestamp not recorded")
	}
}

func TestAppendCreatesSessionRow(t *testing.T) {
	s := NewSessions(openTestStore(t))

	if err := s.AppendMessage("fresh", "user", "first", nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	rec, err := s.Load("fresh")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Title != "Untitled" {
		t.Errorf("title = %q", rec.Title)
	}
}

func TestEnsurePersistsSettings(t *testing.T) {
	s := NewSessions(openTestStore(t))

	state := chat.NewChatState("gpt-4o-mini", "ashley", "tutor")
	state.Title = "Homework help"
	if err := s.Ensure(state); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	rec, err := s.Load(state.SessionID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Title != "Homework help" {
		t.Errorf("title = %q", rec.Title)
	}
	if len(rec.PersonaNames) != 2 || rec.PersonaNames[0] != "ashley" {
		t.Errorf("personas = %v", rec.PersonaNames)
	}
	if rec.Settings["model"] != "gpt-4o-mini" {
		t.Errorf("settings = %v", rec.Settings)
	}
}

func TestLoadUnknownSession(t *testing.T) {
	s := NewSessions(openTestStore(t))
	_, err := s.Load("missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := NewSessions(openTestStore(t))

	for i := 0; i < 3; i++ {
		if err := s.AppendMessage(fmt.Sprintf("s%d", i), "user", "hi", nil); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	records, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records", len(records))
	}
	for _, rec := range records {
		if len(rec.Messages) != 1 {
			t.Errorf("session %s not hydrated: %d messages", rec.ID, len(rec.Messages))
		}
	}
}

func TestUpdateUsageReplacesRollup(t *testing.T) {
	s := NewSessions(openTestStore(t))

	if err := s.AppendMessage("s1", "user", "hi", nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.UpdateUsage("s1", 10, 5, 0.01); err != nil {
		t.Fatalf("UpdateUsage: %v", err)
	}
	if err := s.UpdateUsage("s1", 30, 12, 0.04); err != nil {
		t.Fatalf("UpdateUsage: %v", err)
	}

	rec, err := s.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Usage == nil {
		t.Fatal("usage rollup missing")
	}
	if rec.Usage.PromptTokens != 30 || rec.Usage.TotalTokens != 42 {
		t.Errorf("usage = %+v, want the replaced totals", rec.Usage)
	}
}

func TestRenameAndDelete(t *testing.T) {
	s := NewSessions(openTestStore(t))

	if err := s.AppendMessage("s1", "user", "hi", nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.Rename("s1", "Renamed"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	rec, err := s.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Title != "Renamed" {
		t.Errorf("title = %q", rec.Title)
	}

	if err := s.Delete("s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v after delete", err)
	}
	// Cascade removes the message rows too.
	msgs, err := s.Messages("s1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages survived the delete: %d", len(msgs))
	}
}

func TestExportMarkdown(t *testing.T) {
	s := NewSessions(openTestStore(t))

	if err := s.AppendMessage("s1", "user", "what is Go", nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.AppendMessage("s1", "assistant", "a programming language", nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.Rename("s1", "Go basics"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	var out strings.Builder
	if err := s.ExportMarkdown("s1", &out); err != nil {
		t.Fatalf("ExportMarkdown: %v", err)
	}
	got := out.String()
	for _, want := range []string{"# Go basics", "## User", "what is Go", "## Assistant", "a programming language"} {
		if !strings.Contains(got, want) {
			t.Errorf("export missing %q:\n%s", want, got)
		}
	}
}
