// Package usage tracks process-wide token and cost consumption across all
// sessions. Updates are applied as one atomic increment per completed turn
// and persisted to a JSON state file.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MonthUsage aggregates one calendar month of consumption.
type MonthUsage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Requests         int64   `json:"requests"`

	// PerModel breaks the month down by model identifier.
	PerModel map[string]*ModelUsage `json:"per_model,omitempty"`
}

// ModelUsage is one model's share of a month.
type ModelUsage struct {
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LastUsed         time.Time `json:"last_used"`
}

// Alert is fired when a soft cap is crossed. Alerts inform; they never
// block a turn.
type Alert struct {
	Month    string  `json:"month"`
	CostUSD  float64 `json:"cost_usd"`
	CapUSD   float64 `json:"cap_usd"`
	Message  string  `json:"message"`
}

// AlertHandler receives soft-cap alerts.
type AlertHandler func(Alert)

// Ledger is the shared usage accumulator. Safe for concurrent use from
// multiple sessions' turns.
type Ledger struct {
	mu       sync.Mutex
	months   map[string]*MonthUsage
	path     string
	capUSD   float64
	handlers []AlertHandler
	alerted  map[string]bool
}

// Option configures the ledger.
type Option func(*Ledger)

// WithSoftCap sets a monthly cost soft cap in USD. Zero disables alerts.
func WithSoftCap(capUSD float64) Option {
	return func(l *Ledger) {
		l.capUSD = capUSD
	}
}

// WithAlertHandler registers a soft-cap alert callback.
func WithAlertHandler(h AlertHandler) Option {
	return func(l *Ledger) {
		l.handlers = append(l.handlers, h)
	}
}

// NewLedger creates a ledger persisting to statePath. Existing state is
// loaded; a missing or corrupt file starts fresh.
func NewLedger(statePath string, opts ...Option) *Ledger {
	l := &Ledger{
		months:  make(map[string]*MonthUsage),
		path:    statePath,
		alerted: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.load()
	return l
}

// Update applies one turn's usage delta. The whole delta lands atomically;
// concurrent turns never observe a partial increment.
func (l *Ledger) Update(sessionID, model string, promptTokens, completionTokens int, costUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := monthKey(time.Now())
	month := l.months[key]
	if month == nil {
		month = &MonthUsage{PerModel: make(map[string]*ModelUsage)}
		l.months[key] = month
	}
	if month.PerModel == nil {
		month.PerModel = make(map[string]*ModelUsage)
	}

	month.PromptTokens += int64(promptTokens)
	month.CompletionTokens += int64(completionTokens)
	month.CostUSD += costUSD
	month.Requests++

	mu := month.PerModel[model]
	if mu == nil {
		mu = &ModelUsage{}
		month.PerModel[model] = mu
	}
	mu.PromptTokens += int64(promptTokens)
	mu.CompletionTokens += int64(completionTokens)
	mu.CostUSD += costUSD
	mu.LastUsed = time.Now()

	l.maybeAlert(key, month)
	l.save()
}

// Month returns a copy of one month's usage. Empty monthKey means the
// current month.
func (l *Ledger) Month(key string) MonthUsage {
	l.mu.Lock()
	defer l.mu.Unlock()

	if key == "" {
		key = monthKey(time.Now())
	}
	month := l.months[key]
	if month == nil {
		return MonthUsage{}
	}
	out := *month
	out.PerModel = make(map[string]*ModelUsage, len(month.PerModel))
	for m, u := range month.PerModel {
		cp := *u
		out.PerModel[m] = &cp
	}
	return out
}

// Report formats the month's totals for display.
func (l *Ledger) Report(key string) string {
	m := l.Month(key)
	return fmt.Sprintf("Prompt: %d | Completion: %d | Cost: $%.4f",
		m.PromptTokens, m.CompletionTokens, m.CostUSD)
}

func (l *Ledger) maybeAlert(key string, month *MonthUsage) {
	if l.capUSD <= 0 || month.CostUSD < l.capUSD || l.alerted[key] {
		return
	}
	l.alerted[key] = true
	alert := Alert{
		Month:   key,
		CostUSD: month.CostUSD,
		CapUSD:  l.capUSD,
		Message: fmt.Sprintf("monthly cost $%.2f exceeded soft cap $%.2f", month.CostUSD, l.capUSD),
	}
	for _, h := range l.handlers {
		go h(alert)
	}
}

func (l *Ledger) load() {
	if l.path == "" {
		return
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	months := make(map[string]*MonthUsage)
	if err := json.Unmarshal(data, &months); err != nil {
		log.Warn().Err(err).Str("component", "usage").Msg("discarding corrupt ledger state")
		return
	}
	l.months = months
}

// save persists under the held lock. Write failures are logged, not
// propagated: the ledger is best-effort durable.
func (l *Ledger) save() {
	if l.path == "" {
		return
	}
	data, err := json.MarshalIndent(l.months, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		log.Warn().Err(err).Str("component", "usage").Msg("ledger state dir")
		return
	}
	if err := os.WriteFile(l.path, data, 0644); err != nil {
		log.Warn().Err(err).Str("component", "usage").Msg("ledger state write failed")
	}
}

func monthKey(t time.Time) string {
	return t.Format("2006-01")
}
