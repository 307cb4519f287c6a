// Package main is the entry point for the Ashley CLI. Ashley is a
// conversational assistant core: moderated, routed, memory-augmented turns
// against OpenAI-compatible inference backends.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/ashley/internal/assembler"
	"github.com/normanking/ashley/internal/chat"
	"github.com/normanking/ashley/internal/config"
	"github.com/normanking/ashley/internal/llm"
	"github.com/normanking/ashley/internal/logging"
	"github.com/normanking/ashley/internal/moderation"
	"github.com/normanking/ashley/internal/orchestrator"
	"github.com/normanking/ashley/internal/persona"
	"github.com/normanking/ashley/internal/prompt"
	"github.com/normanking/ashley/internal/retrieval"
	"github.com/normanking/ashley/internal/router"
	"github.com/normanking/ashley/internal/sandbox"
	"github.com/normanking/ashley/internal/search"
	"github.com/normanking/ashley/internal/store"
	"github.com/normanking/ashley/internal/usage"
)

var version = "0.3.0"

var (
	cfgPath string
	cfg     *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ashley",
		Short: "Ashley - conversational assistant core",
		Long: `Ashley runs moderated, routed, memory-augmented conversation turns
against any OpenAI-compatible inference backend.

One-shot turn:        ashley chat "hello there"
Resume a session:     ashley chat --session <id> "and then?"
List sessions:        ashley sessions list
Monthly usage:        ashley usage`,
		PersistentPreRunE: initApp,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.ashley/config.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Ashley v%s\n", version)
		},
	})

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(modlogCmd())
	rootCmd.AddCommand(policyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initApp(cmd *cobra.Command, args []string) error {
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	_, err = logging.Setup(cfg.Logging.Level, cfg.Logging.File)
	return err
}

// app bundles the constructed collaborators behind one close handle.
type app struct {
	store    *store.Store
	sessions *store.Sessions
	memory   *store.Memory
	policies *moderation.PolicyStore
	audit    *moderation.AuditLog
	ledger   *usage.Ledger
	orch     *orchestrator.Orchestrator
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

func buildApp() (*app, error) {
	db, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}

	a := &app{
		store:    db,
		sessions: store.NewSessions(db),
		memory:   store.NewMemory(db),
	}

	a.policies = moderation.NewPolicyStore(
		filepath.Join(cfg.Storage.DataDir, "moderation_policy.json"),
		policyFromConfig(),
	)
	a.audit = moderation.NewAuditLog(filepath.Join(cfg.Storage.DataDir, "moderation_log.jsonl"))
	classifier := moderation.NewOpenAIClassifier(moderation.OpenAIClassifierConfig{
		Endpoint: cfg.Inference.Endpoint,
		APIKey:   cfg.Inference.APIKey,
	})
	gate := moderation.NewGate(classifier, a.policies, a.audit)

	personas, err := persona.Load(cfg.Storage.PersonaDir)
	if err != nil {
		return nil, err
	}

	personaModels := personas.ModelMap()
	for id, model := range cfg.Models.PersonaModels {
		personaModels[id] = model
	}
	selector, err := router.NewSelector(router.Catalog{
		Default:  cfg.Models.Default,
		MidTier:  cfg.Models.MidTier,
		Advanced: cfg.Models.Advanced,
		Vision:   cfg.Models.Vision,
	}, mustPersonaModels(personaModels))
	if err != nil {
		a.Close()
		return nil, err
	}

	docs, err := retrieval.NewManager(filepath.Join(cfg.Storage.DataDir, "fileqa"))
	if err != nil {
		a.Close()
		return nil, err
	}

	var searcher assembler.Searcher
	if cfg.Search.Enabled {
		searcher = search.NewManager(cfg.Search.TavilyAPIKey)
	}
	var runner assembler.CodeRunner
	if cfg.Sandbox.Enabled {
		runner = sandbox.NewExecutor(sandbox.WithTimeout(time.Duration(cfg.Sandbox.TimeoutSec) * time.Second))
	}
	asm := assembler.New(docs, searcher, runner, a.memory)

	a.ledger = usage.NewLedger(
		filepath.Join(cfg.Storage.DataDir, "usage.json"),
		usage.WithSoftCap(cfg.Usage.MonthlySoftCapUSD),
		usage.WithAlertHandler(func(alert usage.Alert) {
			log.Warn().
				Str("component", "usage").
				Str("month", alert.Month).
				Float64("cost_usd", alert.CostUSD).
				Float64("cap_usd", alert.CapUSD).
				Msg("monthly soft cost cap crossed")
		}),
	)

	provider := llm.NewOpenAIProvider(llm.OpenAIConfig{
		Endpoint: cfg.Inference.Endpoint,
		APIKey:   cfg.Inference.APIKey,
		Timeout:  time.Duration(cfg.Inference.TimeoutSec) * time.Second,
	})

	a.orch, err = orchestrator.New(orchestrator.Deps{
		Gate:              gate,
		Selector:          selector,
		Assembler:         asm,
		Prompts:           prompt.NewBuilder(personas),
		Driver:            llm.NewDriver(provider),
		Sessions:          a.sessions,
		Memory:            a.memory,
		Ledger:            a.ledger,
		MaxPromptTokens:   cfg.MaxPromptTokens(),
		MaxOutputTokens:   cfg.Inference.MaxOutputTokens,
		PromotionInterval: cfg.Memory.PromotionInterval,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// policyFromConfig seeds the moderation policy from configuration, falling
// back to the shipped defaults for anything unset or unparsable.
func policyFromConfig() moderation.Policy {
	policy := moderation.DefaultPolicy()
	if action, err := moderation.ParseAction(cfg.Moderation.DefaultAction); err == nil {
		policy.DefaultAction = action
	}
	for category, raw := range cfg.Moderation.Categories {
		if action, err := moderation.ParseAction(raw); err == nil {
			policy.Categories[category] = action
		}
	}
	return policy
}

func mustPersonaModels(pairs map[string]string) *router.PersonaModels {
	pm, err := router.NewPersonaModels(pairs)
	if err != nil {
		// Config validation and persona loading both reject empty entries
		// before this point.
		panic(err)
	}
	return pm
}

func chatCmd() *cobra.Command {
	var (
		sessionID    string
		personaNames []string
		modelFlag    string
		noMemory     bool
		noModeration bool
		providerName string
		attachPaths  []string
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Run one conversation turn, streaming the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			state, err := resumeOrCreate(a, sessionID, personaNames)
			if err != nil {
				return err
			}
			if modelFlag != "" {
				state.ModelOverride = modelFlag
			}
			if noMemory {
				state.MemoryEnabled = false
			}
			if noModeration {
				state.ModerationEnabled = false
			}
			if providerName != "" {
				state.SearchProvider = providerName
			}
			if err := a.sessions.Ensure(state); err != nil {
				return err
			}

			attachments, err := loadAttachments(attachPaths)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events, err := a.orch.SubmitTurn(ctx, state, args[0], attachments)
			if err != nil {
				var modErr *moderation.ModerationError
				if errors.As(err, &modErr) {
					fmt.Fprintf(os.Stderr, "Blocked: %s\n", modErr.Error())
					return nil
				}
				return err
			}

			for ev := range events {
				switch {
				case ev.Err != nil:
					fmt.Fprintln(os.Stderr)
					return ev.Err
				case ev.Done != nil:
					fmt.Println()
					fmt.Fprintf(os.Stderr, "\n[%s | %d prompt + %d completion tokens | $%.4f | session %s]\n",
						ev.Done.Model,
						ev.Done.Usage.PromptTokens,
						ev.Done.Usage.CompletionTokens,
						ev.Done.CostUSD,
						state.SessionID)
				default:
					fmt.Print(ev.Fragment)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session id")
	cmd.Flags().StringSliceVar(&personaNames, "persona", nil, "persona ids for a new session")
	cmd.Flags().StringVar(&modelFlag, "model", "", "force a specific model for this session")
	cmd.Flags().BoolVar(&noMemory, "no-memory", false, "disable conversational memory")
	cmd.Flags().BoolVar(&noModeration, "no-moderation", false, "skip the moderation check")
	cmd.Flags().StringVar(&providerName, "search-provider", "", "web search provider (auto, tavily, duckduckgo)")
	cmd.Flags().StringSliceVar(&attachPaths, "attach", nil, "attach a file to this turn")
	return cmd
}

// resumeOrCreate loads an existing session into turn state or starts a new
// one with the configured defaults.
func resumeOrCreate(a *app, sessionID string, personaNames []string) (*chat.ChatState, error) {
	if sessionID == "" {
		state := chat.NewChatState(cfg.Models.Default, personaNames...)
		state.Params.Temperature = cfg.Inference.Temperature
		state.Params.MaxOutputTokens = cfg.Inference.MaxOutputTokens
		state.MemoryEnabled = cfg.Memory.Enabled
		state.ModerationEnabled = cfg.Moderation.Enabled
		state.SearchProvider = cfg.Search.DefaultProvider
		state.MonthlySoftCapUSD = cfg.Usage.MonthlySoftCapUSD
		return state, nil
	}

	rec, err := a.sessions.Load(sessionID)
	if err != nil {
		return nil, err
	}
	state := chat.NewChatState(cfg.Models.Default, rec.PersonaNames...)
	state.SessionID = rec.ID
	state.Title = rec.Title
	state.Messages = rec.Messages
	state.Params.Temperature = cfg.Inference.Temperature
	state.Params.MaxOutputTokens = cfg.Inference.MaxOutputTokens
	state.MemoryEnabled = cfg.Memory.Enabled
	state.ModerationEnabled = cfg.Moderation.Enabled
	state.SearchProvider = cfg.Search.DefaultProvider
	if rec.Usage != nil {
		state.Usage = *rec.Usage
	}
	return state, nil
}

// loadAttachments turns file paths into attachment records, inferring the
// type from the extension.
func loadAttachments(paths []string) ([]chat.Attachment, error) {
	var out []chat.Attachment
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("attachment %s: %w", path, err)
		}
		out = append(out, chat.Attachment{
			Name: filepath.Base(path),
			Type: attachmentType(path),
			Path: path,
		})
	}
	return out, nil
}

func attachmentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "pdf"
	case ".csv":
		return "csv"
	case ".txt", ".md":
		return "txt"
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return "image"
	case ".wav", ".mp3", ".ogg":
		return "audio"
	default:
		return "code"
	}
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.sessions.List()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No sessions yet.")
				return nil
			}
			for _, rec := range records {
				fmt.Printf("%s  %-30s  %s  %d messages\n",
					rec.ID, rec.Title, rec.CreatedAt.Format("2006-01-02 15:04"), len(rec.Messages))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export [session-id]",
		Short: "Export a session transcript as Markdown on stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()
			logging.Quiet()
			return a.sessions.ExportMarkdown(args[0], os.Stdout)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rename [session-id] [title]",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.sessions.Rename(args[0], args[1])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [session-id]",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.sessions.Delete(args[0])
		},
	})

	return cmd
}

func usageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage [month]",
		Short: "Show token and cost usage for a month (default: current)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			month := ""
			if len(args) == 1 {
				month = args[0]
			}
			fmt.Println(a.ledger.Report(month))
			return nil
		},
	}
}

func modlogCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "modlog",
		Short: "Show recent moderation decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.audit.Tail(limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("No moderation events recorded.")
				return nil
			}
			for _, ev := range events {
				fmt.Printf("%s  %-5s  %-24s  session=%s  %q\n",
					ev.CreatedAt.Format(time.RFC3339), ev.Action, ev.Category, ev.SessionID, ev.TextSnippet)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events to show")
	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and mutate the moderation policy",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the active moderation policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			policy := a.policies.Policy()
			fmt.Printf("default: %s\n", policy.DefaultAction)
			for category, action := range policy.Categories {
				fmt.Printf("%-24s %s\n", category, action)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-category [category] [action]",
		Short: "Set the action for one category (allow, flag, block)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := moderation.ParseAction(args[1]); err != nil {
				return err
			}
			return a.policies.SetCategoryAction(args[0], args[1])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-default [action]",
		Short: "Set the default action for unlisted categories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := moderation.ParseAction(args[0]); err != nil {
				return err
			}
			return a.policies.SetDefaultAction(args[0])
		},
	})

	return cmd
}
