package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/broadcast"
	"github.com/agentdeck/agentdeck/internal/genealogy"
	"github.com/agentdeck/agentdeck/internal/git"
	"github.com/agentdeck/agentdeck/internal/models"
	"github.com/agentdeck/agentdeck/internal/output"
	"github.com/agentdeck/agentdeck/internal/permission"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/worktree"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agentdeck",
	Short: "Agentdeck - run AI coding agents in isolated git worktrees",
	Long: `agentdeck orchestrates AI coding-agent sessions across git worktrees.
Each session owns one worktree exclusively, gated tool calls wait for
your approval, and every task, message, and decision is persisted.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/agentdeck/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "agentdeck")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("AGENTDECK")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "agentdeck")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "agentdeck.db"))
	viper.SetDefault("port", 8787)
	viper.SetDefault("permission.timeout", "5m")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("agents.claude", "claude -p --output-format stream-json --input-format stream-json")
	viper.SetDefault("agents.codex", "codex exec --json")
	viper.SetDefault("agents.gemini", "gemini --output-format stream-json")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	// The store is opened lazily, only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// agentCommands builds the per-kind launch commands from config.
func agentCommands() map[models.AgentKind][]string {
	commands := make(map[models.AgentKind][]string)
	for _, kind := range []models.AgentKind{models.AgentClaude, models.AgentCodex, models.AgentGemini} {
		if cmdline := viper.GetString("agents." + string(kind)); cmdline != "" {
			commands[kind] = strings.Fields(cmdline)
		}
	}
	return commands
}

// deps bundles the wired collaborators commands operate on.
type deps struct {
	store       store.Store
	git         git.Client
	router      *broadcast.Router
	permissions *permission.Mediator
	worktrees   *worktree.Manager
	genealogy   *genealogy.Tracker
	orch        *session.Orchestrator
	permTimeout time.Duration
}

// buildDeps wires the full orchestration stack on top of the shared store.
func buildDeps() (*deps, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	gc := git.NewClient()
	router := broadcast.NewRouter()
	mediator := permission.NewMediator(s, router)
	wm := worktree.NewManager(s, gc)
	gt := genealogy.NewTracker(s)
	runner := agent.NewCLIRunner(agentCommands())
	orch := session.NewOrchestrator(s, wm, mediator, gt, router, runner, gc)

	return &deps{
		store:       s,
		git:         gc,
		router:      router,
		permissions: mediator,
		worktrees:   wm,
		genealogy:   gt,
		orch:        orch,
		permTimeout: viper.GetDuration("permission.timeout"),
	}, nil
}
