// Package cli implements the aimo command line interface on top of the
// orchestrator facade.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jguan/ai-model-orchestrator/pkg/config"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/eventbus"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/hal"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/hal/generic"
	"github.com/jguan/ai-model-orchestrator/pkg/infra/logger"
	"github.com/jguan/ai-model-orchestrator/pkg/orchestrator"
	"github.com/jguan/ai-model-orchestrator/pkg/registry"
	"github.com/jguan/ai-model-orchestrator/pkg/runtime"
	"github.com/jguan/ai-model-orchestrator/pkg/runtime/local"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cliVersion   = "dev"
	cliBuildDate = "unknown"
	cliGitCommit = "unknown"
)

type RootCommand struct {
	cmd      *cobra.Command
	cfg      *config.Config
	store    registry.Store
	registry *registry.Registry
	provider hal.Provider
	runtimes *runtime.Registry
	bus      *eventbus.InMemoryEventBus
	orch     *orchestrator.Orchestrator

	// extraAdapters are registered before the built-in local adapter so
	// embedders can plug real runtimes in front of the fallback.
	extraAdapters []runtime.Adapter

	opts      *OutputOptions
	formatStr string
}

func NewRootCommand() *RootCommand {
	root := &RootCommand{
		opts: NewOutputOptions(),
	}

	cmd := &cobra.Command{
		Use:   "aimo",
		Short: "AIMO - AI Model Orchestrator",
		Long: `AIMO (AI Model Orchestrator) manages on-device model lifecycles:
fetching artifacts, validating them, selecting a runtime adapter for the
local hardware and loading models under memory pressure control.`,
		PersistentPreRunE:  root.persistentPreRunE,
		PersistentPostRunE: root.persistentPostRunE,
	}

	pflags := cmd.PersistentFlags()

	pflags.StringVarP(&root.formatStr, "output", "o", "table", "Output format (table, json, yaml)")
	pflags.BoolVarP(&root.opts.Quiet, "quiet", "q", false, "Suppress output")
	pflags.String("config", "", "Config file path (default: ~/.aimo/config.toml)")

	viper.BindPFlag("output", pflags.Lookup("output"))
	viper.BindPFlag("quiet", pflags.Lookup("quiet"))
	viper.BindPFlag("config", pflags.Lookup("config"))

	root.cmd = cmd

	root.addSubCommands()

	return root
}

func (r *RootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	r.opts.Format = OutputFormat(r.formatStr)

	var err error
	r.cfg, err = config.Load(viper.GetString("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(logger.Config{
		Level:  r.cfg.Logging.Level,
		Format: r.cfg.Logging.Format,
	})
	log := logger.Default().With("component", "cli")

	if err := os.MkdirAll(r.cfg.General.ArtifactDir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	// SQLite keeps registrations across invocations; fall back to an
	// in-process store when the database cannot be opened.
	sqliteStore, err := registry.NewSQLiteStore(r.cfg.General.DatabasePath)
	if err != nil {
		log.Warn("sqlite store unavailable, registrations will not persist", "error", err)
		r.store = registry.NewMemoryStore()
	} else {
		r.store = sqliteStore
	}

	ctx := cmd.Context()
	r.registry, err = registry.NewRegistry(ctx, r.store)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	if n, err := r.registry.Rescan(ctx, r.cfg.General.ArtifactDir); err != nil {
		log.Warn("artifact rescan failed", "error", err)
	} else if n > 0 {
		log.Info("recovered local artifacts", "count", n)
	}

	r.provider = generic.NewProvider()
	r.runtimes = runtime.NewRegistry()
	for _, a := range r.extraAdapters {
		r.runtimes.Register(a)
	}
	r.runtimes.Register(local.New())

	r.bus = eventbus.NewInMemoryEventBus()
	r.orch = orchestrator.New(r.cfg, r.registry, r.provider, r.runtimes, r.bus)
	r.orch.Start(ctx)

	return nil
}

func (r *RootCommand) persistentPostRunE(cmd *cobra.Command, args []string) error {
	if r.orch != nil {
		r.orch.Stop()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
	return nil
}

func (r *RootCommand) addSubCommands() {
	r.cmd.AddCommand(NewVersionCommand(r))
	r.cmd.AddCommand(NewModelCommand(r))
	r.cmd.AddCommand(NewHWCommand(r))
	r.cmd.AddCommand(NewStatusCommand(r))
}

// RegisterAdapter adds a runtime adapter ahead of the built-in local
// fallback. Must be called before Execute.
func (r *RootCommand) RegisterAdapter(a runtime.Adapter) {
	r.extraAdapters = append(r.extraAdapters, a)
}

func (r *RootCommand) Command() *cobra.Command {
	return r.cmd
}

func (r *RootCommand) Config() *config.Config {
	return r.cfg
}

func (r *RootCommand) Orchestrator() *orchestrator.Orchestrator {
	return r.orch
}

func (r *RootCommand) Registry() *registry.Registry {
	return r.registry
}

func (r *RootCommand) OutputOptions() *OutputOptions {
	return r.opts
}

func (r *RootCommand) SetOutputWriter(w interface{ Write([]byte) (int, error) }) {
	r.opts.Writer = w
}

func (r *RootCommand) Execute() error {
	return r.cmd.Execute()
}

func (r *RootCommand) ExecuteContext(ctx context.Context) error {
	return r.cmd.ExecuteContext(ctx)
}

func Execute() {
	root := NewRootCommand()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func SetVersion(version, buildDate, gitCommit string) {
	cliVersion = version
	cliBuildDate = buildDate
	cliGitCommit = gitCommit
}

func GetVersion() string {
	return cliVersion
}

func GetBuildDate() string {
	return cliBuildDate
}

func GetGitCommit() string {
	return cliGitCommit
}
