package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/qtcontacts-sqlite/internal/config"
	"github.com/tonimelisma/qtcontacts-sqlite/internal/contactsdb"
)

// version is set at build time via ldflags.
var version = "dev"

// rootFlags bundles the global persistent flags, bound in newRootCmd().
type rootFlags struct {
	ConfigPath string
	DataDir    string
	Locale     string
	JSON       bool
	Verbose    bool
	Debug      bool
	Quiet      bool
}

var flags rootFlags

// skipConfigAnnotation marks commands that handle config/store access
// themselves. Commands annotated with this key skip the automatic config
// resolution and Store.Open in PersistentPreRunE.
const skipConfigAnnotation = "skipConfig"

// CLIContext bundles the resolved config, an open Store, and a logger.
// Created once in PersistentPreRunE; RunE handlers pull it from the
// command's context instead of re-resolving config or reopening the store.
type CLIContext struct {
	Cfg    *config.Config
	Store  *contactsdb.Store
	Logger *slog.Logger
	Flags  rootFlags
}

type cliContextKey struct{}

// cliContextFrom extracts the CLIContext from the command's context. Returns
// nil for commands that skip config loading.
func cliContextFrom(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		return nil
	}

	return cc
}

// mustCLIContext extracts the CLIContext or panics with an actionable
// message. Panics here are always programmer errors — the command tree
// guarantees the context is populated by PersistentPreRunE before RunE runs.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — ensure the command " +
			"does not skip config loading (no skipConfigAnnotation)")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "contacts",
		Short:   "Contacts database CLI",
		Long:    "A CLI for inspecting and driving an on-device contacts database engine.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadStore(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if cc := cliContextFrom(cmd.Context()); cc != nil && cc.Store != nil {
				return cc.Store.Close()
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file path (default: <data dir>/config.toml)")
	cmd.PersistentFlags().StringVar(&flags.DataDir, "data-dir", "", "override the resolved data directory")
	cmd.PersistentFlags().StringVar(&flags.Locale, "locale", "", "locale for name sorting/collation (default: C)")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "enable debug logging (SQL, filter compilation)")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newCollectionsCmd())
	cmd.AddCommand(newContactsCmd())
	cmd.AddCommand(newRelationshipsCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newOOBCmd())

	return cmd
}

// loadStore resolves the effective configuration, opens the Store, and
// stashes both (plus a logger) in the command's context for subcommands.
func loadStore(cmd *cobra.Command) error {
	logger := buildLogger(nil)

	dataDir := flags.DataDir
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}

	if dataDir == "" {
		return fmt.Errorf("loading config: could not resolve a data directory (pass --data-dir)")
	}

	storeDir, aggregationEnabled, err := config.ResolveStoreDir(dataDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	confPath := flags.ConfigPath
	if confPath == "" {
		confPath = filepath.Join(dataDir, "config.toml")
	}

	cfg, err := config.Load(confPath, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	env := config.ReadEnvOverrides(logger)

	finalLogger := buildLogger(cfg)

	locale := flags.Locale
	if locale == "" {
		locale = "C"
	}

	var pluginPaths []string
	if env.PluginPath != "" {
		pluginPaths = []string{env.PluginPath}
	}

	store, err := contactsdb.Open(cmd.Context(), contactsdb.Options{
		DatabasePath:                 filepath.Join(storeDir, cfg.DatabaseFileName),
		BatchSize:                    cfg.BatchSize,
		MaxBoundParameters:           cfg.MaxBoundParameters,
		Locale:                       locale,
		AggregationEnabled:           aggregationEnabled,
		OOBCompressionThresholdBytes: cfg.OOBCompressionThresholdBytes(),
		PluginPaths:                  pluginPaths,
		Logger:                       finalLogger,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	if !aggregationEnabled {
		finalLogger.Warn("privileged data directory unavailable, aggregation disabled",
			slog.String("data_dir", dataDir),
		)
	}

	cc := &CLIContext{Cfg: cfg, Store: store, Logger: finalLogger, Flags: flags}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Pass nil for pre-config bootstrap. Config-file log level
// provides the baseline; --verbose, --debug, and --quiet override it because
// CLI flags always win. The three are mutually exclusive (enforced by
// Cobra).
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	if flags.Verbose {
		level = slog.LevelInfo
	}

	if flags.Debug {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
