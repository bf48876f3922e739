// Package cli implements the quillhost command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dshills/quillhost/internal/config"
)

// Version information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	vaultRoot  string
	pluginDir  string
	logLevel   string
	logFormat  string
}

// NewRootCommand builds the quillhost command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "quillhost",
		Short:         "Plugin host for markdown note vaults",
		Long:          "quillhost discovers, resolves and runs Lua and WebAssembly plugins against a vault of markdown notes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a TOML configuration file")
	flags.StringVar(&opts.vaultRoot, "vault", "", "vault root directory (overrides vault.root)")
	flags.StringVar(&opts.pluginDir, "plugins", "", "plugin directory (overrides plugins.dir)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		newRunCommand(opts),
		newPluginsCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// load reads the configuration and applies flag overrides.
func (o *globalOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.vaultRoot != "" {
		cfg.Vault.Root = o.vaultRoot
	}
	if o.pluginDir != "" {
		cfg.Plugins.Dir = o.pluginDir
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads the configuration and builds the logger for a command.
func (o *globalOptions) setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	logger := NewLogger(cmd.ErrOrStderr(), cfg.Log)
	return cfg, logger, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("quillhost %s\n", Version)
			cmd.Printf("Commit: %s\n", Commit)
			cmd.Printf("Built: %s\n", Date)
		},
	}
}
