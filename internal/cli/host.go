package cli

import (
	"fmt"
	"log/slog"

	"github.com/dshills/quillhost/internal/config"
	"github.com/dshills/quillhost/internal/markdown"
	"github.com/dshills/quillhost/internal/plugin"
	"github.com/dshills/quillhost/internal/plugin/lua"
	"github.com/dshills/quillhost/internal/plugin/manifest"
	"github.com/dshills/quillhost/internal/plugin/wasm"
	"github.com/dshills/quillhost/internal/vault"
)

// host is the assembled plugin host for one vault.
type host struct {
	cfg      *config.Config
	logger   *slog.Logger
	vaults   *vault.Service
	vault    vault.Vault
	registry *plugin.Registry
	metrics  *plugin.Metrics
}

// newHost wires the vault, markdown renderer, interpreters and metrics into
// a plugin registry. Nothing is discovered or loaded yet.
func newHost(cfg *config.Config, logger *slog.Logger) (*host, error) {
	vaults := vault.NewService(vault.WithLogger(logger))
	v, err := vaults.AddVault(cfg.Vault.ID, cfg.Vault.Root)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	metrics := plugin.NewMetrics()
	reg := plugin.NewRegistry(cfg.PluginDir(),
		plugin.WithLogger(logger),
		plugin.WithVersion(cfg.Plugins.HostVersion),
		plugin.WithLimits(cfg.Limits()),
		plugin.WithMetrics(metrics),
		plugin.WithVault(v.ID, vaults),
		plugin.WithMarkdown(markdown.New()),
		plugin.WithFactory(manifest.KindScript, lua.NewFactory(lua.WithWorkers(cfg.Plugins.InterpreterWorkers))),
		plugin.WithFactory(manifest.KindVM, wasm.NewFactory()),
	)

	return &host{
		cfg:      cfg,
		logger:   logger,
		vaults:   vaults,
		vault:    v,
		registry: reg,
		metrics:  metrics,
	}, nil
}
