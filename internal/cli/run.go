package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/quillhost/internal/watch"
)

// shutdownTimeout bounds plugin unload and metrics server shutdown.
const shutdownTimeout = 10 * time.Second

func newRunCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Load enabled plugins and dispatch vault events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			h, err := newHost(cfg, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return h.run(ctx)
		},
	}
}

// run starts the plugins, then serves file events and metrics until ctx is
// done. Plugins are always shut down before it returns.
func (h *host) run(ctx context.Context) error {
	reg := h.registry

	if err := reg.Discover(ctx); err != nil {
		// Unresolvable dependencies leave every plugin unloaded.
		h.logger.Error("plugin discovery failed", "error", err)
	}
	if err := reg.Start(ctx); err != nil {
		h.logger.Error("some plugins failed to load", "error", err)
	}
	stats := reg.Stats()
	h.logger.Info("plugins started",
		"vault", h.vault.ID,
		"total", stats.Total,
		"enabled", stats.Enabled,
		"loaded", stats.Loaded,
		"failed", stats.Failed,
	)

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := reg.Shutdown(sctx); err != nil {
			h.logger.Error("plugin shutdown", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if h.cfg.Vault.Watch {
		src, err := h.watchVault()
		if err != nil {
			return err
		}
		bridge := watch.NewBridge(h.vault.ID, h.vault.Root, reg, h.logger)
		g.Go(func() error {
			defer src.Close()
			return bridge.Run(gctx, src)
		})
	}

	if addr := h.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", h.metrics.Handler())
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			h.logger.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	h.logger.Info("shutting down")
	return err
}

// exec starts the plugins, executes one command and shuts them down again.
// Queued script callbacks run before the plugins unload. done is called
// once the command has been dispatched.
func (h *host) exec(ctx context.Context, key string, args json.RawMessage, done func(string)) error {
	reg := h.registry
	if err := reg.Discover(ctx); err != nil {
		return err
	}
	if err := reg.Start(ctx); err != nil {
		h.logger.Error("some plugins failed to load", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := reg.Shutdown(sctx); err != nil {
			h.logger.Error("plugin shutdown", "error", err)
		}
	}()

	if err := reg.ExecuteCommand(ctx, key, args); err != nil {
		return err
	}
	done(key)
	return nil
}

func (h *host) watchVault() (watch.Source, error) {
	pluginDir := h.cfg.PluginDir()
	if resolved, err := filepath.EvalSymlinks(pluginDir); err == nil {
		pluginDir = resolved
	}
	w, err := watch.NewFSWatcher(h.vault.Root, h.logger,
		watch.WithIgnoreDirs(pluginDir),
		watch.WithIgnore(h.cfg.Vault.Ignore...),
	)
	if err != nil {
		return nil, err
	}
	return watch.NewDebouncer(w, h.cfg.Vault.Debounce.Std()), nil
}
