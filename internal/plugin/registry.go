package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dshills/quillhost/internal/plugin/event"
	"github.com/dshills/quillhost/internal/plugin/host"
	"github.com/dshills/quillhost/internal/plugin/manifest"
	"github.com/dshills/quillhost/internal/plugin/runtime"
	"github.com/dshills/quillhost/internal/plugin/schema"
	"github.com/dshills/quillhost/internal/plugin/security"
	"github.com/dshills/quillhost/internal/plugin/storage"
)

// DefaultHostVersion is checked against min_host_version when no version
// is configured.
const DefaultHostVersion = "1.0.0"

// ErrInvalidConfig is returned when a plugin config is not valid JSON.
var ErrInvalidConfig = errors.New("plugin config is not valid JSON")

// Registry owns every discovered plugin, its runner and the shared
// services runners see through their host API.
//
// mu guards the plugin table. opMu serializes lifecycle transitions so a
// plugin is never loaded and unloaded at the same time; runner calls are
// made while holding opMu but not mu.
type Registry struct {
	opMu sync.Mutex
	mu   sync.RWMutex

	loader  *Loader
	enabled *EnabledStore

	plugins    map[string]*Plugin
	enabledSet map[string]bool
	order      []string
	runners    map[string]runtime.Runner
	apis       map[string]*host.API

	factories map[manifest.Kind]runtime.Factory
	bus       *event.Bus
	store     *storage.Store
	files     host.FileService
	markdown  host.MarkdownRenderer
	vaultID   string
	limits    security.ResourceLimits
	logger    *slog.Logger
	metrics   *Metrics

	hostVersion string
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithFactory registers the runner factory for an execution kind.
func WithFactory(kind manifest.Kind, f runtime.Factory) Option {
	return func(r *Registry) {
		r.factories[kind] = f
	}
}

// WithMetrics records registry activity into m.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithVersion sets the host version checked against min_host_version.
func WithVersion(v string) Option {
	return func(r *Registry) {
		r.hostVersion = v
	}
}

// WithVault sets the active vault and its file service.
func WithVault(id string, files host.FileService) Option {
	return func(r *Registry) {
		r.vaultID = id
		r.files = files
	}
}

// WithMarkdown sets the markdown renderer exposed to plugins.
func WithMarkdown(md host.MarkdownRenderer) Option {
	return func(r *Registry) {
		r.markdown = md
	}
}

// WithLimits sets the resource limits applied to every plugin.
func WithLimits(l security.ResourceLimits) Option {
	return func(r *Registry) {
		r.limits = l
	}
}

// WithBus shares an existing event bus.
func WithBus(b *event.Bus) Option {
	return func(r *Registry) {
		r.bus = b
	}
}

// WithStorage shares an existing plugin store.
func WithStorage(s *storage.Store) Option {
	return func(r *Registry) {
		r.store = s
	}
}

// NewRegistry creates a registry for the plugins under root.
func NewRegistry(root string, opts ...Option) *Registry {
	r := &Registry{
		enabled:    NewEnabledStore(root),
		plugins:    make(map[string]*Plugin),
		enabledSet: make(map[string]bool),
		runners:    make(map[string]runtime.Runner),
		apis:       make(map[string]*host.API),
		factories:  make(map[manifest.Kind]runtime.Factory),
		limits:     security.DefaultResourceLimits(),
		logger:     slog.Default(),

		hostVersion: DefaultHostVersion,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "plugins")
	if r.bus == nil {
		r.bus = event.NewBus(event.WithLogger(r.logger))
	}
	if r.store == nil {
		r.store = storage.New()
	}
	r.loader = NewLoader(root, WithHostVersion(r.hostVersion), WithLoaderLogger(r.logger))
	return r
}

// Bus returns the event bus shared by every plugin.
func (r *Registry) Bus() *event.Bus {
	return r.bus
}

// Root returns the plugin root directory.
func (r *Registry) Root() string {
	return r.loader.Root()
}

// Discover scans the plugin root, rebuilds the plugin table and resolves
// the load order. The first run, when no readable enabled set has been
// persisted, enables everything discovered. A resolution error is returned and leaves
// the load order empty.
func (r *Registry) Discover(ctx context.Context) error {
	manifests, err := r.loader.Discover()
	if err != nil {
		return err
	}
	persisted, fresh := r.enabled.Load()

	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	firstRun := fresh && len(manifests) > 0
	if firstRun {
		for _, m := range manifests {
			persisted[m.ID] = true
		}
		if err := r.enabled.Save(persisted); err != nil {
			r.logger.Warn("failed to persist enabled plugins", "error", err)
		}
		r.logger.Info("first run: enabled all plugins", "count", len(manifests))
	}
	r.enabledSet = persisted

	plugins := make(map[string]*Plugin, len(manifests))
	for _, m := range manifests {
		p := &Plugin{Manifest: m, Path: m.Dir(), Enabled: persisted[m.ID]}
		if prev, ok := r.plugins[m.ID]; ok {
			p.State, p.Config, p.LastError = prev.State, prev.Config, prev.LastError
		}
		if !p.Enabled {
			p.State = StateDisabled
		} else if p.State == StateDisabled {
			p.State = StateUnloaded
		}
		plugins[m.ID] = p
	}
	for id, prev := range r.plugins {
		if _, ok := plugins[id]; !ok && r.runners[id] != nil {
			r.logger.Warn("loaded plugin no longer installed", "plugin", id)
			plugins[id] = prev
		}
	}
	r.plugins = plugins
	r.updateMetricsLocked()

	order, err := Resolve(manifests)
	if err != nil {
		r.order = nil
		r.logger.Error("failed to resolve plugin load order", "error", err)
		return err
	}
	r.order = order
	r.logger.Debug("discovered plugins", "count", len(plugins), "order", order)
	return nil
}

// EnablePlugin marks a plugin enabled and persists the enabled set.
func (r *Registry) EnablePlugin(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	if p.Enabled {
		return nil
	}
	p.Enabled = true
	p.State = StateUnloaded
	r.enabledSet[id] = true
	r.updateMetricsLocked()
	return r.enabled.Save(r.enabledSet)
}

// DisablePlugin unloads a plugin if needed, marks it disabled and persists
// the enabled set.
func (r *Registry) DisablePlugin(ctx context.Context, id string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.unload(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	wasEnabled := p.Enabled
	p.Enabled = false
	p.State = StateDisabled
	r.updateMetricsLocked()
	if !wasEnabled {
		return nil
	}
	delete(r.enabledSet, id)
	return r.enabled.Save(r.enabledSet)
}

// UpdatePluginState sets a plugin's state.
func (r *Registry) UpdatePluginState(id string, s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	p.State = s
	r.updateMetricsLocked()
	return nil
}

// SetPluginError records msg and marks the plugin failed.
func (r *Registry) SetPluginError(id, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	p.State = StateFailed
	p.LastError = msg
	r.updateMetricsLocked()
	return nil
}

// UpdatePluginConfig stores a user config for the plugin, validating it
// against the manifest's config_schema when one is declared.
func (r *Registry) UpdatePluginConfig(id string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("plugin %s: %w", id, ErrInvalidConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	if s := p.Manifest.ConfigSchema; s != nil {
		if err := schema.NewValidator(s).ValidateJSON(value); err != nil {
			return fmt.Errorf("plugin %s config: %w", id, err)
		}
	}
	p.Config = append(json.RawMessage(nil), value...)
	return nil
}

// HasCapability reports whether the plugin declares cap.
func (r *Registry) HasCapability(id string, c security.Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[id]
	return ok && p.Manifest.HasCapability(c)
}

// Plugin returns a snapshot of one plugin.
func (r *Registry) Plugin(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[id]
	if !ok {
		return Plugin{}, false
	}
	return p.Snapshot(), true
}

// Plugins returns snapshots of every plugin, sorted by id.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// EnabledPlugins returns the enabled plugins in load order.
func (r *Registry) EnabledPlugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Plugin
	for _, id := range r.order {
		if p, ok := r.plugins[id]; ok && p.Enabled {
			out = append(out, p.Snapshot())
		}
	}
	return out
}

// LoadOrder returns the resolved load order.
func (r *Registry) LoadOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Stats counts plugins by status.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Total: len(r.plugins)}
	for _, p := range r.plugins {
		if p.Enabled {
			s.Enabled++
		}
		switch p.State {
		case StateLoaded:
			s.Loaded++
		case StateFailed:
			s.Failed++
		}
	}
	return s
}

// LoadPlugin creates the plugin's runner and runs its load hook. Loading a
// loaded plugin is a no-op. A failed load leaves the plugin in StateFailed
// with LastError set.
func (r *Registry) LoadPlugin(ctx context.Context, id string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.load(ctx, id)
}

func (r *Registry) load(ctx context.Context, id string) error {
	r.mu.Lock()
	p, err := r.lookupLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	switch {
	case p.State == StateLoaded:
		r.mu.Unlock()
		return nil
	case !p.Enabled:
		r.mu.Unlock()
		return fmt.Errorf("plugin %s: %w", id, ErrPluginDisabled)
	case p.State == StateLoading:
		r.mu.Unlock()
		return fmt.Errorf("plugin %s: %w", id, ErrAlreadyLoading)
	}
	p.State = StateLoading
	p.LastError = ""
	m := p.Manifest
	r.updateMetricsLocked()
	r.mu.Unlock()

	api := host.New(host.NewContext(m, r.vaultID), host.Deps{
		Bus:      r.bus,
		Storage:  r.store,
		Files:    r.files,
		Markdown: r.markdown,
		Logger:   r.logger,
		Limits:   r.limits,
	})
	runner, err := r.newRunner(m, api)
	if err == nil {
		err = r.call(ctx, "load", func(ctx context.Context) error {
			return runner.Load(ctx)
		})
	}
	r.metrics.recordLoad(id, err)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.updateMetricsLocked()

	if err != nil {
		api.Close()
		p.State = StateFailed
		p.LastError = err.Error()
		r.logger.Error("plugin failed to load", "plugin", id, "error", err)
		return err
	}
	p.State = StateLoaded
	r.runners[id] = runner
	r.apis[id] = api
	r.logger.Info("plugin loaded", "plugin", id, "version", m.Version, "kind", m.Kind)
	return nil
}

// newRunner is the only place that branches on execution kind.
func (r *Registry) newRunner(m *manifest.Manifest, api *host.API) (runtime.Runner, error) {
	factory, ok := r.factories[m.Kind]
	if !ok {
		return nil, runtime.NewLoadError(m.ID, "create runner", fmt.Errorf("%w: %s", runtime.ErrNoFactory, m.Kind))
	}
	runner, err := factory(runtime.Spec{
		Manifest: m,
		Dir:      m.Dir(),
		API:      api,
		Logger:   r.logger.With("plugin", m.ID),
		Limits:   r.limits,
	})
	if err != nil {
		return nil, runtime.NewLoadError(m.ID, "create runner", err)
	}
	return runner, nil
}

// UnloadPlugin runs the plugin's unload hook and drops its runner. Unload
// errors are logged; the plugin always ends unloaded.
func (r *Registry) UnloadPlugin(ctx context.Context, id string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.unload(ctx, id)
}

func (r *Registry) unload(ctx context.Context, id string) error {
	r.mu.Lock()
	p, err := r.lookupLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	runner, api := r.runners[id], r.apis[id]
	delete(r.runners, id)
	delete(r.apis, id)
	if p.State != StateDisabled {
		p.State = StateUnloaded
	}
	r.updateMetricsLocked()
	r.mu.Unlock()

	if runner != nil {
		err := r.call(ctx, "unload", func(ctx context.Context) error {
			return runner.Unload(ctx)
		})
		if err != nil {
			r.logger.Warn("plugin unload failed", "plugin", id, "error", err)
		} else {
			r.logger.Info("plugin unloaded", "plugin", id)
		}
	}
	if api != nil {
		api.Close()
	}
	return nil
}

// ReloadPlugin unloads then loads a plugin.
func (r *Registry) ReloadPlugin(ctx context.Context, id string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.unload(ctx, id); err != nil {
		return err
	}
	return r.load(ctx, id)
}

// Start loads every enabled plugin in load order. A failing plugin does not
// stop the others; the joined errors are returned for reporting.
func (r *Registry) Start(ctx context.Context) error {
	var errs []error
	for _, p := range r.EnabledPlugins() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.LoadPlugin(ctx, p.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	stats := r.Stats()
	r.logger.Info("plugins started", "loaded", stats.Loaded, "failed", stats.Failed, "enabled", stats.Enabled)
	return errors.Join(errs...)
}

// DispatchEvent emits ev on the bus, then delivers it to every loaded
// runner in load order. Runner errors are logged and never stop delivery.
func (r *Registry) DispatchEvent(ctx context.Context, ev event.Event) {
	r.metrics.recordEvent(ev.Type)
	r.bus.Emit(ev)

	for _, t := range r.liveRunners(false) {
		err := r.call(ctx, "event", func(ctx context.Context) error {
			return t.runner.HandleEvent(ctx, ev)
		})
		switch {
		case errors.Is(err, runtime.ErrRunnerClosed):
			r.dropRunner(ctx, t, err)
		case err != nil:
			r.logger.Warn("plugin event handler failed", "plugin", t.id, "event", ev.Type, "error", err)
		}
	}
}

// dropRunner marks the plugin failed after its interpreter closed itself.
// Nothing happens if the runner was replaced or unloaded meanwhile.
func (r *Registry) dropRunner(ctx context.Context, t liveRunner, cause error) {
	r.mu.Lock()
	if r.runners[t.id] != t.runner {
		r.mu.Unlock()
		return
	}
	api := r.apis[t.id]
	delete(r.runners, t.id)
	delete(r.apis, t.id)
	if p, ok := r.plugins[t.id]; ok {
		p.State = StateFailed
		p.LastError = cause.Error()
	}
	r.updateMetricsLocked()
	r.mu.Unlock()

	r.logger.Error("plugin interpreter closed", "plugin", t.id, "error", cause)
	_ = r.call(ctx, "unload", t.runner.Unload)
	if api != nil {
		api.Close()
	}
}

// Commands returns the commands registered by loaded plugins.
func (r *Registry) Commands() []event.RegisteredCommand {
	return r.bus.Commands()
}

// ExecuteCommand dispatches a command_execute event for the command
// registered under key ("<plugin-id>:<command-id>").
func (r *Registry) ExecuteCommand(ctx context.Context, key string, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("null")
	}
	if !json.Valid(args) {
		return fmt.Errorf("command %s: arguments are not valid JSON", key)
	}
	ev, err := r.bus.CommandEvent(key, args)
	if err != nil {
		return err
	}
	r.logger.Debug("executing command", "command", key)
	r.DispatchEvent(ctx, ev)
	return nil
}

// Shutdown unloads every loaded plugin in reverse load order.
func (r *Registry) Shutdown(ctx context.Context) error {
	for _, t := range r.liveRunners(true) {
		if err := r.UnloadPlugin(ctx, t.id); err != nil {
			r.logger.Warn("plugin shutdown failed", "plugin", t.id, "error", err)
		}
	}
	return nil
}

type liveRunner struct {
	id     string
	runner runtime.Runner
}

// liveRunners snapshots the runner table in load order. Runners loaded
// outside the order follow, sorted by id.
func (r *Registry) liveRunners(reverse bool) []liveRunner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]liveRunner, 0, len(r.runners))
	seen := make(map[string]bool, len(r.runners))
	for _, id := range r.order {
		if rn, ok := r.runners[id]; ok {
			out = append(out, liveRunner{id, rn})
			seen[id] = true
		}
	}
	var rest []string
	for id := range r.runners {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		out = append(out, liveRunner{id, r.runners[id]})
	}

	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// call runs fn under the hook timeout and records its duration. A panic in
// fn is returned as ErrRunnerPanic.
func (r *Registry) call(ctx context.Context, phase string, fn func(context.Context) error) (err error) {
	if d := r.limits.HookTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		r.metrics.observeHook(phase, time.Since(start))
	}()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w in %s: %v", ErrRunnerPanic, phase, rec)
		}
	}()
	err = fn(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

func (r *Registry) lookupLocked(id string) (*Plugin, error) {
	p, ok := r.plugins[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return p, nil
}

func (r *Registry) updateMetricsLocked() {
	if r.metrics == nil {
		return
	}
	counts := make(map[State]int, len(r.plugins))
	for _, p := range r.plugins {
		counts[p.State]++
	}
	r.metrics.setStates(counts)
}
