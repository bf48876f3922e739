// Package wasm runs vm-bytecode plugins on the wazero WebAssembly runtime.
//
// Every plugin gets its own wazero.Runtime. WASI is instantiated with no
// filesystem mounts and no environment; only stdout and stderr are wired,
// both into the plugin logger. The host module "quill" exports:
//
//	log(ptr, len i32)          log a UTF-8 message from guest memory
//	show_notice(ptr, len i32)  emit a show_notice event
//
// The guest may export on_load(), on_unload(), and on_event(ptr, len i32)
// together with alloc(len i32) i32, which the runner uses to place the
// event JSON in guest memory. Any export may be missing.
//
// The runtime closes the module when a call's context is done, so a hung
// guest is stopped by the hook timeout. HandleEvent then reports
// runtime.ErrRunnerClosed and the plugin stays closed until it is reloaded.
package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/dshills/quillhost/internal/plugin/event"
	"github.com/dshills/quillhost/internal/plugin/runtime"
)

// HostModule is the import module name guests use for host functions.
const HostModule = "quill"

// Guest exports looked up after instantiation.
const (
	ExportLoad   = "on_load"
	ExportUnload = "on_unload"
	ExportEvent  = "on_event"
	ExportAlloc  = "alloc"
)

// Errors returned by the runner.
var (
	ErrNotLoaded  = errors.New("wasm plugin is not loaded")
	ErrOutOfRange = errors.New("wasm memory access out of range")
)

// NewFactory returns a runtime.Factory for vm-bytecode plugins.
func NewFactory() runtime.Factory {
	return func(spec runtime.Spec) (runtime.Runner, error) {
		return NewRunner(spec)
	}
}

// Runner executes one WebAssembly plugin.
type Runner struct {
	spec   runtime.Spec
	logger *slog.Logger

	mu     sync.Mutex
	rt     wazero.Runtime
	module api.Module
}

// NewRunner creates an unloaded runner for spec.
func NewRunner(spec runtime.Spec) (*Runner, error) {
	if spec.Manifest == nil {
		return nil, errors.New("wasm runner: spec has no manifest")
	}
	if spec.API == nil {
		return nil, runtime.ErrNoAPI
	}
	return &Runner{
		spec:   spec,
		logger: spec.Log().With("runner", "wasm", "plugin", spec.PluginID()),
	}, nil
}

// Load compiles and instantiates the module, then calls on_load.
func (r *Runner) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.module != nil {
		return nil
	}

	id := r.spec.PluginID()
	path, err := r.spec.ResolveEntry()
	if err != nil {
		return runtime.NewLoadError(id, "read module", err)
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return runtime.NewLoadError(id, "read module", err)
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if pages := r.spec.Limits.MemoryPages; pages > 0 {
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	mod, err := r.instantiate(ctx, rt, code)
	if err != nil {
		_ = rt.Close(ctx)
		return runtime.NewLoadError(id, "instantiate", err)
	}

	if err := callExport(ctx, mod, ExportLoad); err != nil {
		_ = rt.Close(ctx)
		return runtime.NewLoadError(id, ExportLoad, err)
	}

	r.rt, r.module = rt, mod
	return nil
}

func (r *Runner) instantiate(ctx context.Context, rt wazero.Runtime, code []byte) (api.Module, error) {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, fmt.Errorf("wasi: %w", err)
	}
	if err := r.instantiateHost(ctx, rt); err != nil {
		return nil, fmt.Errorf("host module: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	out := newLogWriter(r.logger, slog.LevelInfo)
	errOut := newLogWriter(r.logger, slog.LevelWarn)
	modCfg := wazero.NewModuleConfig().
		WithName("plugin/" + r.spec.PluginID()).
		WithStdout(out).
		WithStderr(errOut).
		WithStartFunctions("_initialize")

	return rt.InstantiateModule(ctx, compiled, modCfg)
}

// instantiateHost registers the "quill" host module on rt.
func (r *Runner) instantiateHost(ctx context.Context, rt wazero.Runtime) error {
	papi := r.spec.API
	_, err := rt.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, ptr, size uint32) {
			msg, err := readString(m, ptr, size)
			if err != nil {
				r.logger.Warn("log: bad guest pointer", "error", err)
				return
			}
			papi.Log("info", msg)
		}).
		Export("log").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, ptr, size uint32) {
			msg, err := readString(m, ptr, size)
			if err != nil {
				r.logger.Warn("show_notice: bad guest pointer", "error", err)
				return
			}
			if err := papi.ShowNotice(msg, 0); err != nil {
				r.logger.Warn("show_notice failed", "error", err)
			}
		}).
		Export("show_notice").
		Instantiate(ctx)
	return err
}

// HandleEvent copies the event JSON into guest memory and calls on_event.
// Guests without on_event or alloc ignore events.
func (r *Runner) HandleEvent(ctx context.Context, ev event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.module == nil {
		return ErrNotLoaded
	}
	onEvent := r.module.ExportedFunction(ExportEvent)
	alloc := r.module.ExportedFunction(ExportAlloc)
	if onEvent == nil || alloc == nil {
		return nil
	}

	data, err := ev.JSON()
	if err != nil {
		return err
	}

	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return r.callFailed(ctx, ExportAlloc, err)
	}
	if len(res) == 0 {
		return fmt.Errorf("alloc: no result")
	}
	ptr := uint32(res[0])
	mem := r.module.Memory()
	if mem == nil {
		return fmt.Errorf("%w: module has no memory", ErrOutOfRange)
	}
	if !mem.Write(ptr, data) {
		return fmt.Errorf("%w: %d bytes at %d", ErrOutOfRange, len(data), ptr)
	}

	if _, err := onEvent.Call(ctx, uint64(ptr), uint64(len(data))); err != nil {
		return r.callFailed(ctx, ExportEvent, err)
	}
	return nil
}

// callFailed wraps a failed guest call. When the runtime closed the module,
// because the call's context ended, the runtime is released and the error
// wraps runtime.ErrRunnerClosed. Callers hold r.mu.
func (r *Runner) callFailed(ctx context.Context, export string, err error) error {
	if !r.module.IsClosed() {
		return fmt.Errorf("%s: %w", export, err)
	}
	_ = r.rt.Close(context.WithoutCancel(ctx))
	r.rt, r.module = nil, nil
	return fmt.Errorf("%s: %w: %w", export, runtime.ErrRunnerClosed, err)
}

// Unload calls on_unload and closes the runtime. The runtime is closed even
// when the hook fails.
func (r *Runner) Unload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.module == nil {
		return nil
	}
	hookErr := callExport(ctx, r.module, ExportUnload)
	closeErr := r.rt.Close(context.WithoutCancel(ctx))
	r.rt, r.module = nil, nil

	if hookErr != nil {
		return runtime.NewLoadError(r.spec.PluginID(), ExportUnload, hookErr)
	}
	return closeErr
}

// callExport calls a no-argument export if the guest defines it.
func callExport(ctx context.Context, mod api.Module, name string) error {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil
	}
	_, err := fn.Call(ctx)
	return err
}

func readString(m api.Module, ptr, size uint32) (string, error) {
	mem := m.Memory()
	if mem == nil {
		return "", fmt.Errorf("%w: module has no memory", ErrOutOfRange)
	}
	buf, ok := mem.Read(ptr, size)
	if !ok {
		return "", fmt.Errorf("%w: %d bytes at %d", ErrOutOfRange, size, ptr)
	}
	return string(buf), nil
}

// logWriter turns guest stdout/stderr lines into log records.
type logWriter struct {
	logger *slog.Logger
	level  slog.Level
}

func newLogWriter(logger *slog.Logger, level slog.Level) *logWriter {
	return &logWriter{logger: logger, level: level}
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) > 0 {
			w.logger.Log(context.Background(), w.level, string(line), "stream", "guest")
		}
	}
	return len(p), nil
}

var _ runtime.Runner = (*Runner)(nil)
