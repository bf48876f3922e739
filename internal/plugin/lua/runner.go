package lua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/quillhost/internal/plugin/event"
	"github.com/dshills/quillhost/internal/plugin/runtime"
)

// Hook globals looked up in the plugin's entry file.
const (
	HookLoad   = "on_load"
	HookUnload = "on_unload"
	HookEvent  = "on_event"

	// APIGlobal holds the API table for code outside the hooks.
	APIGlobal = "quill"
)

// RunnerOption configures the Lua runner factory.
type RunnerOption func(*factoryConfig)

type factoryConfig struct {
	pool      *semaphore.Weighted
	queueSize int
}

// WithPool shares a semaphore between runners. At most its weight of
// interpreters execute at the same time.
func WithPool(pool *semaphore.Weighted) RunnerOption {
	return func(c *factoryConfig) {
		c.pool = pool
	}
}

// WithWorkers creates a fresh pool of n slots.
func WithWorkers(n int) RunnerOption {
	return func(c *factoryConfig) {
		if n > 0 {
			c.pool = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithQueueSize sets the executor queue size of each runner.
func WithQueueSize(n int) RunnerOption {
	return func(c *factoryConfig) {
		c.queueSize = n
	}
}

// NewFactory returns a runtime.Factory for embedded-script plugins.
func NewFactory(opts ...RunnerOption) runtime.Factory {
	cfg := factoryConfig{queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(spec runtime.Spec) (runtime.Runner, error) {
		return newRunner(spec, cfg)
	}
}

// Runner executes one Lua plugin.
type Runner struct {
	spec   runtime.Spec
	cfg    factoryConfig
	logger *slog.Logger

	// mu serializes Load and Unload.
	mu sync.Mutex

	// live guards the interpreter handles. Callbacks read them from the
	// executor goroutine while Load or Unload hold mu.
	live   sync.RWMutex
	state  *State
	exec   *Executor
	bridge *Bridge
}

// NewRunner creates an unloaded runner for spec.
func NewRunner(spec runtime.Spec, opts ...RunnerOption) (*Runner, error) {
	cfg := factoryConfig{queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return newRunner(spec, cfg)
}

func newRunner(spec runtime.Spec, cfg factoryConfig) (*Runner, error) {
	if spec.Manifest == nil {
		return nil, errors.New("lua runner: spec has no manifest")
	}
	if spec.API == nil {
		return nil, runtime.ErrNoAPI
	}
	return &Runner{
		spec:   spec,
		cfg:    cfg,
		logger: spec.Log().With("runner", "lua", "plugin", spec.PluginID()),
	}, nil
}

// Load creates the interpreter, runs the entry file and calls on_load(api).
func (r *Runner) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded() {
		return nil
	}

	entry, err := r.spec.ResolveEntry()
	if err != nil {
		return runtime.NewLoadError(r.spec.PluginID(), "evaluate "+r.spec.Manifest.Main, err)
	}

	api := r.spec.API
	state := NewState(
		WithSearchDir(r.spec.InstallDir()),
		WithPrinter(func(msg string) { api.Log("info", msg) }),
	)
	exec := NewExecutor(state.L, r.cfg.queueSize, r.cfg.pool)
	go exec.Run(context.Background())

	bridge := NewBridge(state.L)
	module := &hostModule{api: api, bridge: bridge, async: r.asyncCall, logger: r.logger}

	r.live.Lock()
	r.state, r.exec, r.bridge = state, exec, bridge
	r.live.Unlock()

	err = exec.Execute(ctx, func(L *lua.LState) error {
		table := module.Loader(L)
		L.SetGlobal(APIGlobal, table)

		if err := state.DoFile(entry); err != nil {
			return runtime.NewLoadError(r.spec.PluginID(), "evaluate "+r.spec.Manifest.Main, err)
		}
		return r.callHook(state, HookLoad, table)
	})
	if err != nil {
		r.close()
		return err
	}
	return nil
}

func (r *Runner) loaded() bool {
	r.live.RLock()
	defer r.live.RUnlock()
	return r.exec != nil
}

func (r *Runner) handles() (*State, *Executor, *Bridge) {
	r.live.RLock()
	defer r.live.RUnlock()
	return r.state, r.exec, r.bridge
}

// HandleEvent calls on_event with {event_type=, data=}.
func (r *Runner) HandleEvent(ctx context.Context, ev event.Event) error {
	state, exec, bridge := r.handles()
	if exec == nil {
		return ErrNotLoaded
	}
	return exec.Execute(ctx, func(L *lua.LState) error {
		if !state.HasFunction(HookEvent) {
			return nil
		}
		return r.callHook(state, HookEvent, eventArg(bridge, ev))
	})
}

// Unload calls on_unload and closes the interpreter. The interpreter is
// closed even when the hook fails.
func (r *Runner) Unload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exec, _ := r.handles()
	if exec == nil {
		return nil
	}
	err := exec.Execute(ctx, func(L *lua.LState) error {
		return r.callHook(state, HookUnload)
	})
	r.close()
	return err
}

// callHook calls a global hook if the plugin defines it.
func (r *Runner) callHook(state *State, name string, args ...lua.LValue) error {
	if !state.HasFunction(name) {
		return nil
	}
	if _, err := state.Call(name, args...); err != nil {
		return runtime.NewLoadError(r.spec.PluginID(), name, err)
	}
	return nil
}

// asyncCall queues a subscription or command callback. It may be invoked
// from the executor goroutine, so it never waits for the call.
func (r *Runner) asyncCall(fn *lua.LFunction, args func(b *Bridge) []lua.LValue) {
	_, exec, bridge := r.handles()
	if exec == nil {
		return
	}

	ctx, cancel := r.callbackContext()
	err := exec.ExecuteAsync(ctx, func(L *lua.LState) error {
		values := args(bridge)
		top := L.GetTop()
		defer L.SetTop(top)

		L.Push(fn)
		for _, v := range values {
			L.Push(v)
		}
		return recovered(func() error {
			return L.PCall(len(values), 0, nil)
		})
	}, func(err error) {
		cancel()
		if err != nil && !errors.Is(err, ErrExecutorClosed) {
			r.logger.Warn("lua callback failed", "error", err)
		}
	})
	if err != nil {
		cancel()
		r.logger.Warn("lua callback dropped", "error", err)
	}
}

func (r *Runner) callbackContext() (context.Context, context.CancelFunc) {
	if r.spec.Limits.HookTimeout > 0 {
		return context.WithTimeout(context.Background(), r.spec.Limits.HookTimeout)
	}
	return context.WithCancel(context.Background())
}

// close stops the executor and releases the interpreter.
func (r *Runner) close() {
	r.live.Lock()
	state, exec := r.state, r.exec
	r.state, r.exec, r.bridge = nil, nil, nil
	r.live.Unlock()

	if exec != nil {
		exec.Close()
		exec.Wait()
	}
	if state != nil {
		_ = state.Close()
	}
}

// String identifies the runner in logs.
func (r *Runner) String() string {
	return fmt.Sprintf("lua(%s)", r.spec.PluginID())
}

var _ runtime.Runner = (*Runner)(nil)
