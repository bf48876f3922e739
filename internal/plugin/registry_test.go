package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/quillhost/internal/plugin/event"
	"github.com/dshills/quillhost/internal/plugin/manifest"
	"github.com/dshills/quillhost/internal/plugin/runtime"
	"github.com/dshills/quillhost/internal/plugin/security"
)

// createTestPluginDir writes a plugin directory named id under root. extra
// is spliced into the manifest object, e.g. `"dependencies": {"a": "^1.0.0"}`.
func createTestPluginDir(t *testing.T, root, id, version, extra string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}

	m := `{
		"id": "` + id + `",
		"name": "Test ` + id + `",
		"version": "` + version + `",
		"main": "main.lua"`
	if extra != "" {
		m += ",\n" + extra
	}
	m += "\n}"
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(m), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.lua"), []byte("-- "+id), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// fakeRunners builds runners that record every call. Plugins listed in
// fail return an error from Load; plugins in block wait for the context.
// evPanic and evClosed make HandleEvent panic or report a closed runner.
type fakeRunners struct {
	rec      recorder
	mu       sync.Mutex
	fail     map[string]bool
	block    map[string]bool
	evErr    map[string]bool
	evPanic  map[string]bool
	evClosed map[string]bool
}

func newFakeRunners() *fakeRunners {
	return &fakeRunners{
		fail:     make(map[string]bool),
		block:    make(map[string]bool),
		evErr:    make(map[string]bool),
		evPanic:  make(map[string]bool),
		evClosed: make(map[string]bool),
	}
}

func (f *fakeRunners) factory() runtime.Factory {
	return func(spec runtime.Spec) (runtime.Runner, error) {
		if spec.API == nil {
			return nil, runtime.ErrNoAPI
		}
		return &fakeRunner{id: spec.PluginID(), f: f}, nil
	}
}

func (f *fakeRunners) setFail(id string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[id] = v
}

type fakeRunner struct {
	id string
	f  *fakeRunners
}

func (r *fakeRunner) Load(ctx context.Context) error {
	r.f.rec.add("load:%s", r.id)
	r.f.mu.Lock()
	fail, block := r.f.fail[r.id], r.f.block[r.id]
	r.f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("boom")
	}
	return nil
}

func (r *fakeRunner) Unload(ctx context.Context) error {
	r.f.rec.add("unload:%s", r.id)
	return nil
}

func (r *fakeRunner) HandleEvent(ctx context.Context, ev event.Event) error {
	r.f.rec.add("event:%s:%s", r.id, ev.Type)
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	switch {
	case r.f.evPanic[r.id]:
		panic("handler exploded")
	case r.f.evClosed[r.id]:
		return fmt.Errorf("on_event: %w", runtime.ErrRunnerClosed)
	case r.f.evErr[r.id]:
		return errors.New("handler failed")
	}
	return nil
}

func newTestRegistry(t *testing.T, root string, opts ...Option) (*Registry, *fakeRunners) {
	t.Helper()
	fakes := newFakeRunners()
	opts = append([]Option{WithFactory(manifest.KindScript, fakes.factory())}, opts...)
	reg := NewRegistry(root, opts...)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return reg, fakes
}

// createChain installs a <- b <- c.
func createChain(t *testing.T, root, aVersion string) {
	t.Helper()
	createTestPluginDir(t, root, "a", aVersion, "")
	createTestPluginDir(t, root, "b", "1.0.0", `"dependencies": {"a": "^1.0.0"}`)
	createTestPluginDir(t, root, "c", "1.0.0", `"dependencies": {"b": "~1.0.0"}`)
}

func readEnabledFile(t *testing.T, root string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, EnabledFileName))
	if err != nil {
		t.Fatalf("read enabled file: %v", err)
	}
	var f enabledFile
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("parse enabled file: %v", err)
	}
	return f.EnabledPlugins
}

func TestRegistryStartLoadsInOrder(t *testing.T) {
	root := t.TempDir()
	createChain(t, root, "1.0.0")
	reg, fakes := newTestRegistry(t, root)
	ctx := context.Background()

	if err := reg.Discover(ctx); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if got, want := reg.LoadOrder(), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("LoadOrder() = %v, want %v", got, want)
	}
	if err := reg.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got, want := fakes.rec.list(), []string{"load:a", "load:b", "load:c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if s := reg.Stats(); s != (Stats{Total: 3, Enabled: 3, Loaded: 3}) {
		t.Errorf("Stats() = %+v", s)
	}
	for _, p := range reg.Plugins() {
		if p.State != StateLoaded {
			t.Errorf("%s state = %s, want loaded", p.ID(), p.State)
		}
	}

	fakes.rec.reset()
	if err := reg.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := fakes.rec.list(), []string{"unload:c", "unload:b", "unload:a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("shutdown calls = %v, want %v", got, want)
	}
	if p, _ := reg.Plugin("a"); p.State != StateUnloaded {
		t.Errorf("a state after shutdown = %s", p.State)
	}
}

func TestRegistryDependencyVersionMismatch(t *testing.T) {
	root := t.TempDir()
	createChain(t, root, "2.0.0")
	reg, fakes := newTestRegistry(t, root)
	ctx := context.Background()

	err := reg.Discover(ctx)
	var depErr *DependencyError
	if !errors.As(err, &depErr) {
		t.Fatalf("Discover() error = %v, want DependencyError", err)
	}
	if depErr.Plugin != "b" || !errors.Is(err, ErrDependencyVersion) {
		t.Errorf("error = %v, want version mismatch naming b", err)
	}
	if want := "plugin b requires a version ^1.0.0, but found 2.0.0"; err.Error() != want {
		t.Errorf("message = %q, want %q", err.Error(), want)
	}

	if len(reg.LoadOrder()) != 0 {
		t.Errorf("LoadOrder() = %v, want empty", reg.LoadOrder())
	}
	if err := reg.Start(ctx); err != nil {
		t.Errorf("Start() error = %v", err)
	}
	if calls := fakes.rec.list(); len(calls) != 0 {
		t.Errorf("nothing should load, got %v", calls)
	}
	if len(reg.Plugins()) != 3 {
		t.Errorf("plugins should still be listed")
	}
}

func TestRegistryFirstRunAutoEnable(t *testing.T) {
	root := t.TempDir()
	reg, _ := newTestRegistry(t, root)
	ctx := context.Background()

	// Nothing installed: no file is written.
	if err := reg.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, EnabledFileName)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("enabled file written with nothing discovered: %v", err)
	}

	createTestPluginDir(t, root, "one", "1.0.0", "")
	createTestPluginDir(t, root, "two", "1.0.0", "")
	if err := reg.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	if got := readEnabledFile(t, root); !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Errorf("enabled file = %v", got)
	}

	if err := reg.DisablePlugin(ctx, "one"); err != nil {
		t.Fatal(err)
	}
	if err := reg.DisablePlugin(ctx, "two"); err != nil {
		t.Fatal(err)
	}

	// A later run with an empty persisted set keeps everything disabled.
	createTestPluginDir(t, root, "three", "1.0.0", "")
	reg2, _ := newTestRegistry(t, root)
	if err := reg2.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	for _, p := range reg2.Plugins() {
		if p.Enabled || p.State != StateDisabled {
			t.Errorf("%s should stay disabled, got enabled=%v state=%s", p.ID(), p.Enabled, p.State)
		}
	}
	if got := readEnabledFile(t, root); len(got) != 0 {
		t.Errorf("enabled file = %v, want empty", got)
	}
}

func TestRegistryCorruptEnabledFileIsFreshInstall(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "a", "1.0.0", "")
	if err := os.WriteFile(filepath.Join(root, EnabledFileName), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	reg, _ := newTestRegistry(t, root)
	if err := reg.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}
	p, ok := reg.Plugin("a")
	if !ok {
		t.Fatal("plugin a not discovered")
	}
	if !p.Enabled || p.State != StateUnloaded {
		t.Errorf("after corrupt file: enabled=%v state=%s", p.Enabled, p.State)
	}
	if got := readEnabledFile(t, root); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("enabled file = %v, want [a]", got)
	}
}

func TestRegistryEnableDisablePersisted(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "p", "1.0.0", "")
	createTestPluginDir(t, root, "q", "1.0.0", "")
	reg, fakes := newTestRegistry(t, root)
	ctx := context.Background()

	if err := reg.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	if err := reg.LoadPlugin(ctx, "p"); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		name string
		op   func() error
		want []string
	}{
		{"disable", func() error { return reg.DisablePlugin(ctx, "p") }, []string{"q"}},
		{"disable again", func() error { return reg.DisablePlugin(ctx, "p") }, []string{"q"}},
		{"enable", func() error { return reg.EnablePlugin("p") }, []string{"p", "q"}},
		{"enable again", func() error { return reg.EnablePlugin("p") }, []string{"p", "q"}},
	}
	for _, s := range steps {
		if err := s.op(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		if got := readEnabledFile(t, root); !reflect.DeepEqual(got, s.want) {
			t.Errorf("%s: enabled file = %v, want %v", s.name, got, s.want)
		}
	}

	if got := fakes.rec.list(); !reflect.DeepEqual(got, []string{"load:p", "unload:p"}) {
		t.Errorf("calls = %v", got)
	}
	if p, _ := reg.Plugin("p"); !p.Enabled || p.State != StateUnloaded {
		t.Errorf("p after enable: enabled=%v state=%s", p.Enabled, p.State)
	}

	// A fresh registry sees the persisted set.
	reg2, _ := newTestRegistry(t, root)
	if err := reg2.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(reg2.EnabledPlugins()); got != 2 {
		t.Errorf("EnabledPlugins() = %d, want 2", got)
	}

	if err := reg.EnablePlugin("missing"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("EnablePlugin(missing) error = %v", err)
	}
}

func TestRegistryLoadStateMachine(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "p", "1.0.0", "")
	createTestPluginDir(t, root, "vm", "1.0.0", `"plugin_type": "vm-bytecode"`)
	reg, fakes := newTestRegistry(t, root)
	ctx := context.Background()

	if err := reg.Discover(ctx); err != nil {
		t.Fatal(err)
	}

	if err := reg.LoadPlugin(ctx, "nope"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("LoadPlugin(nope) error = %v", err)
	}

	if err := reg.LoadPlugin(ctx, "p"); err != nil {
		t.Fatal(err)
	}
	if err := reg.LoadPlugin(ctx, "p"); err != nil {
		t.Errorf("second LoadPlugin() error = %v", err)
	}
	if n := len(fakes.rec.list()); n != 1 {
		t.Errorf("runner loaded %d times, want 1", n)
	}

	if err := reg.UnloadPlugin(ctx, "p"); err != nil {
		t.Fatal(err)
	}
	if err := reg.UpdatePluginState("p", StateLoading); err != nil {
		t.Fatal(err)
	}
	if err := reg.LoadPlugin(ctx, "p"); !errors.Is(err, ErrAlreadyLoading) {
		t.Errorf("LoadPlugin() while loading error = %v", err)
	}
	_ = reg.UpdatePluginState("p", StateUnloaded)

	if err := reg.DisablePlugin(ctx, "p"); err != nil {
		t.Fatal(err)
	}
	if err := reg.LoadPlugin(ctx, "p"); !errors.Is(err, ErrPluginDisabled) {
		t.Errorf("LoadPlugin() disabled error = %v", err)
	}

	err := reg.LoadPlugin(ctx, "vm")
	if !errors.Is(err, runtime.ErrNoFactory) {
		t.Errorf("LoadPlugin(vm) error = %v, want ErrNoFactory", err)
	}
	if p, _ := reg.Plugin("vm"); p.State != StateFailed || p.LastError == "" {
		t.Errorf("vm state = %s, last error = %q", p.State, p.LastError)
	}
}

func TestRegistryLoadFailureAndReload(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "bad", "1.0.0", "")
	createTestPluginDir(t, root, "good", "1.0.0", "")
	reg, fakes := newTestRegistry(t, root)
	ctx := context.Background()
	fakes.setFail("bad", true)

	if err := reg.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	err := reg.Start(ctx)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Start() error = %v, want boom", err)
	}

	bad, _ := reg.Plugin("bad")
	if bad.State != StateFailed || !strings.Contains(bad.LastError, "boom") {
		t.Errorf("bad: state=%s last=%q", bad.State, bad.LastError)
	}
	if good, _ := reg.Plugin("good"); good.State != StateLoaded {
		t.Errorf("good state = %s, want loaded", good.State)
	}
	if s := reg.Stats(); s.Failed != 1 || s.Loaded != 1 {
		t.Errorf("Stats() = %+v", s)
	}

	fakes.setFail("bad", false)
	if err := reg.ReloadPlugin(ctx, "bad"); err != nil {
		t.Fatalf("ReloadPlugin() error = %v", err)
	}
	if bad, _ := reg.Plugin("bad"); bad.State != StateLoaded || bad.LastError != "" {
		t.Errorf("after reload: state=%s last=%q", bad.State, bad.LastError)
	}
}

func TestRegistryHookTimeout(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "slow", "1.0.0", "")
	limits := security.DefaultResourceLimits()
	limits.HookTimeout = 20 * time.Millisecond
	reg, fakes := newTestRegistry(t, root, WithLimits(limits))
	fakes.block["slow"] = true
	ctx := context.Background()

	if err := reg.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	err := reg.LoadPlugin(ctx, "slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("LoadPlugin() error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout not applied")
	}
	if p, _ := reg.Plugin("slow"); p.State != StateFailed {
		t.Errorf("state = %s, want failed", p.State)
	}
}

func TestRegistryDispatchEvent(t *testing.T) {
	root := t.TempDir()
	createChain(t, root, "1.0.0")
	reg, fakes := newTestRegistry(t, root)
	ctx := context.Background()
	fakes.evErr["a"] = true

	if err := reg.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	if err := reg.Start(ctx); err != nil {
		t.Fatal(err)
	}
	reg.Bus().Subscribe(event.TypeFileSave, func(ev event.Event) {
		fakes.rec.add("bus:%s", ev.Get("path").String())
	})
	fakes.rec.reset()

	reg.DispatchEvent(ctx, event.MustNew(event.TypeFileSave, map[string]string{"path": "n.md"}))

	want := []string{"bus:n.md", "event:a:file_save", "event:b:file_save", "event:c:file_save"}
	if got := fakes.rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("dispatch calls = %v, want %v", got, want)
	}

	if err := reg.UnloadPlugin(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	fakes.rec.reset()
	reg.DispatchEvent(ctx, event.MustNew(event.TypeFileOpen, nil))
	want = []string{"event:a:file_open", "event:c:file_open"}
	if got := fakes.rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("dispatch after unload = %v, want %v", got, want)
	}
}

func TestRegistryDispatchSurvivesRunnerPanic(t *testing.T) {
	root := t.TempDir()
	createChain(t, root, "1.0.0")
	reg, fakes := newTestRegistry(t, root)
	ctx := context.Background()
	fakes.evPanic["a"] = true

	if err := reg.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	if err := reg.Start(ctx); err != nil {
		t.Fatal(err)
	}
	fakes.rec.reset()

	reg.DispatchEvent(ctx, event.MustNew(event.TypeFileSave, nil))

	want := []string{"event:a:file_save", "event:b:file_save", "event:c:file_save"}
	if got := fakes.rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("dispatch calls = %v, want %v", got, want)
	}
	if p, _ := reg.Plugin("a"); p.State != StateLoaded {
		t.Errorf("a state = %s, want loaded", p.State)
	}
}

func TestRegistryCallRecoversPanic(t *testing.T) {
	reg, _ := newTestRegistry(t, t.TempDir())
	err := reg.call(context.Background(), "load", func(context.Context) error {
		panic("bad guest")
	})
	if !errors.Is(err, ErrRunnerPanic) || !strings.Contains(err.Error(), "bad guest") {
		t.Errorf("call() error = %v, want ErrRunnerPanic", err)
	}
}

func TestRegistryDispatchDropsClosedRunner(t *testing.T) {
	root := t.TempDir()
	createChain(t, root, "1.0.0")
	reg, fakes := newTestRegistry(t, root)
	ctx := context.Background()
	fakes.evClosed["b"] = true

	if err := reg.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	if err := reg.Start(ctx); err != nil {
		t.Fatal(err)
	}
	reg.DispatchEvent(ctx, event.MustNew(event.TypeFileSave, nil))

	b, _ := reg.Plugin("b")
	if b.State != StateFailed || !strings.Contains(b.LastError, "closed") {
		t.Errorf("b: state=%s last=%q", b.State, b.LastError)
	}
	if s := reg.Stats(); s.Loaded != 2 || s.Failed != 1 {
		t.Errorf("Stats() = %+v", s)
	}

	fakes.rec.reset()
	reg.DispatchEvent(ctx, event.MustNew(event.TypeFileOpen, nil))
	want := []string{"event:a:file_open", "event:c:file_open"}
	if got := fakes.rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("dispatch after close = %v, want %v", got, want)
	}

	fakes.mu.Lock()
	fakes.evClosed["b"] = false
	fakes.mu.Unlock()
	if err := reg.ReloadPlugin(ctx, "b"); err != nil {
		t.Fatalf("ReloadPlugin() error = %v", err)
	}
	if b, _ := reg.Plugin("b"); b.State != StateLoaded {
		t.Errorf("after reload state = %s", b.State)
	}
}

func TestRegistryExecuteCommand(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "a", "1.0.0", "")
	reg, fakes := newTestRegistry(t, root)
	ctx := context.Background()

	if err := reg.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	if err := reg.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := reg.Bus().RegisterCommand("a:run", event.Command{ID: "run", Name: "Run"}); err != nil {
		t.Fatal(err)
	}
	var args string
	reg.Bus().Subscribe(event.TypeCommandExecute, func(ev event.Event) {
		args = ev.Get("args.n").Raw
	})
	fakes.rec.reset()

	if err := reg.ExecuteCommand(ctx, "a:run", json.RawMessage(`{"n": 3}`)); err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}
	if args != "3" {
		t.Errorf("subscriber saw args.n = %q", args)
	}
	if got := fakes.rec.list(); !reflect.DeepEqual(got, []string{"event:a:command_execute"}) {
		t.Errorf("runner calls = %v", got)
	}
	if cmds := reg.Commands(); len(cmds) != 1 || cmds[0].Key != "a:run" {
		t.Errorf("Commands() = %+v", cmds)
	}

	if err := reg.ExecuteCommand(ctx, "a:missing", nil); !errors.Is(err, event.ErrCommandNotFound) {
		t.Errorf("ExecuteCommand(missing) error = %v", err)
	}
	if err := reg.ExecuteCommand(ctx, "a:run", json.RawMessage(`{bad`)); err == nil {
		t.Error("ExecuteCommand() accepted invalid JSON arguments")
	}
}

func TestRegistryUpdatePluginConfig(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "cfg", "1.0.0", `"capabilities": ["storage"],
		"config_schema": {
			"type": "object",
			"properties": {"interval": {"type": "integer", "minimum": 1}},
			"required": ["interval"]
		}`)
	createTestPluginDir(t, root, "free", "1.0.0", "")
	reg, _ := newTestRegistry(t, root)
	if err := reg.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		id      string
		value   string
		wantErr bool
	}{
		{"valid", "cfg", `{"interval": 5}`, false},
		{"missing required", "cfg", `{}`, true},
		{"below minimum", "cfg", `{"interval": 0}`, true},
		{"not json", "cfg", `{`, true},
		{"no schema", "free", `{"anything": true}`, false},
		{"unknown plugin", "nope", `{}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.UpdatePluginConfig(tt.id, json.RawMessage(tt.value))
			if (err != nil) != tt.wantErr {
				t.Errorf("UpdatePluginConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	p, _ := reg.Plugin("cfg")
	if string(p.Config) != `{"interval": 5}` {
		t.Errorf("Config = %s", p.Config)
	}

	if !reg.HasCapability("cfg", security.CapabilityStorage) {
		t.Error("cfg should declare storage")
	}
	if reg.HasCapability("cfg", security.CapabilityNetwork) || reg.HasCapability("nope", security.CapabilityStorage) {
		t.Error("HasCapability() false positive")
	}
}

func TestRegistrySetPluginError(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "p", "1.0.0", "")
	reg, _ := newTestRegistry(t, root)
	if err := reg.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := reg.SetPluginError("p", "crashed"); err != nil {
		t.Fatal(err)
	}
	p, _ := reg.Plugin("p")
	if p.State != StateFailed || p.LastError != "crashed" {
		t.Errorf("state=%s last=%q", p.State, p.LastError)
	}

	// Snapshots do not alias registry state.
	p.Manifest.Name = "changed"
	if again, _ := reg.Plugin("p"); again.Manifest.Name == "changed" {
		t.Error("snapshot shares the manifest")
	}
}

func TestRegistryMetrics(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "p", "1.0.0", "")
	m := NewMetrics()
	reg, _ := newTestRegistry(t, root, WithMetrics(m))
	ctx := context.Background()

	if err := reg.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	if err := reg.Start(ctx); err != nil {
		t.Fatal(err)
	}
	reg.DispatchEvent(ctx, event.MustNew(event.TypeFileSave, nil))

	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]bool)
	for _, mf := range families {
		got[mf.GetName()] = true
	}
	for _, name := range []string{
		"quillhost_plugins",
		"quillhost_plugin_loads_total",
		"quillhost_events_dispatched_total",
		"quillhost_plugin_hook_duration_seconds",
	} {
		if !got[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}
