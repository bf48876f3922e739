package wasm

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dshills/quillhost/internal/plugin/event"
	"github.com/dshills/quillhost/internal/plugin/host"
	"github.com/dshills/quillhost/internal/plugin/manifest"
	"github.com/dshills/quillhost/internal/plugin/runtime"
	"github.com/dshills/quillhost/internal/plugin/security"
)

// Minimal hand-assembled modules. Every section here is shorter than 128
// bytes, so lengths fit in a single LEB128 byte.

var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func section(id byte, content ...byte) []byte {
	return append([]byte{id, byte(len(content))}, content...)
}

func name(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// hookModule imports quill.<hostFunc> and exports on_load, on_unload,
// on_event and alloc. on_load passes "load" and on_unload passes "unload"
// to the host function; on_event passes the event bytes through.
func hookModule(hostFunc string) []byte {
	const (
		i32  = 0x7f
		fn   = 0x60
		end  = 0x0b
		call = 0x10
	)
	types := section(0x01, concat(
		[]byte{3},
		[]byte{fn, 2, i32, i32, 0}, // 0: (i32, i32) -> ()
		[]byte{fn, 0, 0},           // 1: () -> ()
		[]byte{fn, 1, i32, 1, i32}, // 2: (i32) -> i32
	)...)
	imports := section(0x02, concat(
		[]byte{1}, name(HostModule), name(hostFunc), []byte{0x00, 0},
	)...)
	funcs := section(0x03, 4, 1, 2, 0, 1) // on_load, alloc, on_event, on_unload
	memory := section(0x05, 1, 0x00, 1)
	exports := section(0x07, concat(
		[]byte{5},
		name("memory"), []byte{0x02, 0},
		name(ExportLoad), []byte{0x00, 1},
		name(ExportAlloc), []byte{0x00, 2},
		name(ExportEvent), []byte{0x00, 3},
		name(ExportUnload), []byte{0x00, 4},
	)...)

	body := func(instrs ...byte) []byte {
		b := append([]byte{0}, instrs...) // no locals
		return append([]byte{byte(len(b))}, b...)
	}
	code := section(0x0a, concat(
		[]byte{4},
		body(0x41, 0, 0x41, 4, call, 0, end), // on_load: host(0, 4)
		body(0x41, 0x80, 0x08, end),          // alloc: return 1024
		body(0x20, 0, 0x20, 1, call, 0, end), // on_event: host(ptr, len)
		body(0x41, 4, 0x41, 6, call, 0, end), // on_unload: host(4, 6)
	)...)
	data := section(0x0b, concat(
		[]byte{1, 0x00, 0x41, 0, end}, name("loadunload"),
	)...)

	return concat(emptyModule, types, imports, funcs, memory, exports, code, data)
}

// eventModule exports alloc and on_event, where alloc returns 0 and
// on_event runs eventBody. withMemory adds an exported one-page memory.
func eventModule(withMemory bool, eventBody ...byte) []byte {
	const (
		i32 = 0x7f
		fn  = 0x60
		end = 0x0b
	)
	types := section(0x01, concat(
		[]byte{2},
		[]byte{fn, 1, i32, 1, i32}, // 0: (i32) -> i32
		[]byte{fn, 2, i32, i32, 0}, // 1: (i32, i32) -> ()
	)...)
	funcs := section(0x03, 2, 0, 1)

	var exportList []byte
	count := byte(2)
	if withMemory {
		count = 3
		exportList = concat(name("memory"), []byte{0x02, 0})
	}
	exports := section(0x07, concat(
		[]byte{count},
		exportList,
		name(ExportAlloc), []byte{0x00, 0},
		name(ExportEvent), []byte{0x00, 1},
	)...)

	body := func(instrs ...byte) []byte {
		b := append([]byte{0}, instrs...)
		return append([]byte{byte(len(b))}, b...)
	}
	code := section(0x0a, concat(
		[]byte{2},
		body(0x41, 0, end),
		body(append(eventBody, end)...),
	)...)

	parts := [][]byte{emptyModule, types, funcs}
	if withMemory {
		parts = append(parts, section(0x05, 1, 0x00, 1))
	}
	parts = append(parts, exports, code)
	return concat(parts...)
}

type fixture struct {
	runner *Runner
	logs   *bytes.Buffer
	bus    *event.Bus
}

func createTestPlugin(t *testing.T, code []byte, caps ...security.Capability) *fixture {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "plugin.wasm"), code, 0644); err != nil {
		t.Fatal(err)
	}

	m := &manifest.Manifest{
		ID:           "wasm-test",
		Name:         "WASM Test",
		Version:      "1.0.0",
		Main:         "plugin.wasm",
		Kind:         manifest.KindVM,
		Capabilities: caps,
	}
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	bus := event.NewBus()
	api := host.New(host.NewContext(m, ""), host.Deps{Bus: bus, Logger: logger})

	r, err := NewFactory()(runtime.Spec{
		Manifest: m,
		Dir:      dir,
		API:      api,
		Logger:   logger,
		Limits:   security.DefaultResourceLimits(),
	})
	if err != nil {
		t.Fatalf("factory() error = %v", err)
	}
	f := &fixture{runner: r.(*Runner), logs: logs, bus: bus}
	t.Cleanup(func() { _ = f.runner.Unload(context.Background()) })
	return f
}

func TestEmptyModuleIsNoop(t *testing.T) {
	f := createTestPlugin(t, emptyModule)
	ctx := context.Background()

	if err := f.runner.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := f.runner.HandleEvent(ctx, event.MustNew(event.TypeFileSave, nil)); err != nil {
		t.Errorf("HandleEvent() error = %v", err)
	}
	if err := f.runner.Unload(ctx); err != nil {
		t.Errorf("Unload() error = %v", err)
	}
	if err := f.runner.HandleEvent(ctx, event.MustNew(event.TypeFileSave, nil)); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("HandleEvent() after unload error = %v, want ErrNotLoaded", err)
	}
}

func TestHooksCallHostLog(t *testing.T) {
	f := createTestPlugin(t, hookModule("log"))
	ctx := context.Background()

	if err := f.runner.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ev := event.MustNew(event.TypeFileSave, map[string]string{"path": "notes/a.md"})
	if err := f.runner.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if err := f.runner.Unload(ctx); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}

	out := f.logs.String()
	for _, want := range []string{"msg=load", "notes/a.md", "file_save", "msg=unload", "plugin=wasm-test"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestShowNoticeRequiresCapability(t *testing.T) {
	t.Run("granted", func(t *testing.T) {
		f := createTestPlugin(t, hookModule("show_notice"), security.CapabilityModifyUI)
		var got []event.Event
		f.bus.Subscribe(event.TypeShowNotice, func(ev event.Event) { got = append(got, ev) })

		if err := f.runner.Load(context.Background()); err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Get("message").String() != "load" {
			t.Errorf("notices = %v", got)
		}
	})

	t.Run("denied", func(t *testing.T) {
		f := createTestPlugin(t, hookModule("show_notice"))
		var got []event.Event
		f.bus.Subscribe(event.TypeShowNotice, func(ev event.Event) { got = append(got, ev) })

		if err := f.runner.Load(context.Background()); err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Errorf("notice emitted without modify_ui")
		}
		if !strings.Contains(f.logs.String(), "forbidden") {
			t.Errorf("denied notice not logged:\n%s", f.logs.String())
		}
	})
}

func TestLoadErrors(t *testing.T) {
	t.Run("invalid bytes", func(t *testing.T) {
		f := createTestPlugin(t, []byte("not wasm"))
		err := f.runner.Load(context.Background())
		var le *runtime.LoadError
		if !errors.As(err, &le) || le.Phase != "instantiate" {
			t.Errorf("Load() error = %v, want instantiate LoadError", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		m := &manifest.Manifest{ID: "gone", Main: "gone.wasm", Kind: manifest.KindVM}
		api := host.New(host.NewContext(m, ""), host.Deps{})
		r, err := NewRunner(runtime.Spec{Manifest: m, Dir: t.TempDir(), API: api})
		if err != nil {
			t.Fatal(err)
		}
		err = r.Load(context.Background())
		var le *runtime.LoadError
		if !errors.As(err, &le) || le.Phase != "read module" {
			t.Errorf("Load() error = %v, want read module LoadError", err)
		}
	})

	t.Run("unknown import", func(t *testing.T) {
		f := createTestPlugin(t, hookModule("exec"))
		if err := f.runner.Load(context.Background()); err == nil {
			t.Error("Load() should fail for an unknown host import")
		}
	})
}

func TestNewRunnerValidation(t *testing.T) {
	if _, err := NewRunner(runtime.Spec{}); err == nil {
		t.Error("NewRunner() without manifest should fail")
	}
	m := &manifest.Manifest{ID: "p", Main: "p.wasm"}
	if _, err := NewRunner(runtime.Spec{Manifest: m}); !errors.Is(err, runtime.ErrNoAPI) {
		t.Errorf("NewRunner() error = %v, want ErrNoAPI", err)
	}
}

func TestLogWriterSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	w := newLogWriter(slog.New(slog.NewTextHandler(&buf, nil)), slog.LevelInfo)

	n, err := w.Write([]byte("one\ntwo\n"))
	if err != nil || n != 8 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if strings.Count(buf.String(), "stream=guest") != 2 {
		t.Errorf("expected two records:\n%s", buf.String())
	}
}

func TestHandleEventWithoutMemory(t *testing.T) {
	f := createTestPlugin(t, eventModule(false))
	ctx := context.Background()
	if err := f.runner.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("HandleEvent() panicked: %v", r)
			}
		}()
		err = f.runner.HandleEvent(ctx, event.MustNew(event.TypeFileSave, nil))
	}()
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("HandleEvent() error = %v, want ErrOutOfRange", err)
	}
}

func TestHandleEventTimeoutClosesRunner(t *testing.T) {
	// on_event: loop br 0 end
	f := createTestPlugin(t, eventModule(true, 0x03, 0x40, 0x0c, 0x00, 0x0b))
	if err := f.runner.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.runner.HandleEvent(ctx, event.MustNew(event.TypeFileSave, nil))
	if !errors.Is(err, runtime.ErrRunnerClosed) {
		t.Fatalf("HandleEvent() error = %v, want ErrRunnerClosed", err)
	}
	err = f.runner.HandleEvent(context.Background(), event.MustNew(event.TypeFileSave, nil))
	if !errors.Is(err, ErrNotLoaded) {
		t.Errorf("HandleEvent() after close error = %v, want ErrNotLoaded", err)
	}
}
