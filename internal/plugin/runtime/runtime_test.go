package runtime

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dshills/quillhost/internal/plugin/manifest"
)

func TestSpecEntryPath(t *testing.T) {
	m := &manifest.Manifest{ID: "p", Main: "main.lua"}
	spec := Spec{Manifest: m, Dir: "/plugins/p"}

	if got := spec.EntryPath(); got != filepath.Join("/plugins/p", "main.lua") {
		t.Errorf("EntryPath() = %q", got)
	}
	if got := spec.PluginID(); got != "p" {
		t.Errorf("PluginID() = %q", got)
	}
	if (Spec{}).EntryPath() != "" {
		t.Error("EntryPath() of empty spec should be empty")
	}
	if (Spec{}).Log() == nil {
		t.Error("Log() should default")
	}
}

func TestSpecResolveEntry(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "p")
	if err := os.MkdirAll(filepath.Join(dir, "lib"), 0755); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{filepath.Join(dir, "main.lua"), filepath.Join(dir, "lib", "m.lua"), filepath.Join(base, "outside.lua")} {
		if err := os.WriteFile(f, []byte("-- x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink(filepath.Join(base, "outside.lua"), filepath.Join(dir, "link.lua")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	tests := []struct {
		main    string
		wantErr error
	}{
		{"main.lua", nil},
		{"lib/m.lua", nil},
		{"../outside.lua", ErrEntryOutside},
		{filepath.Join(base, "outside.lua"), ErrEntryOutside},
		{"link.lua", ErrEntryOutside},
	}
	for _, tt := range tests {
		spec := Spec{Manifest: &manifest.Manifest{ID: "p", Main: tt.main}, Dir: dir}
		got, err := spec.ResolveEntry()
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ResolveEntry(%q) error = %v, want %v", tt.main, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ResolveEntry(%q) error = %v", tt.main, err)
			continue
		}
		if filepath.Base(got) != filepath.Base(tt.main) {
			t.Errorf("ResolveEntry(%q) = %q", tt.main, got)
		}
	}

	missing := Spec{Manifest: &manifest.Manifest{ID: "p", Main: "gone.lua"}, Dir: dir}
	if _, err := missing.ResolveEntry(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ResolveEntry(missing) error = %v, want not exist", err)
	}
}

func TestLoadError(t *testing.T) {
	cause := errors.New("boom")
	err := NewLoadError("p", "on_load", cause)

	if !errors.Is(err, cause) {
		t.Error("LoadError should unwrap to its cause")
	}
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatal("expected *LoadError")
	}
	if le.Phase != "on_load" {
		t.Errorf("Phase = %q", le.Phase)
	}
	if err.Error() != "plugin p: on_load: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
	if NewLoadError("p", "x", nil) != nil {
		t.Error("NewLoadError(nil) should be nil")
	}
}
