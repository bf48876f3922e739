package plugin

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshills/quillhost/internal/plugin/manifest"
)

func TestLoaderDiscover(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "beta", "1.0.0", "")
	createTestPluginDir(t, root, "alpha", "1.2.0", "")
	createTestPluginDir(t, root, "future", "1.0.0", `"min_host_version": "9.0.0"`)

	// Invalid manifest, no manifest, dot directory and a stray file.
	bad := filepath.Join(root, "broken")
	if err := os.MkdirAll(bad, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bad, manifest.FileName), []byte(`{"id": "broken"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0755); err != nil {
		t.Fatal(err)
	}
	createTestPluginDir(t, filepath.Join(root, ".hidden"), "hidden", "1.0.0", "")
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	var logs bytes.Buffer
	l := NewLoader(root,
		WithHostVersion("1.0.0"),
		WithLoaderLogger(slog.New(slog.NewTextHandler(&logs, nil))),
	)
	got, err := l.Discover()
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "alpha,beta" {
		t.Errorf("Discover() ids = %v, want alpha,beta", ids)
	}
	for _, want := range []string{"broken", "empty", "future"} {
		if !strings.Contains(logs.String(), want) {
			t.Errorf("invalid plugin %s not logged:\n%s", want, logs.String())
		}
	}
	if got[0].Dir() != filepath.Join(root, "alpha") {
		t.Errorf("Dir() = %s", got[0].Dir())
	}
}

func TestLoaderScan(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "ok", "1.0.0", "")
	if err := os.MkdirAll(filepath.Join(root, "nomanifest"), 0755); err != nil {
		t.Fatal(err)
	}

	got, err := NewLoader(root).Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("Scan() = %d candidates, want 2", len(got))
	}
	if !errors.Is(got[0].Err, manifest.ErrNotFound) || got[0].Manifest != nil {
		t.Errorf("nomanifest candidate = %+v", got[0])
	}
	if got[1].Err != nil || got[1].Manifest.ID != "ok" {
		t.Errorf("ok candidate = %+v", got[1])
	}
}

func TestLoaderDuplicateIDs(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "dup", "1.0.0", "")
	second := createTestPluginDir(t, root, "other", "2.0.0", "")
	data := `{"id": "dup", "name": "Dup", "version": "2.0.0", "main": "main.lua"}`
	if err := os.WriteFile(filepath.Join(second, manifest.FileName), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := NewLoader(root, WithLoaderLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))).Discover()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Version != "1.0.0" {
		t.Errorf("Discover() = %v, want first dup only", got)
	}
}

func TestLoaderMissingRoot(t *testing.T) {
	got, err := NewLoader(filepath.Join(t.TempDir(), "absent")).Discover()
	if err != nil || len(got) != 0 {
		t.Errorf("Discover() = %v, %v", got, err)
	}
}

func TestStateString(t *testing.T) {
	want := []string{"unloaded", "loading", "loaded", "failed", "disabled"}
	for i, s := range States() {
		if s.String() != want[i] {
			t.Errorf("State(%d) = %q, want %q", s, s.String(), want[i])
		}
	}
	if State(99).String() != "unknown" {
		t.Error("unknown state")
	}
}
