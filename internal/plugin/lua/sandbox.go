package lua

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// removedGlobals can load code from outside the sandbox.
var removedGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"module",
	"collectgarbage",
}

// builtinModules are returned by require without touching the disk.
var builtinModules = map[string]bool{
	"string":    true,
	"table":     true,
	"math":      true,
	"coroutine": true,
}

var moduleName = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

// Sandbox restricts a Lua state to safe operations. Module loading is
// scoped to a single search directory, the plugin's install directory.
type Sandbox struct {
	L *lua.LState

	searchDir string
	printer   func(string)
	loaded    map[string]lua.LValue
}

// NewSandbox creates a sandbox for the Lua state.
func NewSandbox(L *lua.LState) *Sandbox {
	return &Sandbox{
		L:      L,
		loaded: make(map[string]lua.LValue),
	}
}

// SearchDir returns the directory require loads modules from.
func (s *Sandbox) SearchDir() string {
	return s.searchDir
}

// Install sets up the sandbox restrictions.
func (s *Sandbox) Install() {
	for _, name := range removedGlobals {
		s.L.SetGlobal(name, lua.LNil)
	}
	s.L.SetGlobal("print", s.L.NewFunction(s.print))
	s.L.SetGlobal("require", s.L.NewFunction(s.require))
}

func (s *Sandbox) print(L *lua.LState) int {
	if s.printer == nil {
		return 0
	}
	n := L.GetTop()
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	s.printer(strings.Join(parts, "\t"))
	return 0
}

// require loads builtin libraries, or name.lua / name/init.lua from the
// search directory. Results are cached per state.
func (s *Sandbox) require(L *lua.LState) int {
	name := L.CheckString(1)

	if builtinModules[name] {
		L.Push(L.GetGlobal(name))
		return 1
	}
	if v, ok := s.loaded[name]; ok {
		L.Push(v)
		return 1
	}

	path, err := s.ResolveModule(name)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}

	fn, err := L.LoadFile(path)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(fn)
	L.Push(lua.LString(name))
	L.Call(1, 1)

	ret := L.Get(-1)
	L.Pop(1)
	if ret == lua.LNil {
		ret = lua.LTrue
	}
	s.loaded[name] = ret
	L.Push(ret)
	return 1
}

// ResolveModule maps a dotted module name to a file inside the search
// directory. Symlinks that leave the directory are rejected.
func (s *Sandbox) ResolveModule(name string) (string, error) {
	if s.searchDir == "" || !moduleName.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrModuleNotFound, name)
	}

	root, err := filepath.EvalSymlinks(s.searchDir)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrModuleNotFound, name, err)
	}

	rel := filepath.FromSlash(strings.ReplaceAll(name, ".", "/"))
	candidates := []string{
		filepath.Join(root, rel+".lua"),
		filepath.Join(root, rel, "init.lua"),
	}
	for _, candidate := range candidates {
		resolved, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			continue
		}
		if !within(root, resolved) {
			return "", fmt.Errorf("%w: %q escapes plugin directory", ErrModuleNotFound, name)
		}
		if info, err := os.Stat(resolved); err == nil && info.Mode().IsRegular() {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrModuleNotFound, name)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
