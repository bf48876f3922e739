package lua

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// State is a sandboxed interpreter for one plugin. Only the io-free base,
// table, string, math and coroutine libraries are opened.
//
// An LState is not goroutine-safe: the owning Executor is the only
// goroutine that runs code on it. mu guards closed.
type State struct {
	L *lua.LState

	mu      sync.Mutex
	sandbox *Sandbox
	closed  bool
}

// StateOption configures the sandbox of a new State.
type StateOption func(*Sandbox)

// WithSearchDir sets the only directory require may load modules from.
func WithSearchDir(dir string) StateOption {
	return func(s *Sandbox) { s.searchDir = dir }
}

// WithPrinter routes print output to fn instead of discarding it.
func WithPrinter(fn func(string)) StateOption {
	return func(s *Sandbox) { s.printer = fn }
}

// NewState creates a sandboxed state.
func NewState(opts ...StateOption) *State {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	sb := NewSandbox(L)
	for _, opt := range opts {
		opt(sb)
	}
	sb.Install()
	return &State{L: L, sandbox: sb}
}

// DoFile executes the Lua file at path.
func (s *State) DoFile(path string) error {
	return s.exec(func() error { return s.L.DoFile(path) })
}

// DoString executes a chunk of Lua source.
func (s *State) DoString(code string) error {
	return s.exec(func() error { return s.L.DoString(code) })
}

func (s *State) exec(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}
	return recovered(fn)
}

// recovered converts a Go panic raised inside the interpreter into an error.
func recovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// HasFunction reports whether the global name holds a function.
func (s *State) HasFunction(name string) bool {
	return s.GetGlobal(name).Type() == lua.LTFunction
}

// Call invokes the global function fn and returns its results, which is
// an empty slice when it returns nothing. The stack is restored on error.
func (s *State) Call(fn string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStateClosed
	}

	f := s.L.GetGlobal(fn)
	if f.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%q is not a function (got %s)", fn, f.Type())
	}

	base := s.L.GetTop()
	s.L.Push(f)
	for _, a := range args {
		s.L.Push(a)
	}
	if err := recovered(func() error { return s.L.PCall(len(args), lua.MultRet, nil) }); err != nil {
		s.L.SetTop(base)
		return nil, err
	}

	n := s.L.GetTop() - base
	results := make([]lua.LValue, 0, n)
	for i := 1; i <= n; i++ {
		results = append(results, s.L.Get(base+i))
	}
	s.L.SetTop(base)
	return results, nil
}

// GetGlobal returns a global, or LNil once the state is closed.
func (s *State) GetGlobal(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lua.LNil
	}
	return s.L.GetGlobal(name)
}

// Sandbox returns the sandbox installed on the state.
func (s *State) Sandbox() *Sandbox {
	return s.sandbox
}

// IsClosed reports whether Close has been called.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the interpreter. It is safe to call more than once.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.L.Close()
		s.closed = true
	}
	return nil
}
