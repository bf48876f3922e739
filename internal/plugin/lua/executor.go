package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/semaphore"
)

// DefaultQueueSize is the call buffer of an Executor.
const DefaultQueueSize = 64

// call is one queued Lua operation.
type call struct {
	ctx    context.Context
	fn     func(L *lua.LState) error
	result chan error
}

// Executor serializes all Lua operations on one state through a single
// goroutine.
//
// gopher-lua's LState is NOT goroutine-safe. Calls arrive from the registry,
// the event bus and host callbacks on arbitrary goroutines and are marshaled
// to the worker started by Run. When a pool is set, the worker holds one
// pool slot while it executes, which bounds the number of interpreters
// running at once across all plugins.
//
//	exec := NewExecutor(L, DefaultQueueSize, pool)
//	go exec.Run(context.Background())
//	defer exec.Close()
//
//	err := exec.Execute(ctx, func(L *lua.LState) error {
//	    return L.DoString(`x = 1`)
//	})
type Executor struct {
	L       *lua.LState
	pool    *semaphore.Weighted
	queue   chan *call
	closed  atomic.Bool
	done    chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
}

// NewExecutor creates an Executor for the given Lua state. pool may be nil.
func NewExecutor(L *lua.LState, queueSize int, pool *semaphore.Weighted) *Executor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Executor{
		L:       L,
		pool:    pool,
		queue:   make(chan *call, queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run processes queued calls until ctx is cancelled or Close is called.
// It is the only goroutine that touches L.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.stopped)
	for {
		select {
		case <-ctx.Done():
			e.drainQueue(ctx.Err())
			return
		case <-e.done:
			e.drainQueue(ErrExecutorClosed)
			return
		case c := <-e.queue:
			c.result <- e.executeCall(c)
			close(c.result)
		}
	}
}

// executeCall runs one call with the caller's context installed on the
// interpreter, so a cancelled or expired context aborts running Lua code.
func (e *Executor) executeCall(c *call) (err error) {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	if e.pool != nil {
		if err := e.pool.Acquire(c.ctx, 1); err != nil {
			return err
		}
		defer e.pool.Release(1)
	}
	if c.ctx.Done() != nil {
		e.L.SetContext(c.ctx)
		defer e.L.RemoveContext()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
		if err != nil && c.ctx.Err() != nil && !errors.Is(err, c.ctx.Err()) {
			err = fmt.Errorf("%w: %v", c.ctx.Err(), err)
		}
	}()
	return c.fn(e.L)
}

// drainQueue fails remaining calls with err.
func (e *Executor) drainQueue(err error) {
	for {
		select {
		case c := <-e.queue:
			c.result <- err
			close(c.result)
		default:
			return
		}
	}
}

// Execute runs fn on the executor goroutine and waits for it to finish or
// for ctx to be done.
func (e *Executor) Execute(ctx context.Context, fn func(L *lua.LState) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	c := &call{ctx: ctx, fn: fn, result: make(chan error, 1)}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- c:
	}

	select {
	case <-ctx.Done():
		// The worker sees the same context and abandons the call.
		return ctx.Err()
	case err, ok := <-c.result:
		if !ok {
			return ErrExecutorClosed
		}
		return err
	case <-e.stopped:
		select {
		case err := <-c.result:
			return err
		default:
			return ErrExecutorClosed
		}
	}
}

// ExecuteAsync queues fn without waiting. It never blocks, so it is safe to
// call from the executor goroutine itself. onDone, when non-nil, receives
// the call's result once it has run or been dropped.
func (e *Executor) ExecuteAsync(ctx context.Context, fn func(L *lua.LState) error, onDone func(error)) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	c := &call{ctx: ctx, fn: fn, result: make(chan error, 1)}

	select {
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- c:
		go func() {
			var err error
			select {
			case err = <-c.result:
			case <-e.stopped:
				err = ErrExecutorClosed
			}
			if onDone != nil {
				onDone(err)
			}
		}()
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the executor. Queued calls fail with ErrExecutorClosed; Wait
// blocks until the worker has exited.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
}

// Wait blocks until Run has returned.
func (e *Executor) Wait() {
	<-e.stopped
}

// IsClosed returns true if the executor has been closed.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}
