package watch

import (
	"sync"
	"time"
)

// DefaultDebounce is the delay used when none is configured.
const DefaultDebounce = 100 * time.Millisecond

// Debouncer wraps a Source and coalesces rapid changes to the same path
// into one event carrying the union of their ops.
type Debouncer struct {
	inner Source
	delay time.Duration

	mu       sync.Mutex
	pending  map[string]*pendingEvent
	events   chan Event
	errors   chan error
	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

type pendingEvent struct {
	event Event
	timer *time.Timer
}

// NewDebouncer starts debouncing the events of inner. A non-positive delay
// uses DefaultDebounce.
func NewDebouncer(inner Source, delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}

	d := &Debouncer{
		inner:   inner,
		delay:   delay,
		pending: make(map[string]*pendingEvent),
		events:  make(chan Event, 256),
		errors:  make(chan error, 16),
		closeCh: make(chan struct{}),
	}

	d.closedWg.Add(1)
	go d.processLoop()

	return d
}

// Events returns the debounced event channel.
func (d *Debouncer) Events() <-chan Event {
	return d.events
}

// Errors returns the error channel.
func (d *Debouncer) Errors() <-chan error {
	return d.errors
}

// Close drops pending events, closes the channels and closes the inner
// source.
func (d *Debouncer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.closeCh)
	for path, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, path)
	}
	d.mu.Unlock()

	err := d.inner.Close()
	d.closedWg.Wait()

	close(d.events)
	close(d.errors)

	return err
}

// Flush immediately fires all pending events.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	paths := make([]string, 0, len(d.pending))
	for path, p := range d.pending {
		p.timer.Stop()
		paths = append(paths, path)
	}
	d.mu.Unlock()

	for _, path := range paths {
		d.fire(path)
	}
}

// PendingCount returns the number of pending events.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Debouncer) processLoop() {
	defer d.closedWg.Done()

	events := d.inner.Events()
	errs := d.inner.Errors()
	for events != nil || errs != nil {
		select {
		case <-d.closeCh:
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			d.handle(ev)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			select {
			case d.errors <- err:
			default:
			}
		}
	}
}

func (d *Debouncer) handle(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if p, ok := d.pending[ev.Path]; ok {
		p.event.Op |= ev.Op
		p.event.Timestamp = ev.Timestamp
		p.timer.Reset(d.delay)
		return
	}

	path := ev.Path
	d.pending[path] = &pendingEvent{
		event: ev,
		timer: time.AfterFunc(d.delay, func() { d.fire(path) }),
	}
}

// fire sends under the lock so that Close never races a send on a closed
// channel.
func (d *Debouncer) fire(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[path]
	if !ok || d.closed {
		return
	}
	delete(d.pending, path)

	select {
	case d.events <- p.event:
	default:
	}
}

var _ Source = (*Debouncer)(nil)
