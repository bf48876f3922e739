package event

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Common errors.
var (
	ErrUnknownType     = errors.New("unknown event type")
	ErrInvalidCommand  = errors.New("command id is required")
	ErrCommandNotFound = errors.New("command not found")
)

// Handler receives events. Handlers run synchronously inside Emit and
// should return quickly.
type Handler func(Event)

type subscription struct {
	id      string
	owner   string
	handler Handler
}

// RegisteredCommand is a command together with its registry key.
type RegisteredCommand struct {
	Key     string // "<plugin-id>:<command-id>"
	Command Command
}

// Bus is an in-process publish/subscribe hub plus a command registry.
// Delivery order is guaranteed only within one event type.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]subscription
	commands    map[string]Command

	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report handler panics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[Type][]subscription),
		commands:    make(map[string]Command),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for t and returns a fresh subscription id.
func (b *Bus) Subscribe(t Type, handler Handler) string {
	return b.SubscribeOwned("", t, handler)
}

// SubscribeOwned is Subscribe with an owner tag, usually a plugin id, so
// every subscription of that owner can be dropped at once with
// UnsubscribeOwner.
func (b *Bus) SubscribeOwned(owner string, t Type, handler Handler) string {
	id := "sub_" + uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], subscription{id: id, owner: owner, handler: handler})
	return id
}

// Unsubscribe removes the subscription from every event type. Unknown ids
// are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.removeWhere(func(s subscription) bool { return s.id == id })
}

// UnsubscribeOwner removes every subscription tagged with owner.
func (b *Bus) UnsubscribeOwner(owner string) {
	if owner == "" {
		return
	}
	b.removeWhere(func(s subscription) bool { return s.owner == owner })
}

func (b *Bus) removeWhere(match func(subscription) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subscribers {
		kept := subs[:0:0]
		for _, s := range subs {
			if !match(s) {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.subscribers, t)
		} else {
			b.subscribers[t] = kept
		}
	}
}

// Emit delivers ev to every subscriber of its type in subscription order.
// The subscriber list is snapshotted and the lock released before any
// handler runs, so handlers may subscribe, unsubscribe or emit.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers[ev.Type]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", ev.Type,
				"subscription", s.id,
				"owner", s.owner,
				"panic", r)
		}
	}()
	s.handler(ev)
}

// SubscriberCount returns the number of subscribers for t.
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[t])
}

// RegisterCommand stores cmd under key, replacing any previous command
// with the same key.
func (b *Bus) RegisterCommand(key string, cmd Command) error {
	if key == "" || cmd.ID == "" {
		return ErrInvalidCommand
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands[key] = cmd
	return nil
}

// Command returns the command registered under key.
func (b *Bus) Command(key string) (Command, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cmd, ok := b.commands[key]
	return cmd, ok
}

// Commands returns all registered commands sorted by key.
func (b *Bus) Commands() []RegisteredCommand {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]RegisteredCommand, 0, len(b.commands))
	for key, cmd := range b.commands {
		out = append(out, RegisteredCommand{Key: key, Command: cmd})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// UnregisterCommands removes every command whose key starts with
// "<pluginID>:".
func (b *Bus) UnregisterCommands(pluginID string) int {
	prefix := pluginID + ":"

	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for key := range b.commands {
		if strings.HasPrefix(key, prefix) {
			delete(b.commands, key)
			n++
		}
	}
	return n
}

// CommandEvent builds the command_execute event for a registered command.
// It does not emit it.
func (b *Bus) CommandEvent(key string, args any) (Event, error) {
	if _, ok := b.Command(key); !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrCommandNotFound, key)
	}
	return New(TypeCommandExecute, map[string]any{
		"command": key,
		"args":    args,
	})
}
