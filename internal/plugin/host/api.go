package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/sjson"
	"golang.org/x/time/rate"

	"github.com/dshills/quillhost/internal/plugin/event"
	"github.com/dshills/quillhost/internal/plugin/security"
	"github.com/dshills/quillhost/internal/plugin/storage"
)

// Errors returned by host operations.
var (
	ErrUnimplemented = errors.New("host: operation not implemented")
	ErrNoVault       = errors.New("host: no active vault")
	ErrNoFileService = errors.New("host: file service unavailable")
	ErrNoRenderer    = errors.New("host: markdown renderer unavailable")
	ErrRateLimited   = errors.New("host: file operation rate limit exceeded")
	ErrClosed        = errors.New("host: api closed")
)

// DefaultNoticeDuration is used by ShowNotice when no duration is given.
const DefaultNoticeDuration = 3000

// Deps are the shared services an API delegates to.
type Deps struct {
	Bus      *event.Bus
	Storage  *storage.Store
	Files    FileService
	Markdown MarkdownRenderer
	Logger   *slog.Logger
	Limits   security.ResourceLimits
}

// API is the capability-gated surface one plugin sees. Every gated method
// calls require before touching any resource.
type API struct {
	ctx  Context
	deps Deps

	logger      *slog.Logger
	fileLimiter *rate.Limiter

	mu     sync.Mutex
	subs   map[string]bool
	closed bool
}

// New creates the API for one loaded plugin. Bus and Storage are required.
func New(pctx Context, deps Deps) *API {
	if deps.Bus == nil {
		deps.Bus = event.NewBus()
	}
	if deps.Storage == nil {
		deps.Storage = storage.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		ctx:         pctx,
		deps:        deps,
		logger:      logger.With("plugin", pctx.PluginID),
		fileLimiter: deps.Limits.NewFileOpLimiter(),
		subs:        make(map[string]bool),
	}
}

// Context returns the plugin context the API was built with.
func (a *API) Context() Context {
	return a.ctx
}

// PluginID returns the id of the plugin that owns the API.
func (a *API) PluginID() string {
	return a.ctx.PluginID
}

// Logger returns the plugin-scoped logger.
func (a *API) Logger() *slog.Logger {
	return a.logger
}

// require is the capability gate.
func (a *API) require(op string, cap security.Capability) error {
	return a.ctx.Granted.Check(op, cap)
}

// file operations

func (a *API) fileGate(op string, cap security.Capability) error {
	if err := a.require(op, cap); err != nil {
		return err
	}
	if a.deps.Files == nil {
		return ErrNoFileService
	}
	if a.ctx.VaultID == "" {
		return ErrNoVault
	}
	if !a.fileLimiter.Allow() {
		return ErrRateLimited
	}
	return nil
}

// ReadFile returns the content of a vault-relative file.
func (a *API) ReadFile(ctx context.Context, path string) (string, error) {
	if err := a.fileGate("read_file", security.CapabilityReadFiles); err != nil {
		return "", err
	}
	return a.deps.Files.ReadFile(ctx, a.ctx.VaultID, path)
}

// WriteFile creates or overwrites a vault-relative file.
func (a *API) WriteFile(ctx context.Context, path, content string) error {
	if err := a.fileGate("write_file", security.CapabilityWriteFiles); err != nil {
		return err
	}
	return a.deps.Files.WriteFile(ctx, a.ctx.VaultID, path, content)
}

// DeleteFile deletes a vault-relative file.
func (a *API) DeleteFile(ctx context.Context, path string) error {
	if err := a.fileGate("delete_file", security.CapabilityDeleteFiles); err != nil {
		return err
	}
	return a.deps.Files.DeleteFile(ctx, a.ctx.VaultID, path)
}

// ListFiles lists vault files whose path contains filter. An empty filter
// lists everything.
func (a *API) ListFiles(ctx context.Context, filter string) ([]string, error) {
	if err := a.fileGate("list_files", security.CapabilityReadFiles); err != nil {
		return nil, err
	}
	files, err := a.deps.Files.ListFiles(ctx, a.ctx.VaultID)
	if err != nil {
		return nil, err
	}
	if filter == "" {
		return files, nil
	}
	out := files[:0:0]
	for _, f := range files {
		if strings.Contains(f, filter) {
			out = append(out, f)
		}
	}
	return out, nil
}

// VaultInfo describes the active vault.
func (a *API) VaultInfo(ctx context.Context) (VaultInfo, error) {
	if err := a.fileGate("vault_info", security.CapabilityVaultMetadata); err != nil {
		return VaultInfo{}, err
	}
	return a.deps.Files.VaultInfo(ctx, a.ctx.VaultID)
}

// events

// On subscribes handler to t. The subscription is dropped when the API is
// closed.
func (a *API) On(t event.Type, handler event.Handler) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return "", ErrClosed
	}
	id := a.deps.Bus.SubscribeOwned(a.ctx.PluginID, t, handler)
	a.subs[id] = true
	return id, nil
}

// Off removes one of this plugin's subscriptions. Unknown ids, including
// other plugins' ids, are ignored.
func (a *API) Off(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.subs[id] {
		return
	}
	delete(a.subs, id)
	a.deps.Bus.Unsubscribe(id)
}

// Emit publishes an event on the shared bus.
func (a *API) Emit(ev event.Event) {
	a.deps.Bus.Emit(ev)
}

// SendMessage emits a plugin_message event addressed to another plugin.
func (a *API) SendMessage(to string, message json.RawMessage) error {
	if len(message) == 0 {
		message = json.RawMessage("null")
	}
	if !json.Valid(message) {
		return fmt.Errorf("send_message: message is not valid JSON")
	}
	data, err := sjson.SetBytes([]byte(`{}`), "from", a.ctx.PluginID)
	if err == nil {
		data, err = sjson.SetBytes(data, "to", to)
	}
	if err == nil {
		data, err = sjson.SetRawBytes(data, "message", message)
	}
	if err != nil {
		return fmt.Errorf("send_message: %w", err)
	}
	a.Emit(event.Event{Type: event.TypePluginMessage, Data: data})
	return nil
}

// storage

// StorageGet returns the value stored under key in this plugin's namespace.
func (a *API) StorageGet(key string) (json.RawMessage, bool, error) {
	if err := a.require("storage_get", security.CapabilityStorage); err != nil {
		return nil, false, err
	}
	v, ok := a.deps.Storage.Get(a.ctx.PluginID, key)
	return v, ok, nil
}

// StorageSet stores a JSON value under key.
func (a *API) StorageSet(key string, value json.RawMessage) error {
	if err := a.require("storage_set", security.CapabilityStorage); err != nil {
		return err
	}
	return a.deps.Storage.Set(a.ctx.PluginID, key, value)
}

// StorageDelete removes key.
func (a *API) StorageDelete(key string) error {
	if err := a.require("storage_delete", security.CapabilityStorage); err != nil {
		return err
	}
	a.deps.Storage.Delete(a.ctx.PluginID, key)
	return nil
}

// StorageClear removes every key in this plugin's namespace.
func (a *API) StorageClear() error {
	if err := a.require("storage_clear", security.CapabilityStorage); err != nil {
		return err
	}
	a.deps.Storage.Clear(a.ctx.PluginID)
	return nil
}

// StorageAll returns a copy of this plugin's namespace.
func (a *API) StorageAll() (map[string]json.RawMessage, error) {
	if err := a.require("storage_all", security.CapabilityStorage); err != nil {
		return nil, err
	}
	return a.deps.Storage.All(a.ctx.PluginID), nil
}

// markdown

// ParseMarkdown renders markdown to HTML.
func (a *API) ParseMarkdown(src string) (string, error) {
	if a.deps.Markdown == nil {
		return "", ErrNoRenderer
	}
	return a.deps.Markdown.Render(src)
}

// ExtractFrontmatter returns the YAML frontmatter of a markdown document as
// JSON. ok is false when the document has no frontmatter.
func (a *API) ExtractFrontmatter(content string) (json.RawMessage, bool, error) {
	fm, _, ok, err := ParseFrontmatter(content)
	return fm, ok, err
}

// network

// HTTPGet is gated by the network capability but not implemented.
func (a *API) HTTPGet(_ context.Context, url string) (string, error) {
	if err := a.require("http_get", security.CapabilityNetwork); err != nil {
		return "", err
	}
	return "", fmt.Errorf("http_get %s: %w", url, ErrUnimplemented)
}

// HTTPPost is gated by the network capability but not implemented.
func (a *API) HTTPPost(_ context.Context, url, _ string) (string, error) {
	if err := a.require("http_post", security.CapabilityNetwork); err != nil {
		return "", err
	}
	return "", fmt.Errorf("http_post %s: %w", url, ErrUnimplemented)
}

// UI and commands

// RegisterCommand registers cmd and returns its key "<plugin-id>:<command-id>".
func (a *API) RegisterCommand(cmd event.Command) (string, error) {
	if err := a.require("register_command", security.CapabilityCommands); err != nil {
		return "", err
	}
	if cmd.ID == "" {
		return "", event.ErrInvalidCommand
	}
	key := a.ctx.PluginID + ":" + cmd.ID
	if err := a.deps.Bus.RegisterCommand(key, cmd); err != nil {
		return "", err
	}
	return key, nil
}

// ShowNotice emits a show_notice event. A non-positive duration uses
// DefaultNoticeDuration milliseconds.
func (a *API) ShowNotice(message string, durationMs int) error {
	if err := a.require("show_notice", security.CapabilityModifyUI); err != nil {
		return err
	}
	if durationMs <= 0 {
		durationMs = DefaultNoticeDuration
	}
	data, err := sjson.SetBytes([]byte(`{}`), "message", message)
	if err == nil {
		data, err = sjson.SetBytes(data, "duration", durationMs)
	}
	if err != nil {
		return fmt.Errorf("show_notice: %w", err)
	}
	a.Emit(event.Event{Type: event.TypeShowNotice, Data: data})
	return nil
}

// Log writes a plugin log line at the named level (debug, info, warn,
// error). Unknown levels log at info.
func (a *API) Log(level, msg string) {
	msg = a.deps.Limits.TruncateLog(msg)
	switch strings.ToLower(level) {
	case "debug":
		a.logger.Debug(msg)
	case "warn", "warning":
		a.logger.Warn(msg)
	case "error":
		a.logger.Error(msg)
	default:
		a.logger.Info(msg)
	}
}

// Subscriptions returns this plugin's live subscription ids, sorted.
func (a *API) Subscriptions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.subs))
	for id := range a.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close drops every subscription and command the plugin registered. It is
// called after the runner has unloaded.
func (a *API) Close() {
	a.mu.Lock()
	a.closed = true
	a.subs = make(map[string]bool)
	a.mu.Unlock()

	a.deps.Bus.UnsubscribeOwner(a.ctx.PluginID)
	a.deps.Bus.UnregisterCommands(a.ctx.PluginID)
}
