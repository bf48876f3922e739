package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/quillhost/internal/plugin/event"
)

// Dispatcher receives translated events. *plugin.Registry implements it.
type Dispatcher interface {
	DispatchEvent(ctx context.Context, ev event.Event)
}

// Change kinds carried in the "kind" field of file event payloads.
const (
	KindCreated  = "created"
	KindModified = "modified"
	KindDeleted  = "deleted"
	KindRenamed  = "renamed"
)

// FileChange is the payload of the file events a Bridge dispatches.
type FileChange struct {
	Path      string    `json:"path"`
	Kind      string    `json:"kind"`
	VaultID   string    `json:"vault_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Bridge forwards file system events from a vault to a Dispatcher.
type Bridge struct {
	vaultID    string
	root       string
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewBridge creates a bridge for the vault rooted at root.
func NewBridge(vaultID, root string, d Dispatcher, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Bridge{
		vaultID:    vaultID,
		root:       root,
		dispatcher: d,
		logger:     logger.With("component", "watch", "vault", vaultID),
	}
}

// Run dispatches events from src until ctx is done or src is drained.
// It does not close src.
func (b *Bridge) Run(ctx context.Context, src Source) error {
	events := src.Events()
	errs := src.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			out, ok := b.Translate(ev)
			if !ok {
				continue
			}
			b.logger.Debug("file change", "event", out.Type, "path", out.Get("path").String())
			b.dispatcher.DispatchEvent(ctx, out)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			b.logger.Warn("watch error", "error", err)
		}
	}
}

// Translate maps a file system event to a plugin event. It reports false
// for chmod-only changes, directories and paths outside the vault.
func (b *Bridge) Translate(ev Event) (event.Event, bool) {
	rel, err := filepath.Rel(b.root, ev.Path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return event.Event{}, false
	}

	var (
		typ  event.Type
		kind string
	)
	switch {
	case ev.Op.Has(OpRename):
		typ, kind = event.TypeFileRename, KindRenamed
	case ev.Op.Has(OpRemove):
		typ, kind = event.TypeFileDelete, KindDeleted
	case ev.Op.Has(OpCreate):
		typ, kind = event.TypeFileCreate, KindCreated
	case ev.Op.Has(OpWrite):
		typ, kind = event.TypeFileSave, KindModified
	default:
		return event.Event{}, false
	}

	if typ == event.TypeFileCreate || typ == event.TypeFileSave {
		info, err := os.Stat(ev.Path)
		if err != nil || info.IsDir() {
			return event.Event{}, false
		}
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	out, err := event.New(typ, FileChange{
		Path:      filepath.ToSlash(rel),
		Kind:      kind,
		VaultID:   b.vaultID,
		Timestamp: ts.UTC(),
	})
	if err != nil {
		return event.Event{}, false
	}
	return out, true
}
