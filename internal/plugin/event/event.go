package event

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Type identifies the kind of an event.
type Type string

// Event types.
const (
	TypeFileOpen       Type = "file_open"
	TypeFileSave       Type = "file_save"
	TypeFileCreate     Type = "file_create"
	TypeFileDelete     Type = "file_delete"
	TypeFileRename     Type = "file_rename"
	TypeVaultSwitch    Type = "vault_switch"
	TypeEditorChange   Type = "editor_change"
	TypeShowNotice     Type = "show_notice"
	TypePluginMessage  Type = "plugin_message"
	TypeCommandExecute Type = "command_execute"
)

var knownTypes = map[Type]bool{
	TypeFileOpen:       true,
	TypeFileSave:       true,
	TypeFileCreate:     true,
	TypeFileDelete:     true,
	TypeFileRename:     true,
	TypeVaultSwitch:    true,
	TypeEditorChange:   true,
	TypeShowNotice:     true,
	TypePluginMessage:  true,
	TypeCommandExecute: true,
}

// ParseType validates an event type name.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !knownTypes[t] {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// Event is a typed event with an arbitrary JSON payload. Its wire form is
// {"event_type": "...", "data": ...}.
type Event struct {
	Type Type            `json:"event_type"`
	Data json.RawMessage `json:"data"`
}

// New creates an event, marshaling data to JSON. A nil data becomes null.
func New(t Type, data any) (Event, error) {
	if raw, ok := data.(json.RawMessage); ok {
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		return Event{Type: t, Data: raw}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: marshal data: %w", t, err)
	}
	return Event{Type: t, Data: raw}, nil
}

// MustNew is like New but panics on error.
func MustNew(t Type, data any) Event {
	ev, err := New(t, data)
	if err != nil {
		panic(err)
	}
	return ev
}

// Get returns the payload value at a gjson path, e.g. "path" or "message.text".
func (e Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Data, path)
}

// JSON returns the wire form of the event.
func (e Event) JSON() ([]byte, error) {
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("null")
	}
	return json.Marshal(e)
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Command is a named action a plugin registers with the host.
type Command struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Hotkey      string `json:"hotkey,omitempty"`
}
