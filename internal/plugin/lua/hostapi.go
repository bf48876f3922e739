package lua

import (
	"context"
	"encoding/json"
	"log/slog"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/quillhost/internal/plugin/event"
	"github.com/dshills/quillhost/internal/plugin/host"
)

// asyncCaller runs a Lua callback later on the plugin's executor. args is
// evaluated there too, since tables may only be built on that goroutine.
type asyncCaller func(fn *lua.LFunction, args func(b *Bridge) []lua.LValue)

// hostModule exposes a host.API to Lua as the table passed to on_load and
// stored in the global "quill".
type hostModule struct {
	api    *host.API
	bridge *Bridge
	async  asyncCaller
	logger *slog.Logger
}

// Loader builds the API table.
func (m *hostModule) Loader(L *lua.LState) *lua.LTable {
	return L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"plugin_id":           m.pluginID,
		"log":                 m.log,
		"show_notice":         m.showNotice,
		"read_file":           m.readFile,
		"write_file":          m.writeFile,
		"delete_file":         m.deleteFile,
		"list_files":          m.listFiles,
		"vault_info":          m.vaultInfo,
		"storage_get":         m.storageGet,
		"storage_set":         m.storageSet,
		"storage_delete":      m.storageDelete,
		"storage_clear":       m.storageClear,
		"storage_all":         m.storageAll,
		"on":                  m.on,
		"off":                 m.off,
		"emit":                m.emit,
		"send_message":        m.sendMessage,
		"register_command":    m.registerCommand,
		"parse_markdown":      m.parseMarkdown,
		"extract_frontmatter": m.extractFrontmatter,
		"http_get":            m.httpGet,
		"http_post":           m.httpPost,
	})
}

// luaContext returns the context installed by the executor.
func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// fail pushes the nil, message pair host errors are reported as.
func fail(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

func ok(L *lua.LState) int {
	L.Push(lua.LTrue)
	return 1
}

func (m *hostModule) pluginID(L *lua.LState) int {
	L.Push(lua.LString(m.api.PluginID()))
	return 1
}

// log(msg) or log(level, msg)
func (m *hostModule) log(L *lua.LState) int {
	if L.GetTop() < 2 {
		m.api.Log("info", L.CheckString(1))
		return 0
	}
	m.api.Log(L.CheckString(1), L.CheckString(2))
	return 0
}

func (m *hostModule) showNotice(L *lua.LState) int {
	if err := m.api.ShowNotice(L.CheckString(1), L.OptInt(2, 0)); err != nil {
		return fail(L, err)
	}
	return ok(L)
}

func (m *hostModule) readFile(L *lua.LState) int {
	content, err := m.api.ReadFile(luaContext(L), L.CheckString(1))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(content))
	return 1
}

func (m *hostModule) writeFile(L *lua.LState) int {
	if err := m.api.WriteFile(luaContext(L), L.CheckString(1), L.CheckString(2)); err != nil {
		return fail(L, err)
	}
	return ok(L)
}

func (m *hostModule) deleteFile(L *lua.LState) int {
	if err := m.api.DeleteFile(luaContext(L), L.CheckString(1)); err != nil {
		return fail(L, err)
	}
	return ok(L)
}

func (m *hostModule) listFiles(L *lua.LState) int {
	files, err := m.api.ListFiles(luaContext(L), L.OptString(1, ""))
	if err != nil {
		return fail(L, err)
	}
	L.Push(m.bridge.ToLuaValue(files))
	return 1
}

func (m *hostModule) vaultInfo(L *lua.LState) int {
	info, err := m.api.VaultInfo(luaContext(L))
	if err != nil {
		return fail(L, err)
	}
	L.Push(m.bridge.ToLuaValue(info))
	return 1
}

func (m *hostModule) storageGet(L *lua.LState) int {
	raw, found, err := m.api.StorageGet(L.CheckString(1))
	if err != nil {
		return fail(L, err)
	}
	if !found {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(m.bridge.FromJSON(raw))
	return 1
}

func (m *hostModule) storageSet(L *lua.LState) int {
	key := L.CheckString(1)
	raw, err := m.bridge.ToJSON(L.Get(2))
	if err != nil {
		return fail(L, err)
	}
	if err := m.api.StorageSet(key, raw); err != nil {
		return fail(L, err)
	}
	return ok(L)
}

func (m *hostModule) storageDelete(L *lua.LState) int {
	if err := m.api.StorageDelete(L.CheckString(1)); err != nil {
		return fail(L, err)
	}
	return ok(L)
}

func (m *hostModule) storageClear(L *lua.LState) int {
	if err := m.api.StorageClear(); err != nil {
		return fail(L, err)
	}
	return ok(L)
}

func (m *hostModule) storageAll(L *lua.LState) int {
	all, err := m.api.StorageAll()
	if err != nil {
		return fail(L, err)
	}
	t := L.NewTable()
	for k, raw := range all {
		t.RawSetString(k, m.bridge.FromJSON(raw))
	}
	L.Push(t)
	return 1
}

// on(type, fn) returns a subscription id. fn runs later on the plugin's
// executor with the event table.
func (m *hostModule) on(L *lua.LState) int {
	t, err := event.ParseType(L.CheckString(1))
	if err != nil {
		return fail(L, err)
	}
	fn := L.CheckFunction(2)

	id, err := m.api.On(t, func(ev event.Event) {
		m.async(fn, func(b *Bridge) []lua.LValue {
			return []lua.LValue{eventArg(b, ev)}
		})
	})
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(id))
	return 1
}

func (m *hostModule) off(L *lua.LState) int {
	m.api.Off(L.CheckString(1))
	return 0
}

func (m *hostModule) emit(L *lua.LState) int {
	t, err := event.ParseType(L.CheckString(1))
	if err != nil {
		return fail(L, err)
	}
	raw, err := m.bridge.ToJSON(L.Get(2))
	if err != nil {
		return fail(L, err)
	}
	m.api.Emit(event.Event{Type: t, Data: raw})
	return ok(L)
}

func (m *hostModule) sendMessage(L *lua.LState) int {
	to := L.CheckString(1)
	raw, err := m.bridge.ToJSON(L.Get(2))
	if err != nil {
		return fail(L, err)
	}
	if err := m.api.SendMessage(to, raw); err != nil {
		return fail(L, err)
	}
	return ok(L)
}

// register_command{id=, name=, description=, hotkey=, callback=}. With a
// callback, executing the command calls it with the command args.
func (m *hostModule) registerCommand(L *lua.LState) int {
	tbl := L.CheckTable(1)
	var cmd event.Command
	cmd.ID, _ = m.bridge.GetTableString(tbl, "id")
	cmd.Name, _ = m.bridge.GetTableString(tbl, "name")
	cmd.Description, _ = m.bridge.GetTableString(tbl, "description")
	cmd.Hotkey, _ = m.bridge.GetTableString(tbl, "hotkey")

	key, err := m.api.RegisterCommand(cmd)
	if err != nil {
		return fail(L, err)
	}

	if fn, found := m.bridge.GetTableFunc(tbl, "callback"); found {
		_, err := m.api.On(event.TypeCommandExecute, func(ev event.Event) {
			if ev.Get("command").String() != key {
				return
			}
			args := json.RawMessage(ev.Get("args").Raw)
			m.async(fn, func(b *Bridge) []lua.LValue {
				return []lua.LValue{b.FromJSON(args)}
			})
		})
		if err != nil {
			m.logger.Warn("command callback not subscribed", "command", key, "error", err)
		}
	}

	L.Push(lua.LString(key))
	return 1
}

func (m *hostModule) parseMarkdown(L *lua.LState) int {
	html, err := m.api.ParseMarkdown(L.CheckString(1))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(html))
	return 1
}

// extract_frontmatter returns a table, or nil when there is none.
func (m *hostModule) extractFrontmatter(L *lua.LState) int {
	fm, found, err := m.api.ExtractFrontmatter(L.CheckString(1))
	if err != nil {
		return fail(L, err)
	}
	if !found {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(m.bridge.FromJSON(fm))
	return 1
}

func (m *hostModule) httpGet(L *lua.LState) int {
	body, err := m.api.HTTPGet(luaContext(L), L.CheckString(1))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(body))
	return 1
}

func (m *hostModule) httpPost(L *lua.LState) int {
	body, err := m.api.HTTPPost(luaContext(L), L.CheckString(1), L.OptString(2, ""))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(body))
	return 1
}

// eventArg builds the {event_type=, data=} table handed to Lua handlers.
func eventArg(b *Bridge, ev event.Event) *lua.LTable {
	t := b.L.NewTable()
	t.RawSetString("event_type", lua.LString(ev.Type))
	t.RawSetString("data", b.FromJSON(ev.Data))
	return t
}
