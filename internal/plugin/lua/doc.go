// Package lua runs embedded-script plugins on gopher-lua.
//
// Each plugin gets its own State: base, table, string and math libraries
// only, with dofile, load and friends removed and require restricted to
// the plugin's install directory. All Lua code for a plugin runs on that
// plugin's Executor goroutine; a semaphore shared by every runner bounds
// how many interpreters execute at once.
//
// The entry file may define three global hooks, all optional:
//
//	function on_load(api) end      -- api is also the global "quill"
//	function on_event(ev) end      -- ev = {event_type = "...", data = ...}
//	function on_unload() end
//
// API functions report host errors, including missing capabilities, as
// the pair nil, message:
//
//	local content, err = api.read_file("notes/today.md")
//	if not content then api.log("warn", err) end
//
// Contexts passed to the runner are installed on the interpreter while a
// call runs, so a deadline interrupts a looping script.
package lua
