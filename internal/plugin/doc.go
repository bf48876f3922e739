// Package plugin discovers, orders and runs Quill plugins.
//
// # Plugin Structure
//
// Each plugin lives in its own directory under the plugin root:
//
//	plugins/
//	├── .plugins_config.json   # enabled set, written by the registry
//	└── word-count/
//	    ├── manifest.json      # required
//	    ├── main.lua           # entry point named by "main"
//	    └── lib/helpers.lua    # reachable through require("lib.helpers")
//
// # Manifest
//
//	{
//	  "id": "word-count",
//	  "name": "Word Count",
//	  "version": "1.0.0",
//	  "main": "main.lua",
//	  "plugin_type": "embedded-script",
//	  "capabilities": ["read_files", "modify_ui"],
//	  "dependencies": {"core-utils": "^1.0.0"}
//	}
//
// # Lifecycle
//
// A Registry scans the root (Discover), resolves dependencies into a load
// order (Resolve) and loads every enabled plugin in that order (Start).
// Each load builds a capability-scoped host.API and hands it to the runner
// registered for the manifest's plugin_type:
//
//	reg := plugin.NewRegistry(root,
//	    plugin.WithFactory(manifest.KindScript, lua.NewFactory()),
//	    plugin.WithFactory(manifest.KindVM, wasm.NewFactory()),
//	)
//	if err := reg.Discover(ctx); err != nil {
//	    log.Printf("load order: %v", err)
//	}
//	if err := reg.Start(ctx); err != nil {
//	    log.Printf("some plugins failed to load: %v", err)
//	}
//	defer reg.Shutdown(context.Background())
//
// States move unloaded -> loading -> loaded, or to failed when the load
// hook errors. Disabling a plugin unloads it. Events pushed through
// DispatchEvent reach bus subscribers first and then every loaded runner.
//
// # Thread Safety
//
// Registry is safe for concurrent use. Lifecycle operations are serialized;
// queries take a read lock and return copies.
package plugin
