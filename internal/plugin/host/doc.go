// Package host implements the capability-gated API through which plugin
// code reaches the application.
//
// An API is built per load from the plugin's Context and the shared
// services (event bus, storage, file service, markdown renderer). Each
// gated method checks the granted capability first and fails with a
// *security.CapabilityError when it is missing:
//
//	read_file, list_files      read_files
//	write_file                 write_files
//	delete_file                delete_files
//	vault_info                 vault_metadata
//	storage_*                  storage
//	register_command           commands
//	show_notice                modify_ui
//	http_get, http_post        network (always ErrUnimplemented)
//
// Event subscription, emit, send_message, parse_markdown and
// extract_frontmatter need no capability.
package host
