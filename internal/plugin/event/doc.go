// Package event provides the in-process event bus shared by the host and
// all loaded plugins.
//
// Events carry a Type and a JSON payload. Subscribers are invoked
// synchronously in subscription order for their type; there is no
// ordering across types. The bus also holds the command registry, keyed
// by "<plugin-id>:<command-id>".
//
//	bus := event.NewBus(event.WithLogger(logger))
//	id := bus.Subscribe(event.TypeFileSave, func(ev event.Event) {
//	    fmt.Println("saved", ev.Get("path").String())
//	})
//	bus.Emit(event.MustNew(event.TypeFileSave, map[string]string{"path": "notes/a.md"}))
//	bus.Unsubscribe(id)
package event
