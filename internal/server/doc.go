// Package server provides the HTTP bridge between the editor UI and
// the session reconciliation engine.
//
// The bridge is the only surface the notebook front end talks to. It
// translates HTTP requests into engine actions and streams engine
// state back out over Server-Sent Events. It binds to loopback and is
// meant to run next to the editor, one bridge per application
// instance.
//
// # API Endpoints
//
// The server exposes the following endpoint groups:
//
//   - /session: session snapshots and document actions (open, close,
//     prompt, cancel, foreground, options, new thread, delete thread,
//     delete all)
//   - /session/event: SSE stream filtered to one document's session
//   - /backend/*: backend link state, advertised defaults, usage limits
//   - /event: SSE stream of all engine events
//   - /log: log forwarding for the UI, which has no console of its own
//
// Documents are addressed by path in query parameters or JSON bodies,
// never by URL segment, because notebook paths contain slashes.
//
// # Event Streaming
//
// Engine events are delivered as SSE messages shaped as
// {"type": ..., "properties": ...}:
//
//   - session.changed: a session snapshot after any state transition
//   - thread.reset: a session was moved to a fresh backend thread
//   - registry.cleared: the bulk delete acknowledgement landed
//   - defaults.updated, ratelimits.updated: backend advertisements
//   - transport.state: the backend link went up or down
//
// Streams carry a heartbeat comment every 30 seconds so intermediaries
// do not reap idle connections.
//
// # Error Shape
//
// Failures are returned as {"error": {"code", "message"}} with codes
// such as INVALID_REQUEST, NOT_FOUND, RUN_ACTIVE, NOT_PAIRED and
// BACKEND_UNAVAILABLE. Run-state conflicts map to 409; undelivered
// frames map to 502.
//
// # Usage Example
//
//	cfg := server.DefaultConfig()
//	cfg.Addr = "127.0.0.1:8488"
//
//	srv := server.New(cfg, dispatcher, registry, bus, transportClient)
//
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
package server
