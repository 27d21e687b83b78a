/*
Package event provides a type-safe pub/sub event system for the nbcodex
engine.

Publishers (the session registry, the intake queue, the transport client)
emit events; subscribers (the UI bridge, tests) react to them without direct
dependencies. The package is built on watermill's gochannel for
infrastructure while keeping direct-call semantics so payloads stay typed.

# Event Types

  - session.changed: a registry update changed a session (payload carries a
    snapshot)
  - registry.cleared: the bulk-delete operation wiped the registry
  - thread.reset: a session's conversation thread was replaced (locally or
    via a remote sync event)
  - defaults.updated: the backend advertised new default options
  - ratelimits.updated: a fresh usage snapshot arrived
  - transport.state: the backend channel connected or dropped
  - intake.dropped: the intake queue shed entries above its hard cap

# Basic Usage

Publishing:

	event.Publish(event.Event{
		Type: event.SessionChanged,
		Data: event.SessionChangedData{Session: snap},
	})

PublishSync blocks until all subscribers have run; use it where ordering
matters (the registry publishes synchronously so bridge snapshots never lag
behind the state they describe).

Subscribing:

	unsubscribe := event.Subscribe(event.SessionChanged, func(e event.Event) {
		data := e.Data.(event.SessionChangedData)
		logging.Debug().Str("key", data.Session.Key).Msg("session changed")
	})
	defer unsubscribe()

# Subscriber Safety

PublishSync runs subscribers in the publisher's goroutine. Subscribers must
complete quickly, must not publish re-entrantly, and must not take locks the
publisher might hold. Forward into a buffered channel with a non-blocking
send when in doubt.

# Custom Bus Instances

Each engine owns a *Bus so several independent engines can coexist in one
process (required for cross-instance sync tests):

	bus := event.NewBus()
	defer bus.Close()

Reset clears the global bus between tests.
*/
package event
