/*
Package events provides the in-memory event bus of a map service process.

Each process owns one Broker. Verbs served by the process subscribe their
caller's session to event kinds, and the session's Mailbox is pushed to the
caller over the binding's event stream.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  Publish(event)                                            │
	│       │  snapshot subscribers of event.Kind                │
	│       ▼                                                    │
	│  Event Channel (buffer: 100)                               │
	│       │                                                    │
	│       ▼                                                    │
	│  Distribution Loop ── non-blocking ──► Mailbox (buffer: 50)│
	│                                                            │
	│  Send(id, event) ─────────────────────► Mailbox of id      │
	└────────────────────────────────────────────────────────────┘

# Event Kinds

The set of kinds is closed and matched exactly:

  - new_request: the arguments of a surface request, for passive observers
    such as a UI shell
  - map_created: a surface reported by the UI, with its uuid and appid
  - map_surface: the confirmation delivered to one application

# Delivery Guarantees

  - Subscribe and Unsubscribe are idempotent
  - Subscribers of one kind receive events in subscription order
  - The subscriber set is captured when Publish is called: a late
    subscriber never sees earlier events and nothing is replayed
  - A publish with no subscriber is dropped
  - A full mailbox drops the event for that subscriber only
  - Nothing is persisted; a restart loses subscriptions and queued events

Every drop is counted in mapservice_events_dropped_total with its reason.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	mb, err := broker.Subscribe(events.KindNewRequest, "map-ui")
	if err != nil {
		return err
	}
	broker.Publish(&events.Event{
		Kind:    events.KindNewRequest,
		Payload: types.Payload{"appid": "app.1"},
	})
	ev := <-mb.C()

A mailbox has a single reader. Close(id) removes the mailbox and all of its
subscriptions and closes its channel.
*/
package events
