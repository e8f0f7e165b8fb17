/*
Package health probes the peers a mapservice process depends on.

Every process calls other APIs through the call gateway: the broker calls
the window manager and the UI, the gateway and the UI call the broker. A
Monitor dials each configured endpoint on an interval and tracks
consecutive successes and failures. A peer is marked down only after
Retries consecutive failures, and back up on the first success.

Reachability is exported as the mapservice_peer_up gauge, logged on each
transition, and served as JSON on the admin /peers route. It does not
affect /health or /ready: a missing peer degrades individual verbs, and
those failures are already reported to callers.

	mon := health.NewMonitor(health.Config{Interval: 10 * time.Second})
	mon.Watch("windowmanager", "127.0.0.1:7702")
	mon.Start()
	defer mon.Stop()
*/
package health
