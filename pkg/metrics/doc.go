/*
Package metrics provides the Prometheus metrics and health checks of a map
service process.

# Metrics

Collectors are package-level and registered in init:

	mapservice_verb_requests_total{api,verb,status}
	mapservice_verb_duration_seconds{api,verb}
	mapservice_calls_total{api,verb,result}
	mapservice_call_duration_seconds{api,verb}
	mapservice_events_published_total{kind}
	mapservice_events_dropped_total{kind,reason}
	mapservice_surface_requests_total{outcome}
	mapservice_surface_reports_total{result}
	mapservice_attachments_in_flight
	mapservice_clients_registered
	mapservice_notifications_total{outcome}
	mapservice_peer_up{api}

Timer measures an operation and observes it on a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CallDuration, api, verb)

Collector refreshes gauges that mirror the size of a collection owned by
another component, such as the attachment ledger.

# Health

Components report themselves with RegisterComponent and UpdateComponent.
GetHealth is unhealthy as soon as one component is. GetReadiness only looks
at the components declared with SetCritical and stays not_ready until each
of them has registered as healthy. HealthHandler and ReadyHandler serve both
as JSON for the admin server.
*/
package metrics
