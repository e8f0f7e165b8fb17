package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Binding metrics
	VerbRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapservice_verb_requests_total",
			Help: "Total number of verb requests served by API, verb and status",
		},
		[]string{"api", "verb", "status"},
	)

	VerbDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mapservice_verb_duration_seconds",
			Help:    "Verb handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"api", "verb"},
	)

	// Outbound call metrics
	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapservice_calls_total",
			Help: "Total number of outbound verb calls by API, verb and result",
		},
		[]string{"api", "verb", "result"},
	)

	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mapservice_call_duration_seconds",
			Help:    "Outbound verb call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"api", "verb"},
	)

	// Event bus metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapservice_events_published_total",
			Help: "Total number of events published by kind",
		},
		[]string{"kind"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapservice_events_dropped_total",
			Help: "Events not delivered by kind and reason",
		},
		[]string{"kind", "reason"},
	)

	// Surface broker metrics
	SurfaceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapservice_surface_requests_total",
			Help: "Surface requests by final outcome",
		},
		[]string{"outcome"},
	)

	SurfaceReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapservice_surface_reports_total",
			Help: "Surface created reports by result",
		},
		[]string{"result"},
	)

	AttachmentsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapservice_attachments_in_flight",
			Help: "Attachments waiting for a surface created report",
		},
	)

	// Gateway metrics
	ClientsRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapservice_clients_registered",
			Help: "Number of application identities in the client registry",
		},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapservice_notifications_total",
			Help: "map_created notifications by routing outcome",
		},
		[]string{"outcome"},
	)

	// Peer metrics
	PeerUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mapservice_peer_up",
			Help: "Whether a peer API accepted the last probes (1) or not (0)",
		},
		[]string{"api"},
	)
)

func init() {
	prometheus.MustRegister(VerbRequestsTotal)
	prometheus.MustRegister(VerbDuration)
	prometheus.MustRegister(CallsTotal)
	prometheus.MustRegister(CallDuration)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(SurfaceRequests)
	prometheus.MustRegister(SurfaceReports)
	prometheus.MustRegister(AttachmentsInFlight)
	prometheus.MustRegister(ClientsRegistered)
	prometheus.MustRegister(Notifications)
	prometheus.MustRegister(PeerUp)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
