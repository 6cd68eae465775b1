package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Room lifecycle
	RoomsSpawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_rooms_spawned_total",
			Help: "Rooms created, by type",
		},
		[]string{"room_type"},
	)

	RoomsDespawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_rooms_despawned_total",
			Help: "Global rooms deleted by the reaper, by language",
		},
		[]string{"language"},
	)

	GlobalRooms = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_global_rooms",
			Help: "Global rooms seen by the last reaper pass, by language",
		},
		[]string{"language"},
	)

	GlobalPopulation = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_global_population",
			Help: "Members across global rooms seen by the last reaper pass, by language",
		},
		[]string{"language"},
	)

	// Messages
	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_posted_total",
			Help: "Total messages posted",
		},
		[]string{"room_type", "message_type"},
	)

	MessagesTrimmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_trimmed_total",
			Help: "Messages dropped by the retention cap",
		},
	)

	StickiesArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_stickies_archived_total",
			Help: "Sticky messages moved to the archived type",
		},
	)

	// Presence
	TrackedAccounts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_presence_tracked_accounts",
			Help: "Accounts with a presence record after the last sweep",
		},
	)

	PresenceEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_presence_evictions_total",
			Help: "Idle accounts removed from global rooms",
		},
	)

	// Sweeps
	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sweep_runs_total",
			Help: "Background sweep runs, by sweep and outcome",
		},
		[]string{"sweep", "outcome"},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_sweep_duration_seconds",
			Help:    "Background sweep duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		},
		[]string{"sweep"},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	// Notifications dropped because the dispatch queue was full
	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_notifications_dropped_total",
			Help: "Notifications dropped by the async dispatcher",
		},
		[]string{"event"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_store_latency_seconds",
			Help:    "Persistence operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"backend", "op"},
	)
)
