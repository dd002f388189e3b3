package feed

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsTotal counts raw confirmed items fed into reconcilers by source.
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_events_total",
			Help: "Confirmed items applied, by feed kind and source (push or poll)",
		},
		[]string{"kind", "source"},
	)

	// DuplicatesTotal counts confirmed deliveries discarded as already seen.
	DuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_duplicates_total",
			Help: "Confirmed items discarded because their id was already applied",
		},
		[]string{"kind"},
	)

	// PollsTotal counts snapshot refetches, by scheduler state.
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_polls_total",
			Help: "Snapshot polls performed, by feed kind and scheduler state",
		},
		[]string{"kind", "state"},
	)

	// ResubscribesTotal counts push-channel reopen attempts.
	ResubscribesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_resubscribes_total",
			Help: "Push subscription reopen attempts after errored or closed channels",
		},
		[]string{"kind"},
	)

	// OptimisticInFlight tracks provisional items awaiting confirmation.
	OptimisticInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feedsync_optimistic_in_flight",
			Help: "Optimistic items currently awaiting their write round-trip",
		},
		[]string{"kind"},
	)

	// WriteFailuresTotal counts writes rolled back, by failure class.
	WriteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_write_failures_total",
			Help: "Writes rolled back, by feed kind and failure class",
		},
		[]string{"kind", "class"},
	)
)

// RegisterMetrics registers every feedsync collector with the registry.
// Call once at startup; double registration panics, as with any prometheus
// collector.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsTotal,
		DuplicatesTotal,
		PollsTotal,
		ResubscribesTotal,
		OptimisticInFlight,
		WriteFailuresTotal,
	)
}
