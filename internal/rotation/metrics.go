package rotation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rawEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "svidserve_rotation_raw_events_total",
		Help: "Raw filesystem events observed on the credential paths",
	})

	callbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "svidserve_rotation_callbacks_total",
		Help: "Coalesced rotation callbacks delivered to the application",
	})

	watchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "svidserve_rotation_watch_errors_total",
		Help: "Errors reported by the underlying filesystem watch mechanism",
	})
)
