package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess   = "success"
	resultLoadError = "load_error"
	resultBindError = "bind_error"
)

var (
	restartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "svidserve_restarts_total",
		Help: "Listener restart attempts by result",
	}, []string{"result"})

	lastRestartSuccessTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "svidserve_last_restart_success_timestamp_seconds",
		Help: "Unix timestamp of the last successful credential swap; alert on staleness versus certificate expiry",
	})

	certNotAfterTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "svidserve_cert_not_after_timestamp_seconds",
		Help: "Unix timestamp when the serving certificate expires",
	})

	listenerStartedTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "svidserve_listener_started_timestamp_seconds",
		Help: "Unix timestamp when the active listener was bound",
	})
)
