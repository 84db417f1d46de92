// Package metrics holds the Prometheus collectors of the share-stream server.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	subsystem = "share_stream"

	framesTotal       = "frames_total"
	sendFailuresTotal = "send_failures_total"
	closesTotal       = "closes_total"
	engineOpsTotal    = "engine_ops_total"
	openConnections   = "open_connections"
)

// Frame directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Close initiators.
const (
	InitiatorLocal  = "local"
	InitiatorRemote = "remote"
)

func init() {
	prometheus.MustRegister(frames)
	prometheus.MustRegister(sendFailures)
	prometheus.MustRegister(closes)
	prometheus.MustRegister(engineOps)
	prometheus.MustRegister(connections)
}

var (
	// frames counts WebSocket data frames, labeled by direction ("in" or "out").
	// Keep-alive probes are counted as outbound frames.
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      framesTotal,
			Help:      "Total number of WebSocket data frames, labeled by direction.",
		},
		[]string{"direction"},
	)

	sendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      sendFailuresTotal,
			Help:      "Total number of outbound frames that could not be written.",
		},
	)

	// closes counts closed connections with labels:
	//   - code: the close code reported for the connection
	//   - initiator: "local" when this side sent the first close frame, "remote" otherwise
	closes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      closesTotal,
			Help:      "Total number of closed connections, labeled by close code and initiator.",
		},
		[]string{"code", "initiator"},
	)

	engineOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      engineOpsTotal,
			Help:      "Total number of document requests handled, labeled by action and result.",
		},
		[]string{"action", "result"},
	)

	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      openConnections,
			Help:      "Number of currently open WebSocket connections.",
		},
	)
)

// ObserveFrame records one data frame in the given direction.
func ObserveFrame(direction string) {
	frames.With(prometheus.Labels{"direction": direction}).Inc()
}

// ObserveSendFailure records a frame that could not be written.
func ObserveSendFailure() {
	sendFailures.Inc()
}

// ObserveClose records a closed connection.
func ObserveClose(code int, initiator string) {
	closes.With(prometheus.Labels{
		"code":      strconv.Itoa(code),
		"initiator": initiator,
	}).Inc()
}

// ObserveEngineOp records a handled document request. result is "ok" or an error class.
func ObserveEngineOp(action, result string) {
	engineOps.With(prometheus.Labels{
		"action": action,
		"result": result,
	}).Inc()
}

// ConnectionOpened increments the open connections gauge.
func ConnectionOpened() {
	connections.Inc()
}

// ConnectionClosed decrements the open connections gauge.
func ConnectionClosed() {
	connections.Dec()
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
