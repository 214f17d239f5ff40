// Package metrics exposes Prometheus metrics for the engine:
//
//   - engine_bars_total{source}          – bars accepted into stream buffers
//   - engine_bars_rejected_total{reason} – bars dropped (stale, precedence, out of window)
//   - engine_state_changes_total{state}  – stream state transitions by target state
//   - engine_ranges_locked_total         – ranges locked
//   - engine_breakouts_total{direction}  – breakout detections
//   - engine_orders_total{kind}          – order submissions by kind
//   - engine_order_rejections_total      – venue rejections
//   - engine_fail_closed_total           – fail-closed sequences run
//   - engine_incidents_total{kind}       – incidents raised by kind
//   - engine_streams_committed_total{reason} – terminal commits by reason
//   - engine_active_streams              – streams not yet terminal (gauge)
//
// Registered in init() and served at /metrics by the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"breakout-engine/internal/events"
)

var (
	barsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_bars_total",
			Help: "Bars accepted into stream buffers",
		},
		[]string{"source"}, // LIVE|BACKFILL|FILE
	)

	barsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_bars_rejected_total",
			Help: "Bars dropped before ingestion",
		},
		[]string{"reason"},
	)

	stateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_state_changes_total",
			Help: "Stream state transitions by target state",
		},
		[]string{"state"},
	)

	rangesLocked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_ranges_locked_total",
			Help: "Ranges locked",
		},
	)

	breakouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_breakouts_total",
			Help: "Breakout detections by direction",
		},
		[]string{"direction"}, // LONG|SHORT
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Order submissions by kind",
		},
		[]string{"kind"}, // ENTRY|STOP|TARGET|FLATTEN
	)

	orderRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_order_rejections_total",
			Help: "Venue rejections",
		},
	)

	failClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_fail_closed_total",
			Help: "Fail-closed sequences run",
		},
	)

	incidents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_incidents_total",
			Help: "Incidents raised by kind",
		},
		[]string{"kind"},
	)

	committed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_streams_committed_total",
			Help: "Terminal stream commits by reason",
		},
		[]string{"reason"},
	)

	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_active_streams",
			Help: "Streams not yet terminal",
		},
	)
)

func init() {
	prometheus.MustRegister(barsIngested, barsRejected)
	prometheus.MustRegister(stateChanges, rangesLocked, breakouts)
	prometheus.MustRegister(orders, orderRejections, failClosed, incidents)
	prometheus.MustRegister(committed, activeStreams)
}

func SetActiveStreams(n int) { activeStreams.Set(float64(n)) }

// Observe subscribes the metrics to the event bus. One call from main wires
// everything the bus already reports.
func Observe(bus *events.Bus) {
	bus.SubscribeAll(func(ev events.Event) {
		switch ev.Type {
		case events.EventStateChanged:
			if s, ok := ev.Data["to"].(string); ok {
				stateChanges.WithLabelValues(s).Inc()
			}
		case events.EventRangeLocked:
			rangesLocked.Inc()
		case events.EventBreakoutDetected, events.EventImmediateEntry:
			if d, ok := ev.Data["direction"].(string); ok {
				breakouts.WithLabelValues(d).Inc()
			}
		case events.EventOrderSubmitted:
			if k, ok := ev.Data["kind"].(string); ok {
				orders.WithLabelValues(k).Inc()
			}
		case events.EventOrderRejected:
			orderRejections.Inc()
		case events.EventFailClosed:
			failClosed.Inc()
		case events.EventIncidentRaised:
			if k, ok := ev.Data["kind"].(string); ok {
				incidents.WithLabelValues(k).Inc()
			}
		case events.EventBarIngested:
			if s, ok := ev.Data["source"].(string); ok {
				barsIngested.WithLabelValues(s).Inc()
			}
		case events.EventStreamCommitted:
			if r, ok := ev.Data["reason"].(string); ok {
				committed.WithLabelValues(r).Inc()
			}
		case events.EventBarRejected:
			if r, ok := ev.Data["reason"].(string); ok {
				barsRejected.WithLabelValues(r).Inc()
			}
		}
	})
}
