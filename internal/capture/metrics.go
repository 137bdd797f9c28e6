// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package capture

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	framesTotal       prometheus.Counter
	malformedTotal    prometheus.Counter
	controlTotal      prometheus.Counter
	unmonitoredTotal  prometheus.Counter
	queueFullTotal    prometheus.Counter
	expiredTotal      prometheus.Counter
	suppressedTotal   prometheus.Counter
	capturedTotal     *prometheus.CounterVec
	filesTotal        prometheus.Counter
	queueDepth        prometheus.Gauge
	monitoredIndices  prometheus.Gauge
	configWaitSeconds prometheus.Gauge
	configHoldSeconds prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		framesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "darkcap_frames_total",
				Help: "Frames read from the capture socket.",
			},
		),
		malformedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "darkcap_malformed_frames_total",
				Help: "Frames that failed to decode.",
			},
		),
		controlTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "darkcap_control_packets_total",
				Help: "Control packets that marked a monitored index active.",
			},
		),
		unmonitoredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "darkcap_unmonitored_packets_total",
				Help: "Packets whose destination is not in the address list.",
			},
		),
		queueFullTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "darkcap_queue_full_drops_total",
				Help: "Packets dropped because the delay queue was full.",
			},
		),
		expiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "darkcap_hold_expired_total",
				Help: "Indices reverted to inactive after the hold time.",
			},
		),
		suppressedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "darkcap_suppressed_packets_total",
				Help: "Delayed packets not written because their index was active.",
			},
		),
		capturedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "darkcap_captured_packets_total",
				Help: "Packets written to capture files, by source country.",
			},
			[]string{"country"},
		),
		filesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "darkcap_files_total",
				Help: "Capture files completed.",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "darkcap_queue_depth",
				Help: "Packets waiting in the delay queue.",
			},
		),
		monitoredIndices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "darkcap_monitored_indices",
				Help: "Indices loaded from the address list.",
			},
		),
		configWaitSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "darkcap_config_wait_seconds",
				Help: "Configured delay before a packet is written.",
			},
		),
		configHoldSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "darkcap_config_hold_seconds",
				Help: "Configured time an index stays active after a control packet.",
			},
		),
	}
}

func (m *metrics) register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.framesTotal,
		m.malformedTotal,
		m.controlTotal,
		m.unmonitoredTotal,
		m.queueFullTotal,
		m.expiredTotal,
		m.suppressedTotal,
		m.capturedTotal,
		m.filesTotal,
		m.queueDepth,
		m.monitoredIndices,
		m.configWaitSeconds,
		m.configHoldSeconds,
	)
	slog.Info("Prometheus metrics registered")
}
