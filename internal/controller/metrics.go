// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package controller

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	cyclesTotal          prometheus.Counter
	abortsTotal          *prometheus.CounterVec
	overrunsTotal        prometheus.Counter
	phaseDuration        *prometheus.HistogramVec
	cycleDurationSeconds prometheus.Gauge
	transitionsTotal     *prometheus.CounterVec
	meterUpdatesTotal    prometheus.Counter
	activeIndices        prometheus.Gauge
	darkIndices          prometheus.Gauge
	flaggedIndices       prometheus.Gauge
	addrCount            prometheus.Gauge
	configInterval       prometheus.Gauge
	configAlpha          prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		cyclesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "darkmon_cycles_total",
				Help: "Control cycles that completed every shard.",
			},
		),
		abortsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "darkmon_cycle_aborts_total",
				Help: "Control cycles aborted, by the phase that failed.",
			},
			[]string{"phase"},
		),
		overrunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "darkmon_cycle_overruns_total",
				Help: "Cycles that took longer than the configured interval (sleep skipped).",
			},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "darkmon_phase_duration_seconds",
				Help:    "Time spent in each cycle phase, summed over shards.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
			},
			[]string{"phase"},
		),
		cycleDurationSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "darkmon_cycle_duration_seconds",
				Help: "Duration of the last cycle, without sleep.",
			},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "darkmon_transitions_total",
				Help: "Global register writes by direction (activate=1, deactivate=0).",
			},
			[]string{"direction"},
		),
		meterUpdatesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "darkmon_meter_updates_total",
				Help: "Meter buckets reprogrammed by rate redistribution.",
			},
		),
		activeIndices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "darkmon_active_indices",
				Help: "Indices with a non-zero decay counter.",
			},
		),
		darkIndices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "darkmon_dark_indices",
				Help: "Indices whose decay counter reached zero.",
			},
		),
		flaggedIndices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "darkmon_flagged_indices",
				Help: "Indices flagged by the data plane in the last cycle.",
			},
		),
		addrCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "darkmon_addr_count",
				Help: "Size of the monitored index space.",
			},
		),
		configInterval: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "darkmon_config_interval_seconds",
				Help: "Configured cycle interval in seconds.",
			},
		),
		configAlpha: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "darkmon_config_alpha",
				Help: "Configured number of idle cycles before an index turns dark.",
			},
		),
	}
}

func (m *metrics) register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.cyclesTotal,
		m.abortsTotal,
		m.overrunsTotal,
		m.phaseDuration,
		m.cycleDurationSeconds,
		m.transitionsTotal,
		m.meterUpdatesTotal,
		m.activeIndices,
		m.darkIndices,
		m.flaggedIndices,
		m.addrCount,
		m.configInterval,
		m.configAlpha,
	)
	slog.Info("Prometheus metrics registered")
}
