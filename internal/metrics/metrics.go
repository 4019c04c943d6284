// Package metrics exposes Prometheus instrumentation for the tuner pool,
// HLS session manager, PSI parser, and guide-scan driver.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TunersHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zaplink_tuners_held",
		Help: "Number of tuners currently leased, by any purpose.",
	})

	TunersIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zaplink_tuners_idle",
		Help: "Number of tuners currently idle.",
	})

	TunerAcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zaplink_tuner_acquires_total",
		Help: "Tuner acquisitions by purpose and outcome.",
	}, []string{"purpose", "outcome"})

	TunerPreemptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zaplink_tuner_preemptions_total",
		Help: "Number of times a STREAM acquisition preempted an EPG hold.",
	})

	HLSActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zaplink_hls_active_sessions",
		Help: "Number of active HLS sessions.",
	})

	HLSSessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zaplink_hls_sessions_started_total",
		Help: "Total HLS sessions started.",
	})

	HLSSessionsReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zaplink_hls_sessions_reaped_total",
		Help: "HLS sessions torn down by housekeeping, by reason.",
	}, []string{"reason"})

	PSISectionsParsedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zaplink_psi_sections_parsed_total",
		Help: "PSIP sections parsed, by table kind.",
	}, []string{"table"})

	GuideScanCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zaplink_guidescan_cycles_total",
		Help: "Completed guide-scan cycles.",
	})

	GuideScanProgramsUpsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zaplink_guidescan_programs_upserted_total",
		Help: "Programs upserted into the guide store.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
