// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TimersPending tracks timers currently held by the scheduler, by kind
	TimersPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "filetrace_timers_pending",
			Help: "Number of timers waiting in the scheduler",
		},
		[]string{"kind"},
	)

	// TimersDispatchedTotal counts timers whose action ran
	TimersDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filetrace_timers_dispatched_total",
			Help: "Total number of timers dispatched",
		},
		[]string{"kind", "mode"},
	)

	// TimersCancelledTotal counts timers popped while inactive
	TimersCancelledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filetrace_timers_cancelled_total",
			Help: "Total number of cancelled timers discarded without dispatch",
		},
		[]string{"kind"},
	)

	// TimersPeak records the largest scheduler size observed
	TimersPeak = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filetrace_timers_peak",
			Help: "Peak number of timers held by the scheduler",
		},
	)

	// FilesActive tracks files currently tracked
	FilesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filetrace_files_active",
			Help: "Number of files currently tracked",
		},
	)

	// FilesTotal counts created and removed files
	FilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filetrace_files_total",
			Help: "Total number of file lifecycle transitions",
		},
		[]string{"transition"}, // created | removed | timeout | ignored
	)

	// FileBytesTotal counts file bytes by accounting bucket
	FileBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filetrace_file_bytes_total",
			Help: "Total number of file bytes by accounting bucket",
		},
		[]string{"bucket"}, // seen | missing | overflow
	)

	// ReassemblyBufferedBytes tracks bytes held by file reassemblers
	ReassemblyBufferedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filetrace_reassembly_buffered_bytes",
			Help: "Bytes buffered out of order awaiting a contiguous run",
		},
	)

	// AnalyzerRemovalsTotal counts analyzers dropped after a failed delivery
	AnalyzerRemovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filetrace_analyzer_removals_total",
			Help: "Total number of analyzers removed from files",
		},
		[]string{"tag"},
	)

	// EventsTotal counts events drained from the bus
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filetrace_events_total",
			Help: "Total number of events dispatched by name",
		},
		[]string{"event"},
	)

	// SinkErrorsTotal counts event sink publish failures
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filetrace_sink_errors_total",
			Help: "Total number of event sink errors",
		},
		[]string{"sink"},
	)

	// SegmentsTotal counts payload segments fed to the engine
	SegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filetrace_segments_total",
			Help: "Total number of payload segments processed",
		},
		[]string{"proto"},
	)
)
