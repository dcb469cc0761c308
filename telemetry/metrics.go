// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	RecordingsStarted   prometheus.Counter
	RecordingsFailed    prometheus.Counter
	RecordingsCompleted prometheus.Counter
	SegmentsDownloaded  prometheus.Counter
	SegmentsFailed      prometheus.Counter
	BytesWritten        prometheus.Counter
	ChatMessages        prometheus.Counter
	PollCycles          prometheus.Counter

	// Histograms (seconds)
	SegmentFetchDuration prometheus.Observer
	CycleDuration        prometheus.Observer

	// Gauges
	ActiveRecordings prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RecordingsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_recordings_started_total", Help: "Number of stream recordings started"})
		RecordingsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_recordings_failed_total", Help: "Number of stream recordings failed"})
		RecordingsCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_recordings_completed_total", Help: "Number of stream recordings completed"})
		SegmentsDownloaded = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_segments_downloaded_total", Help: "Number of media segments written"})
		SegmentsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_segments_failed_total", Help: "Number of media segment fetches failed"})
		BytesWritten = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_bytes_written_total", Help: "Media bytes appended to output files"})
		ChatMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_chat_messages_total", Help: "Chat messages captured"})
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_poll_cycles_total", Help: "Number of live-check poll cycles"})
		SegmentFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "recorder_segment_fetch_duration_seconds", Help: "Segment fetch duration seconds", Buckets: prometheus.DefBuckets})
		CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "recorder_cycle_duration_seconds", Help: "Download cycle duration seconds", Buckets: prometheus.DefBuckets})
		ActiveRecordings = promauto.NewGauge(prometheus.GaugeOpts{Name: "recorder_active_recordings", Help: "Recordings currently in DOWNLOADING state"})
	})
}

// IncSegmentDownloaded bumps the downloaded-segment counter if registered.
func IncSegmentDownloaded() {
	if SegmentsDownloaded != nil {
		SegmentsDownloaded.Inc()
	}
}

// IncSegmentFailed bumps the failed-segment counter if registered.
func IncSegmentFailed() {
	if SegmentsFailed != nil {
		SegmentsFailed.Inc()
	}
}

// AddBytesWritten records media bytes appended to an output file.
func AddBytesWritten(n int64) {
	if BytesWritten != nil {
		BytesWritten.Add(float64(n))
	}
}

// IncChatMessage bumps the captured chat message counter if registered.
func IncChatMessage() {
	if ChatMessages != nil {
		ChatMessages.Inc()
	}
}

// ObserveSegmentFetch records a single segment fetch duration.
func ObserveSegmentFetch(d time.Duration) {
	if SegmentFetchDuration != nil {
		SegmentFetchDuration.Observe(d.Seconds())
	}
}

// ObserveCycle records the duration of one playlist poll cycle.
func ObserveCycle(d time.Duration) {
	if CycleDuration != nil {
		CycleDuration.Observe(d.Seconds())
	}
}

// IncActiveRecordings marks one more recording in DOWNLOADING state.
func IncActiveRecordings() {
	if ActiveRecordings != nil {
		ActiveRecordings.Inc()
	}
}

// DecActiveRecordings marks one recording as no longer downloading.
func DecActiveRecordings() {
	if ActiveRecordings != nil {
		ActiveRecordings.Dec()
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
