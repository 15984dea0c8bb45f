package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the interview engine.
type Metrics struct {
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsFailed    prometheus.Counter
	ActiveSessions    prometheus.Gauge
	SessionDuration   prometheus.Histogram

	TurnsCompleted     prometheus.Counter
	GeneratorFallbacks prometheus.Counter
	SynthesisFailures  prometheus.Counter

	TranscribeReconnects prometheus.Counter
	PlaybackDecodeSkips  prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicescope_sessions_started_total",
			Help: "Total number of interview sessions started",
		}),
		SessionsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicescope_sessions_completed_total",
			Help: "Total number of interview sessions that reached completed",
		}),
		SessionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicescope_sessions_failed_total",
			Help: "Total number of interview sessions that ended in error",
		}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicescope_active_sessions",
			Help: "Current number of live interview sessions",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicescope_session_duration_seconds",
			Help:    "Wall-clock duration of finished sessions",
			Buckets: prometheus.ExponentialBuckets(15, 2, 6), // 15s to ~8 minutes
		}),
		TurnsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicescope_turns_completed_total",
			Help: "Total number of completed interviewer turns",
		}),
		GeneratorFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicescope_generator_fallbacks_total",
			Help: "Total number of fallback utterances emitted after generator failures",
		}),
		SynthesisFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicescope_synthesis_failures_total",
			Help: "Total number of utterances whose synthesis failed after retry",
		}),
		TranscribeReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicescope_transcribe_reconnects_total",
			Help: "Total number of transcription reconnection attempts",
		}),
		PlaybackDecodeSkips: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicescope_playback_decode_skips_total",
			Help: "Total number of playback items skipped due to decode failures",
		}),
	}
}
