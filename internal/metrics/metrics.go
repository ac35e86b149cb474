package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors for the voice pipeline.
type Metrics struct {
	// Capture
	CapturesStarted  prometheus.Counter
	CapturesRejected prometheus.Counter
	CaptureFailures  prometheus.Counter
	ActiveCaptures   prometheus.Gauge
	CaptureDuration  prometheus.Histogram

	// Transcription
	ArtifactsSkipped      prometheus.Counter
	TranscriptionRequests prometheus.Counter
	TranscriptionFailures prometheus.Counter
	TranscriptionDuration prometheus.Histogram
	EmptyTranscripts      prometheus.Counter

	// Aggregation / turns
	BatchesEmitted prometheus.Counter
	BatchSize      prometheus.Histogram
	ReplyFailures  prometheus.Counter
	ReplyDuration  prometheus.Histogram

	// Playback
	SynthesisFailures prometheus.Counter
	ClipsEnqueued     prometheus.Counter
	ClipsPlayed       prometheus.Counter
	ClipsFlushed      prometheus.Counter
	SinkErrors        prometheus.Counter
	QueueDepth        *prometheus.GaugeVec

	ActiveDestinations prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		CapturesStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_captures_started_total",
			Help: "Capture sessions started",
		}),
		CapturesRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_captures_rejected_total",
			Help: "Speech detections rejected by the session registry",
		}),
		CaptureFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_capture_failures_total",
			Help: "Capture sessions that ended without an artifact",
		}),
		ActiveCaptures: f.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_captures",
			Help: "Capture sessions currently recording",
		}),
		CaptureDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_capture_duration_seconds",
			Help:    "Wall time of capture sessions",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),

		ArtifactsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_artifacts_skipped_total",
			Help: "Artifacts below the minimum size, never transcribed",
		}),
		TranscriptionRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_requests_total",
			Help: "Transcription requests sent",
		}),
		TranscriptionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_failures_total",
			Help: "Transcription requests that failed",
		}),
		TranscriptionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_transcription_duration_seconds",
			Help:    "Transcription request latency",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		EmptyTranscripts: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_empty_transcripts_total",
			Help: "Transcriptions that returned no text",
		}),

		BatchesEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_batches_emitted_total",
			Help: "Grouped utterance batches emitted by the aggregator",
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_batch_size_events",
			Help:    "Utterance events per emitted batch",
			Buckets: prometheus.LinearBuckets(1, 1, 8),
		}),
		ReplyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_reply_failures_total",
			Help: "Downstream reply requests that failed",
		}),
		ReplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_reply_duration_seconds",
			Help:    "Downstream reply latency",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		SynthesisFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_synthesis_failures_total",
			Help: "Speech synthesis requests that failed",
		}),
		ClipsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_clips_enqueued_total",
			Help: "Clips handed to a playback queue",
		}),
		ClipsPlayed: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_clips_played_total",
			Help: "Clips the sink finished playing",
		}),
		ClipsFlushed: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_clips_flushed_total",
			Help: "Clips dropped without playing",
		}),
		SinkErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_sink_errors_total",
			Help: "Sink failures that tore down a destination's output",
		}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voice_playback_queue_depth",
			Help: "Pending clips per destination",
		}, []string{"destination"}),

		ActiveDestinations: f.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_destinations",
			Help: "Destinations with a live voice session",
		}),
	}
}

// Nop returns collectors bound to a private registry that nothing scrapes.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
