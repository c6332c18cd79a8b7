package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicechat_sessions_active",
		Help: "Currently open voice sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicechat_sessions_total",
		Help: "Total voice sessions opened",
	})

	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicechat_sessions_rejected_total",
		Help: "Connections refused because the gateway was at capacity",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Per-phase collaborator latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_run_duration_seconds",
		Help:    "Turn latency from stop_speaking to audio delivery",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_runs_total",
		Help: "Pipeline runs by outcome (ok, noise, cancelled, error)",
	}, []string{"outcome"})

	BargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicechat_barge_ins_total",
		Help: "In-flight responses cancelled by the user",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicechat_protocol_errors_total",
		Help: "Rejected inbound messages by error code",
	}, []string{"code"})

	AudioChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_chunks_processed_total",
		Help: "Total audio chunks received",
	})

	FramesEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turn_buffer_frames_evicted_total",
		Help: "Frames dropped because a turn exceeded buffer capacity",
	})

	OutboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicechat_outbound_dropped_total",
		Help: "Outbound frames discarded because their run was cancelled",
	})

	ASRNoiseFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_noise_filtered_total",
		Help: "Transcripts dropped by the noise filter",
	})

	EmbeddingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_embedding_duration_seconds",
		Help:    "Embedding generation latency",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5},
	})

	RAGDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_rag_duration_seconds",
		Help:    "RAG retrieval latency (embed + search)",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5},
	})

	UnknownSessionDispatch = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicechat_unknown_session_dispatch_total",
		Help: "Messages addressed to a session id that is not registered",
	})
)
