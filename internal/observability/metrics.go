package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speech_relay_active_connections",
		Help: "Number of open audio connections",
	})

	totalConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_connections_total",
		Help: "Total number of audio connections established",
	}, []string{"role"}) // role: "sender" or "receiver"

	connectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_relay_connection_duration_seconds",
		Help:    "Lifetime of audio connections in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600},
	})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_frames_total",
		Help: "Audio frames by direction",
	}, []string{"direction"}) // direction: "in", "out" or "dropped"

	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_audio_bytes_total",
		Help: "Total audio bytes transferred",
	}, []string{"direction"})

	reconnectDelay = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speech_relay_reconnect_delay_seconds",
		Help: "Current sender reconnect backoff delay",
	})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speech_relay_reconnects_total",
		Help: "Total sender reconnect cycles",
	})

	// Segmentation metrics
	bufferBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speech_relay_buffer_bytes",
		Help: "Bytes retained in the rolling buffer",
	})

	schedulerPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_scheduler_passes_total",
		Help: "Scheduler passes by outcome",
	}, []string{"outcome"}) // outcome: "short", "idle", "dispatched", "vad_error", "forced"

	segmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_segments_total",
		Help: "Detected speech segments by classification",
	}, []string{"class"}) // class: "finished", "pending", "duplicate", "dispatched"

	trimmedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speech_relay_trimmed_bytes_total",
		Help: "Bytes trimmed from the rolling buffer",
	})

	vadLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_relay_vad_latency_seconds",
		Help:    "Voice activity detection latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// ASR metrics
	asrRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_asr_requests_total",
		Help: "Total number of ASR requests",
	}, []string{"status"})

	asrLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_relay_asr_latency_seconds",
		Help:    "ASR processing latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speech_relay_transcript_queue_depth",
		Help: "Transcription results waiting for the consumer",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "speech_relay_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// ConnectionMetrics tracks metrics for a single audio connection
type ConnectionMetrics struct {
	role      string
	startTime time.Time
	bytes     int64
	frames    int64
	mu        sync.Mutex
}

// NewConnectionMetrics creates a metrics tracker and records the connection start
func NewConnectionMetrics(role string) *ConnectionMetrics {
	activeConnections.Inc()
	totalConnections.WithLabelValues(role).Inc()
	return &ConnectionMetrics{
		role:      role,
		startTime: time.Now(),
	}
}

// RecordFrame records one frame moved over this connection
func (m *ConnectionMetrics) RecordFrame(direction string, n int) {
	m.mu.Lock()
	m.frames++
	m.bytes += int64(n)
	m.mu.Unlock()

	framesTotal.WithLabelValues(direction).Inc()
	audioBytes.WithLabelValues(direction).Add(float64(n))
}

// Totals returns frames and bytes seen so far
func (m *ConnectionMetrics) Totals() (frames, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames, m.bytes
}

// End records the end of the connection and returns its lifetime
func (m *ConnectionMetrics) End() time.Duration {
	activeConnections.Dec()
	d := time.Since(m.startTime)
	connectionDuration.Observe(d.Seconds())
	return d
}

// RecordDroppedFrame records a captured frame discarded while disconnected
func RecordDroppedFrame(n int) {
	framesTotal.WithLabelValues("dropped").Inc()
	audioBytes.WithLabelValues("dropped").Add(float64(n))
}

// RecordReconnect records a reconnect cycle and its upcoming delay
func RecordReconnect(delay time.Duration) {
	reconnectsTotal.Inc()
	reconnectDelay.Set(delay.Seconds())
}

// SetBufferBytes updates the rolling buffer size gauge
func SetBufferBytes(n int) {
	bufferBytes.Set(float64(n))
}

// RecordPass records the outcome of one scheduler pass
func RecordPass(outcome string) {
	schedulerPasses.WithLabelValues(outcome).Inc()
}

// RecordSegments records detected segments by classification
func RecordSegments(class string, n int) {
	if n > 0 {
		segmentsTotal.WithLabelValues(class).Add(float64(n))
	}
}

// RecordTrim records bytes removed from the rolling buffer
func RecordTrim(n int) {
	trimmedBytes.Add(float64(n))
}

// ObserveVAD records one detector invocation
func ObserveVAD(d time.Duration) {
	vadLatency.Observe(d.Seconds())
}

// ObserveASR records one transcription request
func ObserveASR(d time.Duration, success bool) {
	asrLatency.Observe(d.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	asrRequests.WithLabelValues(status).Inc()
}

// SetQueueDepth updates the transcript queue gauge
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
