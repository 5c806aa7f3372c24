package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookiegateway_requests_total",
			Help: "Total number of inbound chat requests",
		},
		[]string{"model", "stream", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cookiegateway_request_duration_seconds",
			Help:    "Inbound chat request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"model", "stream"},
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookiegateway_dispatch_total",
			Help: "Dispatch outcomes by model",
		},
		[]string{"model", "outcome"},
	)

	DeltasTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookiegateway_deltas_total",
			Help: "Text deltas emitted to callers",
		},
		[]string{"model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookiegateway_tokens_total",
			Help: "Estimated tokens of non-streaming responses",
		},
		[]string{"model", "type"},
	)

	UpstreamResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookiegateway_upstream_responses_total",
			Help: "Upstream call results by status code (\"transport\" when no status was received)",
		},
		[]string{"status"},
	)

	CredentialRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cookiegateway_credential_rotations_total",
			Help: "Retries with a different credential after an upstream rate limit",
		},
	)

	ActiveCredentials = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cookiegateway_active_credentials",
			Help: "Active credentials in the pool at last count",
		},
	)

	UsageRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookiegateway_usage_records_total",
			Help: "Usage records by result (written, dropped, failed)",
		},
		[]string{"result"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cookiegateway_rate_limit_hits_total",
			Help: "Inbound requests rejected by the per-client rate limit",
		},
	)

	CircuitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cookiegateway_circuit_rejections_total",
			Help: "Upstream calls rejected while the circuit breaker was open",
		},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cookiegateway_active_streams",
			Help: "Number of open upstream streams",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cookiegateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "version"},
	)
)

func RecordRequest(model string, stream bool, status int, durationSec float64) {
	s := strconv.FormatBool(stream)
	RequestsTotal.WithLabelValues(model, s, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(model, s).Observe(durationSec)
}

func RecordDispatch(model, outcome string) {
	DispatchTotal.WithLabelValues(model, outcome).Inc()
}

func RecordDelta(model string) {
	DeltasTotal.WithLabelValues(model).Inc()
}

func RecordTokens(model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// RecordUpstreamStatus counts one upstream call. A zero status means the
// call failed before any HTTP status was received.
func RecordUpstreamStatus(status int) {
	label := "transport"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	UpstreamResponses.WithLabelValues(label).Inc()
}

func RecordCredentialRotation() {
	CredentialRotations.Inc()
}

func SetActiveCredentials(n int) {
	ActiveCredentials.Set(float64(n))
}

func RecordUsage(result string) {
	UsageRecords.WithLabelValues(result).Inc()
}

func RecordRateLimitHit() {
	RateLimitHits.Inc()
}

func RecordCircuitRejection() {
	CircuitRejections.Inc()
}

var currentPodName string

// InitInstanceMetrics sets the pod label used by per-instance gauges.
func InitInstanceMetrics(podName, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, version).Set(1)
}

func IncrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Dec()
}
