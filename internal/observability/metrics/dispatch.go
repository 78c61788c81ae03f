package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DispatchMetrics tracks the campaign dispatch pipeline: batch latency,
// per-message outcomes, queue backlog and credit debits.
type DispatchMetrics struct {
	batchDuration  *prometheus.HistogramVec
	messagesTotal  *prometheus.CounterVec
	jobBacklog     *prometheus.GaugeVec
	creditsDebited prometheus.Counter
}

var (
	dispatchMetricsOnce sync.Once
	dispatchMetrics     *DispatchMetrics
)

// Dispatch returns the process-wide dispatch metrics.
func Dispatch() *DispatchMetrics {
	return DispatchWithConfig(Config{})
}

// DispatchWithConfig returns the process-wide dispatch metrics, creating
// them with cfg on first use.
func DispatchWithConfig(cfg Config) *DispatchMetrics {
	dispatchMetricsOnce.Do(func() {
		dispatchMetrics = newDispatchMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return dispatchMetrics
}

// ResetDispatchMetricsForTest clears the singleton so tests can register
// against a private registry.
func ResetDispatchMetricsForTest() {
	dispatchMetricsOnce = sync.Once{}
	dispatchMetrics = nil
}

func newDispatchMetrics(registerer prometheus.Registerer, cfg Config) *DispatchMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "astronote"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}

	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	batchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "campaign_batch_duration_seconds",
			Help:        "Wall time spent processing one campaign batch job.",
			ConstLabels: constLabels,
			Buckets:     []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)
	messagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "campaign_messages_total",
			Help:        "Per-recipient submission outcomes.",
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)
	jobBacklog := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "dispatch_jobs_backlog",
			Help:        "Jobs waiting in the queue, by kind.",
			ConstLabels: constLabels,
		},
		[]string{"kind"},
	)
	creditsDebited := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        "credits_debited_total",
			Help:        "Credits debited for accepted sends.",
			ConstLabels: constLabels,
		},
	)

	registerer.MustRegister(batchDuration, messagesTotal, jobBacklog, creditsDebited)

	return &DispatchMetrics{
		batchDuration:  batchDuration,
		messagesTotal:  messagesTotal,
		jobBacklog:     jobBacklog,
		creditsDebited: creditsDebited,
	}
}

// ObserveBatch records one finished batch job.
func (m *DispatchMetrics) ObserveBatch(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.WithLabelValues(normalizeLabel(outcome)).Observe(duration.Seconds())
}

// AddMessages records per-recipient submission outcomes.
func (m *DispatchMetrics) AddMessages(sent, failed int64) {
	if m == nil {
		return
	}
	if sent > 0 {
		m.messagesTotal.WithLabelValues("sent").Add(float64(sent))
	}
	if failed > 0 {
		m.messagesTotal.WithLabelValues("failed").Add(float64(failed))
	}
}

// SetBacklog records the pending job count for one job kind.
func (m *DispatchMetrics) SetBacklog(kind string, count int64) {
	if m == nil {
		return
	}
	m.jobBacklog.WithLabelValues(normalizeLabel(kind)).Set(float64(count))
}

// AddDebited records credits debited for accepted sends.
func (m *DispatchMetrics) AddDebited(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsDebited.Add(float64(amount))
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
