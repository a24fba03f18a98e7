package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Ключи метрик.
const (
	MetricActivityPollerTimeSinceLastPoll = "activity_poller.time_since_last_poll"
	MetricActivityPollerPollCompleted     = "activity_poller.poll_completed"
	MetricActivityPollerAvailableSlots    = "activity_poller.available_slots"
	MetricWorkflowPollerTimeSinceLastPoll = "workflow_poller.time_since_last_poll"
	MetricWorkflowPollerPollCompleted     = "workflow_poller.poll_completed"
	MetricPoolAvailableWorkers            = "pool.available_workers"
)

// Tags — метки метрики.
type Tags map[string]string

// Merge возвращает копию t с добавленными парами из other.
func (t Tags) Merge(other Tags) Tags {
	out := make(Tags, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Metrics — наблюдатель, которому рантайм отдаёт метрики.
//
// Реализации должны быть быстрыми и потокобезопасными: методы
// вызываются из циклов poller'ов и воркеров пула.
type Metrics interface {
	Timing(key string, d time.Duration, tags Tags)
	Increment(key string, tags Tags)
	Gauge(key string, value float64, tags Tags)
}

// NoopMetrics игнорирует все метрики.
type NoopMetrics struct{}

func (NoopMetrics) Timing(string, time.Duration, Tags) {}
func (NoopMetrics) Increment(string, Tags)             {}
func (NoopMetrics) Gauge(string, float64, Tags)        {}

// --- Prometheus ---

var (
	pollerLabels    = []string{"namespace", "task_queue", "sticky"}
	completedLabels = []string{"namespace", "task_queue", "sticky", "received_task"}
	poolLabels      = []string{"pool_name", "namespace", "task_queue"}
)

// PrometheusMetrics — реализация Metrics поверх client_golang.
//
// Каждый ключ отображается в свою метрику с фиксированным набором меток;
// отсутствующие в Tags метки заполняются пустой строкой. Неизвестные
// ключи игнорируются.
type PrometheusMetrics struct {
	histograms map[string]*prometheus.HistogramVec
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	labels     map[string][]string
}

// NewPrometheusMetrics создаёт метрики и регистрирует их в reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		histograms: make(map[string]*prometheus.HistogramVec),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		labels:     make(map[string][]string),
	}

	m.addHistogram(MetricActivityPollerTimeSinceLastPoll, "durable_activity_poller_time_since_last_poll_ms",
		"Time between consecutive activity task polls in milliseconds.", pollerLabels)
	m.addHistogram(MetricWorkflowPollerTimeSinceLastPoll, "durable_workflow_poller_time_since_last_poll_ms",
		"Time between consecutive workflow task polls in milliseconds.", pollerLabels)
	m.addCounter(MetricActivityPollerPollCompleted, "durable_activity_poller_poll_completed_total",
		"Completed activity task polls.", completedLabels)
	m.addCounter(MetricWorkflowPollerPollCompleted, "durable_workflow_poller_poll_completed_total",
		"Completed workflow task polls.", completedLabels)
	m.addGauge(MetricActivityPollerAvailableSlots, "durable_activity_poller_available_slots",
		"Free activity processing slots.", pollerLabels)
	m.addGauge(MetricPoolAvailableWorkers, "durable_pool_available_workers",
		"Idle workers in a scheduler pool.", poolLabels)

	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *PrometheusMetrics) addHistogram(key, name, help string, labels []string) {
	m.histograms[key] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, labels)
	m.labels[key] = labels
}

func (m *PrometheusMetrics) addCounter(key, name, help string, labels []string) {
	m.counters[key] = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	m.labels[key] = labels
}

func (m *PrometheusMetrics) addGauge(key, name, help string, labels []string) {
	m.gauges[key] = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	m.labels[key] = labels
}

func (m *PrometheusMetrics) collectors() []prometheus.Collector {
	var out []prometheus.Collector
	for _, h := range m.histograms {
		out = append(out, h)
	}
	for _, c := range m.counters {
		out = append(out, c)
	}
	for _, g := range m.gauges {
		out = append(out, g)
	}
	return out
}

func (m *PrometheusMetrics) values(key string, tags Tags) []string {
	labels := m.labels[key]
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = tags[l]
	}
	return out
}

// Timing записывает длительность в миллисекундах.
func (m *PrometheusMetrics) Timing(key string, d time.Duration, tags Tags) {
	if h, ok := m.histograms[key]; ok {
		h.WithLabelValues(m.values(key, tags)...).Observe(float64(d.Milliseconds()))
	}
}

// Increment увеличивает счётчик на единицу.
func (m *PrometheusMetrics) Increment(key string, tags Tags) {
	if c, ok := m.counters[key]; ok {
		c.WithLabelValues(m.values(key, tags)...).Inc()
	}
}

// Gauge устанавливает значение gauge.
func (m *PrometheusMetrics) Gauge(key string, value float64, tags Tags) {
	if g, ok := m.gauges[key]; ok {
		g.WithLabelValues(m.values(key, tags)...).Set(value)
	}
}

// --- In-memory ---

// MetricEvent — одна записанная метрика.
type MetricEvent struct {
	Kind  string // timing, increment, gauge
	Key   string
	Value float64
	Tags  Tags
}

// RecordingMetrics запоминает все события. Используется в тестах.
type RecordingMetrics struct {
	mu     sync.Mutex
	events []MetricEvent
}

func (r *RecordingMetrics) record(e MetricEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *RecordingMetrics) Timing(key string, d time.Duration, tags Tags) {
	r.record(MetricEvent{Kind: "timing", Key: key, Value: float64(d.Milliseconds()), Tags: tags})
}

func (r *RecordingMetrics) Increment(key string, tags Tags) {
	r.record(MetricEvent{Kind: "increment", Key: key, Value: 1, Tags: tags})
}

func (r *RecordingMetrics) Gauge(key string, value float64, tags Tags) {
	r.record(MetricEvent{Kind: "gauge", Key: key, Value: value, Tags: tags})
}

// Events возвращает копию записанных событий с заданным ключом.
func (r *RecordingMetrics) Events(key string) []MetricEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []MetricEvent
	for _, e := range r.events {
		if e.Key == key {
			out = append(out, e)
		}
	}
	return out
}
