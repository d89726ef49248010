// Package metrics 记录流解析、模型调用和函数调用的 Prometheus 指标
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/smallnest/alertsmith/tagstream"
)

// Collector 指标收集器
type Collector struct {
	registry *prometheus.Registry

	// 流指标
	streamsOpened *prometheus.CounterVec
	streamsClosed *prometheus.CounterVec
	streamsActive *prometheus.GaugeVec
	tagsDropped   *prometheus.CounterVec

	// LLM 指标
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec
	llmFragments       *prometheus.HistogramVec

	// 函数调用指标
	functionCalls        *prometheus.CounterVec
	functionCallDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
// 指标注册在独立的 registry 上，并附带 Go 和进程指标
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.streamsOpened = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of output streams opened",
		},
		[]string{"kind", "tag"},
	)
	c.streamsClosed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of output streams closed",
		},
		[]string{"kind", "tag"},
	)
	c.streamsActive = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Output streams currently open",
		},
		[]string{"kind"},
	)
	c.tagsDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tags_dropped_total",
			Help:      "Tags still open when their input ended",
		},
		[]string{"tag"},
	)

	c.llmRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"model", "status"},
	)
	c.llmRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)
	c.llmTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"model", "type"},
	)
	c.llmFragments = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_response_fragments",
			Help:      "Streamed fragments per LLM response",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 7),
		},
		[]string{"model"},
	)

	c.functionCalls = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Total number of Prometheus function calls made for the model",
		},
		[]string{"function", "status"},
	)
	c.functionCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "function_call_duration_seconds",
			Help:      "Prometheus function call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"function"},
	)

	return c
}

// Registry 返回指标注册表
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// StreamOpened 实现 tagstream.Observer
func (c *Collector) StreamOpened(kind tagstream.Kind, name string) {
	c.streamsOpened.WithLabelValues(kind.String(), name).Inc()
	c.streamsActive.WithLabelValues(kind.String()).Inc()
}

// StreamClosed 实现 tagstream.Observer
func (c *Collector) StreamClosed(kind tagstream.Kind, name string) {
	c.streamsClosed.WithLabelValues(kind.String(), name).Inc()
	c.streamsActive.WithLabelValues(kind.String()).Dec()
}

// TagDropped 实现 tagstream.Observer
func (c *Collector) TagDropped(name string) {
	c.tagsDropped.WithLabelValues(name).Inc()
	c.logger.Debug("Unterminated tag dropped", zap.String("tag", name))
}

// RecordLLMRequest 记录 LLM 请求
func (c *Collector) RecordLLMRequest(model string, err error, duration time.Duration, promptTokens, completionTokens, fragments int) {
	c.llmRequestsTotal.WithLabelValues(model, status(err)).Inc()
	c.llmRequestDuration.WithLabelValues(model).Observe(duration.Seconds())
	if err != nil {
		return
	}
	c.llmTokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
	c.llmFragments.WithLabelValues(model).Observe(float64(fragments))
}

// FunctionCalled 实现 promapi.CallObserver
func (c *Collector) FunctionCalled(name string, elapsed time.Duration, err error) {
	c.functionCalls.WithLabelValues(name, status(err)).Inc()
	c.functionCallDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
