// Package observability exposes Prometheus metrics for task, model, and
// tool activity behind a nil-safe Recorder facade.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zypherlabs/zypher/pkg/protocol"
)

// Recorder records runtime metrics. A nil *Recorder is a valid no-op, so
// callers never guard their instrumentation sites.
type Recorder struct {
	taskDuration  *prometheus.HistogramVec
	tasksTotal    *prometheus.CounterVec
	modelDuration prometheus.Histogram
	modelCalls    prometheus.Counter
	modelErrors   prometheus.Counter
	inputTokens   prometheus.Counter
	outputTokens  prometheus.Counter
	toolDuration  *prometheus.HistogramVec
	toolCalls     *prometheus.CounterVec
	mcpServers    *prometheus.GaugeVec
}

// NewRecorder builds the collectors and registers them on reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zypher_task_duration_seconds",
			Help:    "Task duration from start to terminal event.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"outcome"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zypher_tasks_total",
			Help: "Tasks by terminal outcome.",
		}, []string{"outcome"}),
		modelDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zypher_model_call_duration_seconds",
			Help:    "Streaming model call duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		modelCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zypher_model_calls_total",
			Help: "Streaming model calls issued.",
		}),
		modelErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zypher_model_errors_total",
			Help: "Streaming model calls that failed.",
		}),
		inputTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zypher_model_input_tokens_total",
			Help: "Prompt tokens consumed.",
		}),
		outputTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zypher_model_output_tokens_total",
			Help: "Completion tokens produced.",
		}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zypher_tool_dispatch_duration_seconds",
			Help:    "Tool dispatch duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zypher_tool_dispatches_total",
			Help: "Tool dispatches by outcome.",
		}, []string{"outcome"}),
		mcpServers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zypher_mcp_servers",
			Help: "Registered MCP servers by connection state.",
		}, []string{"state"}),
	}

	for _, c := range []prometheus.Collector{
		r.taskDuration, r.tasksTotal,
		r.modelDuration, r.modelCalls, r.modelErrors,
		r.inputTokens, r.outputTokens,
		r.toolDuration, r.toolCalls,
		r.mcpServers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// TaskFinished records a task's terminal outcome and duration.
func (r *Recorder) TaskFinished(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.taskDuration.WithLabelValues(outcome).Observe(d.Seconds())
	r.tasksTotal.WithLabelValues(outcome).Inc()
}

// ModelCall records a streaming call and its token usage.
func (r *Recorder) ModelCall(d time.Duration, usage *protocol.TokenUsage, err error) {
	if r == nil {
		return
	}
	r.modelCalls.Inc()
	r.modelDuration.Observe(d.Seconds())
	if err != nil {
		r.modelErrors.Inc()
	}
	if usage != nil {
		r.inputTokens.Add(float64(usage.Input.Total))
		r.outputTokens.Add(float64(usage.Output.Total))
	}
}

// ToolDispatch records one tool invocation.
func (r *Recorder) ToolDispatch(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.toolDuration.WithLabelValues(outcome).Observe(d.Seconds())
	r.toolCalls.WithLabelValues(outcome).Inc()
}

// MCPServerState moves a server between connection-state gauges.
func (r *Recorder) MCPServerState(prev, next string) {
	if r == nil {
		return
	}
	if prev != "" {
		r.mcpServers.WithLabelValues(prev).Dec()
	}
	if next != "" {
		r.mcpServers.WithLabelValues(next).Inc()
	}
}
