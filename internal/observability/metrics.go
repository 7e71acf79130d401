package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the task runtime.
//
// Tracked dimensions:
//   - Task lifecycle transitions and run durations
//   - Step execution counts by outcome
//   - LLM request latency and status per provider/model
//   - Tool invocation counts and latency
//   - Live websocket listener count
type Metrics struct {
	// TaskTransitions counts task status transitions.
	// Labels: status (planning|executing|confirming|paused|completed|failed)
	TaskTransitions *prometheus.CounterVec

	// TaskRunDuration measures wall time from start to a terminal state.
	TaskRunDuration prometheus.Histogram

	// StepsExecuted counts executed steps by outcome.
	// Labels: outcome (done|canceled|failed)
	StepsExecuted *prometheus.CounterVec

	// LLMRequestDuration measures model API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequests counts model requests.
	// Labels: provider, model, status (success|error)
	LLMRequests *prometheus.CounterVec

	// ToolCalls counts tool invocations.
	// Labels: tool, status (success|error)
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// WSListeners gauges the number of live websocket listeners.
	WSListeners prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer falls back to the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TaskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novax_task_transitions_total",
				Help: "Total task status transitions by resulting status",
			},
			[]string{"status"},
		),

		TaskRunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "novax_task_run_duration_seconds",
				Help:    "Wall time from task start to a terminal state",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
			},
		),

		StepsExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novax_steps_executed_total",
				Help: "Total plan steps executed by outcome",
			},
			[]string{"outcome"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "novax_llm_request_duration_seconds",
				Help:    "Duration of model API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novax_llm_requests_total",
				Help: "Total model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novax_tool_calls_total",
				Help: "Total tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "novax_tool_call_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),

		WSListeners: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "novax_ws_listeners",
				Help: "Number of live websocket listeners",
			},
		),
	}
}
