package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

var registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by handler, method and status code.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Governed tool calls by tool, level and outcome.",
	}, []string{"tool", "level", "outcome"})

	rounds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conversation_rounds_total",
		Help:      "Conversation rounds by trigger and how they ended.",
	}, []string{"trigger", "result"})

	oracleTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oracle_tokens_total",
		Help:      "Tokens reported by the reasoning oracle.",
	}, []string{"direction"})

	budgetDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "budget_decisions_total",
		Help:      "Budget admissions by result and the window that denied them.",
	}, []string{"result", "window"})

	budgetUsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "budget_used",
		Help:      "Calls counted in the current budget window.",
	}, []string{"window"})

	retryTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retry_transitions_total",
		Help:      "Retry queue state transitions by action type and target status.",
	}, []string{"type", "status"})

	retryQueue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "retry_queue_actions",
		Help:      "Actions in the retry queue by status.",
	}, []string{"status"})

	heartbeatTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeat_ticks_total",
		Help:      "Heartbeat ticks by the action they took.",
	}, []string{"action"})

	memoryRecoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "memory_recoveries_total",
		Help:      "Memory loads by recovery source.",
	}, []string{"source"})

	memoryDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_degraded",
		Help:      "1 when the process started from the knowledge layer only.",
	})

	approvalsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "approvals_pending",
		Help:      "Approval requests waiting for an operator decision.",
	})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpLatency,
		toolCalls, rounds, oracleTokens,
		budgetDecisions, budgetUsed,
		retryTransitions, retryQueue,
		heartbeatTicks,
		memoryRecoveries, memoryDegraded,
		approvalsPending,
	)
}

// Registry returns the private registry backing the /metrics endpoint.
func Registry() *prometheus.Registry { return registry }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveToolCall counts one governed dispatch.
func ObserveToolCall(tool, level, outcome string) {
	if level == "" {
		level = "none"
	}
	toolCalls.WithLabelValues(tool, level, outcome).Inc()
}

// ObserveRound counts one conversation round and the tokens it consumed.
func ObserveRound(trigger, result string, promptTokens, completionTokens int) {
	if trigger == "" {
		trigger = "unknown"
	}
	rounds.WithLabelValues(trigger, result).Inc()
	if promptTokens > 0 {
		oracleTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		oracleTokens.WithLabelValues("completion").Add(float64(completionTokens))
	}
}

// ObserveBudget records an admission. window is empty for allowed calls.
func ObserveBudget(allowed bool, window string, hourlyUsed, dailyUsed int) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	if window == "" {
		window = "none"
	}
	budgetDecisions.WithLabelValues(result, window).Inc()
	budgetUsed.WithLabelValues("hourly").Set(float64(hourlyUsed))
	budgetUsed.WithLabelValues("daily").Set(float64(dailyUsed))
}

// ObserveRetryTransition counts a retry state change.
func ObserveRetryTransition(actionType, status string) {
	retryTransitions.WithLabelValues(actionType, status).Inc()
}

// SetRetryQueue publishes queue sizes by status.
func SetRetryQueue(counts map[string]int) {
	for status, n := range counts {
		retryQueue.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveHeartbeat counts a heartbeat tick by the action it took.
func ObserveHeartbeat(action string) {
	heartbeatTicks.WithLabelValues(action).Inc()
}

// ObserveRecovery records a memory load.
func ObserveRecovery(source string, degraded bool) {
	memoryRecoveries.WithLabelValues(source).Inc()
	if degraded {
		memoryDegraded.Set(1)
	}
}

// SetPendingApprovals publishes the number of pending approvals.
func SetPendingApprovals(n int) {
	approvalsPending.Set(float64(n))
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
