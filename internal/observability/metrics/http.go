package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type errorKey struct {
	handler string
	method  string
}

type latencyKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu         sync.Mutex
	requests   map[requestKey]uint64
	errors     map[errorKey]uint64
	latency    map[latencyKey]*histogram
	plans      map[string]uint64
	violations map[string]uint64
	rejections map[string]uint64
	evalRuns   map[string]uint64
}

var httpCollector = &collector{
	requests:   make(map[requestKey]uint64),
	errors:     make(map[errorKey]uint64),
	latency:    make(map[latencyKey]*histogram),
	plans:      make(map[string]uint64),
	violations: make(map[string]uint64),
	rejections: make(map[string]uint64),
	evalRuns:   make(map[string]uint64),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.observe(handler, method, status, duration)
}

// ObservePlanOutcome counts a finished planning request by terminal status.
func ObservePlanOutcome(status string) {
	httpCollector.mu.Lock()
	defer httpCollector.mu.Unlock()
	httpCollector.plans[status]++
}

// ObservePolicyViolation counts a policy rule firing during evaluation.
func ObservePolicyViolation(ruleID string) {
	httpCollector.mu.Lock()
	defer httpCollector.mu.Unlock()
	httpCollector.violations[ruleID]++
}

// ObserveGuardrailRejection counts an input rejected before reasoning, keyed by
// the first risk flag raised.
func ObserveGuardrailRejection(flag string) {
	httpCollector.mu.Lock()
	defer httpCollector.mu.Unlock()
	httpCollector.rejections[flag]++
}

// ObserveEvaluationRun counts a finished evaluation run by terminal status.
func ObserveEvaluationRun(status string) {
	httpCollector.mu.Lock()
	defer httpCollector.mu.Unlock()
	httpCollector.evalRuns[status]++
}

func (c *collector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++
	if status >= 500 {
		errKey := errorKey{handler: handler, method: method}
		c.errors[errKey]++
	}

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	placed := false
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			placed = true
			break
		}
	}
	if !placed {
		// Values greater than the last bucket are accounted for in the +Inf bucket via h.count.
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type requestMetric struct {
		requestKey
		value uint64
	}
	type errorMetric struct {
		errorKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	errs := make([]errorMetric, 0, len(c.errors))
	for key, value := range c.errors {
		errs = append(errs, errorMetric{errorKey: key, value: value})
	}
	plans := sortedCounter(c.plans)
	violations := sortedCounter(c.violations)
	rejections := sortedCounter(c.rejections)
	evalRuns := sortedCounter(c.evalRuns)
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].handler == errs[j].handler {
			return errs[i].method < errs[j].method
		}
		return errs[i].handler < errs[j].handler
	})
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].handler == lats[j].handler {
			return lats[i].method < lats[j].method
		}
		return lats[i].handler < lats[j].handler
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP sentinel_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE sentinel_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("sentinel_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP sentinel_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE sentinel_http_request_errors_total counter\n")
	for _, metric := range errs {
		builder.WriteString(fmt.Sprintf("sentinel_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.value))
	}

	builder.WriteString("# HELP sentinel_plans_total Total number of planning requests by terminal status.\n")
	builder.WriteString("# TYPE sentinel_plans_total counter\n")
	for _, metric := range plans {
		builder.WriteString(fmt.Sprintf("sentinel_plans_total{status=\"%s\"} %d\n", escape(metric.label), metric.value))
	}

	builder.WriteString("# HELP sentinel_policy_violations_total Total number of policy rule violations observed.\n")
	builder.WriteString("# TYPE sentinel_policy_violations_total counter\n")
	for _, metric := range violations {
		builder.WriteString(fmt.Sprintf("sentinel_policy_violations_total{rule=\"%s\"} %d\n", escape(metric.label), metric.value))
	}

	builder.WriteString("# HELP sentinel_guardrail_rejections_total Total number of inputs rejected by the input guardrail.\n")
	builder.WriteString("# TYPE sentinel_guardrail_rejections_total counter\n")
	for _, metric := range rejections {
		builder.WriteString(fmt.Sprintf("sentinel_guardrail_rejections_total{flag=\"%s\"} %d\n", escape(metric.label), metric.value))
	}

	builder.WriteString("# HELP sentinel_evaluation_runs_total Total number of evaluation runs by terminal status.\n")
	builder.WriteString("# TYPE sentinel_evaluation_runs_total counter\n")
	for _, metric := range evalRuns {
		builder.WriteString(fmt.Sprintf("sentinel_evaluation_runs_total{status=\"%s\"} %d\n", escape(metric.label), metric.value))
	}

	builder.WriteString("# HELP sentinel_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE sentinel_http_request_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("sentinel_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				escape(metric.handler), escape(metric.method), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("sentinel_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
		builder.WriteString(fmt.Sprintf("sentinel_http_request_duration_seconds_sum{handler=\"%s\",method=\"%s\"} %s\n",
			escape(metric.handler), escape(metric.method), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("sentinel_http_request_duration_seconds_count{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
	}

	return builder.String()
}

type labelledCounter struct {
	label string
	value uint64
}

func sortedCounter(values map[string]uint64) []labelledCounter {
	out := make([]labelledCounter, 0, len(values))
	for label, value := range values {
		out = append(out, labelledCounter{label: label, value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].label < out[j].label })
	return out
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
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
