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

type routeKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Collector 汇总 HTTP 与工作流指标，并以 Prometheus 文本格式输出。
type Collector struct {
	mu        sync.Mutex
	requests  map[requestKey]uint64
	errors    map[routeKey]uint64
	latency   map[routeKey]*histogram
	stages    map[stageKey]*histogram
	attempts  map[stageKey]uint64
	autofixes map[autofixKey]uint64
	workflows map[string]uint64
	runtime   map[string]*histogram
}

// New 创建独立的指标收集器。
func New() *Collector {
	return &Collector{
		requests:  make(map[requestKey]uint64),
		errors:    make(map[routeKey]uint64),
		latency:   make(map[routeKey]*histogram),
		stages:    make(map[stageKey]*histogram),
		attempts:  make(map[stageKey]uint64),
		autofixes: make(map[autofixKey]uint64),
		workflows: make(map[string]uint64),
		runtime:   make(map[string]*histogram),
	}
}

var defaultCollector = New()

// Default 返回进程级收集器。
func Default() *Collector {
	return defaultCollector
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	key := routeKey{handler: handler, method: method}
	if status >= 500 {
		c.errors[key]++
	}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram(httpBuckets)
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

var httpBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// 超过最后一个桶的值只计入 count，对应 +Inf 桶。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the default collector in Prometheus text exposition format.
func Handler() http.Handler {
	return defaultCollector.Handler()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.Render())
	})
}

// Render 输出全部指标。
func (c *Collector) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(2048)
	c.renderHTTP(&builder)
	c.renderWorkflow(&builder)
	return builder.String()
}

func (c *Collector) renderHTTP(builder *strings.Builder) {
	reqs := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqs = append(reqs, key)
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
	errs := sortedRoutes(c.errors)
	lats := make([]routeKey, 0, len(c.latency))
	for key := range c.latency {
		lats = append(lats, key)
	}
	sortRoutes(lats)

	builder.WriteString("# HELP chainforge_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE chainforge_http_requests_total counter\n")
	for _, key := range reqs {
		builder.WriteString(fmt.Sprintf("chainforge_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), c.requests[key]))
	}

	builder.WriteString("# HELP chainforge_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE chainforge_http_request_errors_total counter\n")
	for _, key := range errs {
		builder.WriteString(fmt.Sprintf("chainforge_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), c.errors[key]))
	}

	builder.WriteString("# HELP chainforge_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE chainforge_http_request_duration_seconds histogram\n")
	for _, key := range lats {
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(key.handler), escape(key.method))
		writeHistogram(builder, "chainforge_http_request_duration_seconds", labels, c.latency[key])
	}
}

func sortedRoutes(m map[routeKey]uint64) []routeKey {
	keys := make([]routeKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sortRoutes(keys)
	return keys
}

func sortRoutes(keys []routeKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler == keys[j].handler {
			return keys[i].method < keys[j].method
		}
		return keys[i].handler < keys[j].handler
	})
}

func writeHistogram(builder *strings.Builder, name, labels string, hist *histogram) {
	for idx, bound := range hist.buckets {
		builder.WriteString(fmt.Sprintf("%s_bucket{%s,le=\"%s\"} %d\n", name, labels, formatFloat(bound), hist.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, hist.count))
	builder.WriteString(fmt.Sprintf("%s_sum{%s} %s\n", name, labels, formatFloat(hist.sum)))
	builder.WriteString(fmt.Sprintf("%s_count{%s} %d\n", name, labels, hist.count))
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
