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

// Metric names follow the Prometheus text exposition conventions.
const (
	metricRequests = "agoraai_http_requests_total"
	metricErrors   = "agoraai_http_request_errors_total"
	metricLatency  = "agoraai_http_request_duration_seconds"
)

// seriesKey identifies one labeled series. code is empty for the error
// counter and the latency histogram.
type seriesKey struct {
	handler string
	method  string
	code    string
}

func (k seriesKey) less(other seriesKey) bool {
	if k.handler != other.handler {
		return k.handler < other.handler
	}
	if k.method != other.method {
		return k.method < other.method
	}
	return k.code < other.code
}

func (k seriesKey) labels() string {
	var builder strings.Builder
	builder.WriteString("{handler=\"")
	builder.WriteString(escape(k.handler))
	builder.WriteString("\",method=\"")
	builder.WriteString(escape(k.method))
	builder.WriteString("\"")
	if k.code != "" {
		builder.WriteString(",code=\"")
		builder.WriteString(escape(k.code))
		builder.WriteString("\"")
	}
	builder.WriteString("}")
	return builder.String()
}

// histogram keeps cumulative bucket counts the way the exposition format
// expects them.
type histogram struct {
	bounds     []float64
	cumulative []uint64
	sum        float64
	count      uint64
}

var latencyBounds = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

func newHistogram() *histogram {
	return &histogram{
		bounds:     latencyBounds,
		cumulative: make([]uint64, len(latencyBounds)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.bounds {
		if value <= bound {
			for i := idx; i < len(h.cumulative); i++ {
				h.cumulative[i]++
			}
			return
		}
	}
	// Values past the last bound only appear in the +Inf bucket via count.
}

type collector struct {
	mu       sync.Mutex
	requests map[seriesKey]uint64
	errors   map[seriesKey]uint64
	latency  map[seriesKey]*histogram
}

var httpCollector = &collector{
	requests: make(map[seriesKey]uint64),
	errors:   make(map[seriesKey]uint64),
	latency:  make(map[seriesKey]*histogram),
}

// ObserveHTTPRequest records one finished HTTP request.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.observe(handler, method, status, duration)
}

func (c *collector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[seriesKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	if status >= 500 {
		c.errors[seriesKey{handler: handler, method: method}]++
	}

	latKey := seriesKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

// Handler exposes all collected metrics in Prometheus text format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render())
		_, _ = fmt.Fprint(w, gauges.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	requests := sortedCounters(c.requests)
	errCounts := sortedCounters(c.errors)

	type latencySeries struct {
		key        seriesKey
		cumulative []uint64
		sum        float64
		count      uint64
	}
	latencies := make([]latencySeries, 0, len(c.latency))
	for key, hist := range c.latency {
		latencies = append(latencies, latencySeries{
			key:        key,
			cumulative: append([]uint64(nil), hist.cumulative...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}
	c.mu.Unlock()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i].key.less(latencies[j].key) })

	var builder strings.Builder
	builder.Grow(1024)

	writeHeader(&builder, metricRequests, "Total number of HTTP requests processed.", "counter")
	for _, series := range requests {
		fmt.Fprintf(&builder, "%s%s %d\n", metricRequests, series.key.labels(), series.value)
	}

	writeHeader(&builder, metricErrors, "Total number of HTTP requests that resulted in a server error.", "counter")
	for _, series := range errCounts {
		fmt.Fprintf(&builder, "%s%s %d\n", metricErrors, series.key.labels(), series.value)
	}

	writeHeader(&builder, metricLatency, "HTTP request duration in seconds.", "histogram")
	for _, series := range latencies {
		for idx, bound := range latencyBounds {
			fmt.Fprintf(&builder, "%s_bucket{handler=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				metricLatency, escape(series.key.handler), escape(series.key.method), formatFloat(bound), series.cumulative[idx])
		}
		fmt.Fprintf(&builder, "%s_bucket{handler=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			metricLatency, escape(series.key.handler), escape(series.key.method), series.count)
		fmt.Fprintf(&builder, "%s_sum{handler=\"%s\",method=\"%s\"} %s\n",
			metricLatency, escape(series.key.handler), escape(series.key.method), formatFloat(series.sum))
		fmt.Fprintf(&builder, "%s_count{handler=\"%s\",method=\"%s\"} %d\n",
			metricLatency, escape(series.key.handler), escape(series.key.method), series.count)
	}

	return builder.String()
}

type counterSeries struct {
	key   seriesKey
	value uint64
}

func sortedCounters(counters map[seriesKey]uint64) []counterSeries {
	series := make([]counterSeries, 0, len(counters))
	for key, value := range counters {
		series = append(series, counterSeries{key: key, value: value})
	}
	sort.Slice(series, func(i, j int) bool { return series[i].key.less(series[j].key) })
	return series
}

func writeHeader(builder *strings.Builder, name, help, kind string) {
	fmt.Fprintf(builder, "# HELP %s %s\n", name, help)
	fmt.Fprintf(builder, "# TYPE %s %s\n", name, kind)
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

// StartServer runs a standalone HTTP server exposing /metrics until the
// context is cancelled.
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
