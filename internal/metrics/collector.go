// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for chatrelay. It outputs text/plain in Prometheus exposition
// format without requiring the prometheus/client_golang dependency.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // name -> *Counter
	gauges     sync.Map // name -> *Gauge
	histograms sync.Map // name -> *Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// --- Registration helpers ---

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram with the given name.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// --- Prometheus text rendering ---

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

// WriteTo renders every metric, sorted by name and labels.
func (c *MetricsCollector) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP chatrelay_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE chatrelay_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "chatrelay_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

	counters := sortedValues[*Counter](&c.counters)
	helpWritten := make(map[string]bool)
	for _, ctr := range counters {
		writeHeader(&sb, helpWritten, ctr.name, ctr.help, "counter")
		writeSample(&sb, ctr.name, ctr.labels, fmt.Sprintf("%d", ctr.Value()))
	}

	gauges := sortedValues[*Gauge](&c.gauges)
	helpWritten = make(map[string]bool)
	for _, g := range gauges {
		writeHeader(&sb, helpWritten, g.name, g.help, "gauge")
		writeSample(&sb, g.name, g.labels, fmt.Sprintf("%d", g.Value()))
	}

	histograms := sortedValues[*Histogram](&c.histograms)
	helpWritten = make(map[string]bool)
	for _, h := range histograms {
		h.mu.Lock()
		writeHeader(&sb, helpWritten, h.name, h.help, "histogram")
		prefix := h.name + "_bucket{"
		if h.labels != "" {
			prefix += h.labels + ","
		}
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(&sb, "%sle=\"%s\"} %d\n", prefix, le, b.count)
		}
		fmt.Fprintf(&sb, "%s_bucket{%sle=\"+Inf\"} %d\n", h.name, labelPrefix(h.labels), h.count)
		writeSample(&sb, h.name+"_count", h.labels, fmt.Sprintf("%d", h.count))
		writeSample(&sb, h.name+"_sum", h.labels, fmt.Sprintf("%f", h.sum))
		h.mu.Unlock()
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

type named interface{ key() string }

func (c *Counter) key() string   { return c.name + "{" + c.labels + "}" }
func (g *Gauge) key() string     { return g.name + "{" + g.labels + "}" }
func (h *Histogram) key() string { return h.name + "{" + h.labels + "}" }

func sortedValues[T named](m *sync.Map) []T {
	var out []T
	m.Range(func(_, value any) bool {
		out = append(out, value.(T))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

func writeHeader(sb *strings.Builder, written map[string]bool, name, help, typ string) {
	if written[name] {
		return
	}
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, typ)
	written[name] = true
}

func writeSample(sb *strings.Builder, name, labels, value string) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %s\n", name, labels, value)
		return
	}
	fmt.Fprintf(sb, "%s %s\n", name, value)
}

func labelPrefix(labels string) string {
	if labels == "" {
		return ""
	}
	return labels + ","
}

// Serve exposes the collector on addr at /metrics until ctx is done.
func (c *MetricsCollector) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// --- Pre-defined metrics used across the application ---

var (
	SubmissionsTotal = Collector.Counter("chatrelay_submissions_total", "Messages accepted for delivery", "")
	RejectedTotal    = Collector.Counter("chatrelay_submissions_rejected_total", "Submissions rejected as busy or empty", "")
	RepliesTotal     = Collector.Counter("chatrelay_replies_total", "Replies detected as complete", "")
	AbortsTotal      = Collector.Counter("chatrelay_invocations_aborted_total", "Invocations aborted before a reply", "")
	EchoRetries      = Collector.Counter("chatrelay_echo_retries_total", "Echo checks that did not find the message", "")
	EchoAssumed      = Collector.Counter("chatrelay_echo_assumed_total", "Echo checks exhausted and assumed sent", "")
	InFlight         = Collector.Gauge("chatrelay_in_flight", "1 while an invocation is running", "")

	ReplyLatency = Collector.Histogram("chatrelay_reply_latency_seconds", "Time from submit to completed reply", "",
		[]float64{1, 2, 5, 10, 20, 30, 60, 120, 300})
)

// ProbeCompleted records one probe outcome by script kind.
func ProbeCompleted(kind string, failed bool, took time.Duration) {
	labels := fmt.Sprintf("kind=%q", kind)
	Collector.Counter("chatrelay_probes_total", "Probes evaluated against the page", labels).Inc()
	if failed {
		Collector.Counter("chatrelay_probe_failures_total", "Probes that produced no signal", labels).Inc()
	}
	Collector.Histogram("chatrelay_probe_latency_seconds", "Probe round-trip latency in seconds", labels,
		[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}).Observe(took.Seconds())
}

// LocatorMiss records a locator list that matched nothing.
func LocatorMiss(list string) {
	Collector.Counter("chatrelay_locator_misses_total", "Locator lists that matched nothing", fmt.Sprintf("list=%q", list)).Inc()
}
