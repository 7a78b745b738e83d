// Package metrics is the in-process metrics sink: counters, gauges and
// bounded-window series with percentile aggregation. The Prometheus bridge
// in prometheus.go mirrors the hot paths onto the default registry.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultWindowPoints bounds each time series.
	DefaultWindowPoints = 10000
	// DefaultHistogramCapacity bounds each histogram's sample ring.
	DefaultHistogramCapacity = 1000
)

// Point is one timestamped observation in a series.
type Point struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// HistogramStats is the percentile view of one histogram.
type HistogramStats struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
}

// Summary aggregates the sink over a trailing window.
type Summary struct {
	Window     time.Duration             `json:"window"`
	Counters   map[string]int64          `json:"counters"`
	Rates      map[string]float64        `json:"rates"` // per second over the window
	Gauges     map[string]float64        `json:"gauges"`
	Histograms map[string]HistogramStats `json:"histograms"`
	Generated  time.Time                 `json:"generated_at"`
}

// histogram is a fixed-capacity sample ring; writers append, readers snapshot.
type histogram struct {
	samples []float64
	next    int
	count   int64
	sum     float64
	min     float64
	max     float64
}

type counter struct {
	total  int64
	points []Point
}

// Sink is the metrics store. One RWMutex guards everything; all reads
// return copies.
type Sink struct {
	mu sync.RWMutex

	counters   map[string]*counter
	gauges     map[string]float64
	histograms map[string]*histogram

	windowPoints int
	histCapacity int
	now          func() time.Time
}

// NewSink creates a sink with the given bounds; zero values take defaults.
func NewSink(windowPoints, histCapacity int) *Sink {
	if windowPoints <= 0 {
		windowPoints = DefaultWindowPoints
	}
	if histCapacity <= 0 {
		histCapacity = DefaultHistogramCapacity
	}
	return &Sink{
		counters:     make(map[string]*counter),
		gauges:       make(map[string]float64),
		histograms:   make(map[string]*histogram),
		windowPoints: windowPoints,
		histCapacity: histCapacity,
		now:          time.Now,
	}
}

// NewSinkAt pins the sink's clock, for tests.
func NewSinkAt(windowPoints, histCapacity int, now func() time.Time) *Sink {
	s := NewSink(windowPoints, histCapacity)
	s.now = now
	return s
}

// Inc increments a monotonic counter by one.
func (s *Sink) Inc(name string) {
	s.Add(name, 1)
}

// Add increments a monotonic counter by delta.
func (s *Sink) Add(name string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[name]
	if !ok {
		c = &counter{}
		s.counters[name] = c
	}
	c.total += delta
	c.points = append(c.points, Point{Value: float64(delta), Timestamp: s.now()})
	if len(c.points) > s.windowPoints {
		c.points = c.points[len(c.points)-s.windowPoints:]
	}
}

// SetGauge records a last-value gauge.
func (s *Sink) SetGauge(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges[name] = value
}

// Observe appends a sample to a histogram ring.
func (s *Sink) Observe(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histograms[name]
	if !ok {
		h = &histogram{
			samples: make([]float64, 0, s.histCapacity),
			min:     value,
			max:     value,
		}
		s.histograms[name] = h
	}
	if len(h.samples) < s.histCapacity {
		h.samples = append(h.samples, value)
	} else {
		h.samples[h.next] = value
		h.next = (h.next + 1) % s.histCapacity
	}
	h.count++
	h.sum += value
	if value < h.min {
		h.min = value
	}
	if value > h.max {
		h.max = value
	}
}

// ObserveDuration appends a duration sample in milliseconds.
func (s *Sink) ObserveDuration(name string, d time.Duration) {
	s.Observe(name, float64(d.Nanoseconds())/1e6)
}

// Counter returns a counter's total.
func (s *Sink) Counter(name string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.counters[name]; ok {
		return c.total
	}
	return 0
}

// Gauge returns a gauge's last value.
func (s *Sink) Gauge(name string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.gauges[name]
	return v, ok
}

// Histogram returns the percentile view of one histogram.
func (s *Sink) Histogram(name string) (HistogramStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histograms[name]
	if !ok {
		return HistogramStats{}, false
	}
	return h.stats(), true
}

// Summarize aggregates counters, gauges and histograms over a trailing
// window. Counter rates are computed from the per-window points only.
func (s *Sink) Summarize(window time.Duration) *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	cutoff := now.Add(-window)
	out := &Summary{
		Window:     window,
		Counters:   make(map[string]int64, len(s.counters)),
		Rates:      make(map[string]float64, len(s.counters)),
		Gauges:     make(map[string]float64, len(s.gauges)),
		Histograms: make(map[string]HistogramStats, len(s.histograms)),
		Generated:  now,
	}
	for name, c := range s.counters {
		out.Counters[name] = c.total
		var inWindow float64
		for _, p := range c.points {
			if !p.Timestamp.Before(cutoff) {
				inWindow += p.Value
			}
		}
		if window > 0 {
			out.Rates[name] = inWindow / window.Seconds()
		}
	}
	for name, v := range s.gauges {
		out.Gauges[name] = v
	}
	for name, h := range s.histograms {
		out.Histograms[name] = h.stats()
	}
	return out
}

// Dashboard is the operator view: the five-minute summary.
func (s *Sink) Dashboard() *Summary {
	return s.Summarize(5 * time.Minute)
}

// Sweep drops counter points older than the retention bound and returns how
// many were dropped. Totals are unaffected.
func (s *Sink) Sweep(retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-retention)
	dropped := 0
	for _, c := range s.counters {
		kept := c.points[:0]
		for _, p := range c.points {
			if p.Timestamp.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, p)
		}
		c.points = kept
	}
	return dropped
}

// Exposition renders the sink in Prometheus text format. Metric names are
// sanitized to the Prometheus charset; histograms emit quantile rows.
func (s *Sink) Exposition() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder

	names := make([]string, 0, len(s.counters))
	for name := range s.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pname := sanitize(name)
		fmt.Fprintf(&b, "# TYPE %s counter\n", pname)
		fmt.Fprintf(&b, "%s %d\n", pname, s.counters[name].total)
	}

	names = names[:0]
	for name := range s.gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pname := sanitize(name)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", pname)
		fmt.Fprintf(&b, "%s %g\n", pname, s.gauges[name])
	}

	names = names[:0]
	for name := range s.histograms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := s.histograms[name].stats()
		pname := sanitize(name)
		fmt.Fprintf(&b, "# TYPE %s summary\n", pname)
		fmt.Fprintf(&b, "%s{quantile=\"0.5\"} %g\n", pname, st.P50)
		fmt.Fprintf(&b, "%s{quantile=\"0.9\"} %g\n", pname, st.P90)
		fmt.Fprintf(&b, "%s{quantile=\"0.99\"} %g\n", pname, st.P99)
		fmt.Fprintf(&b, "%s_sum %g\n", pname, st.Mean*float64(st.Count))
		fmt.Fprintf(&b, "%s_count %d\n", pname, st.Count)
	}

	return b.String()
}

// StartSweepLoop periodically drops expired counter points until ctx done.
func (s *Sink) StartSweepLoop(done <-chan struct{}, interval, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.Sweep(retention)
			}
		}
	}()
}

func (h *histogram) stats() HistogramStats {
	st := HistogramStats{Count: h.count, Min: h.min, Max: h.max}
	if h.count == 0 || len(h.samples) == 0 {
		return st
	}
	st.Mean = h.sum / float64(h.count)

	sorted := make([]float64, len(h.samples))
	copy(sorted, h.samples)
	sort.Float64s(sorted)
	st.P50 = percentile(sorted, 0.50)
	st.P90 = percentile(sorted, 0.90)
	st.P99 = percentile(sorted, 0.99)
	return st
}

// percentile uses the nearest-rank method over a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func sanitize(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
			out = append(out, c)
		case c >= '0' && c <= '9':
			if i == 0 {
				out = append(out, '_')
			}
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
