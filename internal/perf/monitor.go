// Package perf is the in-process performance monitor: a fixed ring of
// operation samples, rolling latency aggregates per operation type, and a
// threshold evaluator that raises and resolves alerts.
package perf

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/genstudio/authcore/internal/events"
)

// Severity levels for alerts.
type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

const (
	ringSize       = 10000
	window         = 5 * time.Minute
	evalInterval   = 30 * time.Second
	minSamples     = 3
	reEmitInterval = 5 * time.Minute
	webhookTimeout = 5 * time.Second
)

// Sample is one recorded operation.
type Sample struct {
	Time     time.Time
	Type     string // "auth", "authz", "general", "batch", ...
	Latency  time.Duration
	Success  bool
	CacheHit bool
	Context  string
}

// TypeStats are rolling aggregates for one operation type.
type TypeStats struct {
	Count     int           `json:"count"`
	Errors    int           `json:"errors"`
	CacheHits int           `json:"cache_hits"`
	Avg       time.Duration `json:"avg"`
	P95       time.Duration `json:"p95"`
	P99       time.Duration `json:"p99"`
}

// Alert is a raised threshold violation.
type Alert struct {
	Rule     string    `json:"rule"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Value    float64   `json:"value"`
	RaisedAt time.Time `json:"raised_at"`
}

// AlertFunc receives raised and resolved alerts. resolved=true means the
// condition cleared.
type AlertFunc func(a Alert, resolved bool)

// StatsProvider feeds the evaluator external gauges: the cache hit rate
// (0..1, ok=false when unknown) and per-pool utilization (0..1).
type StatsProvider interface {
	CacheHitRate() (float64, bool)
	PoolUtilization() map[string]float64
}

var (
	opLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authcore_operation_latency_seconds",
		Help:    "Operation latency by type.",
		Buckets: []float64{.001, .0025, .005, .01, .02, .05, .1, .25, .5, 1, 2.5},
	}, []string{"type", "success"})

	activeAlerts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "authcore_active_alerts",
		Help: "Currently active performance alerts by severity.",
	}, []string{"severity"})
)

// Monitor records samples and evaluates thresholds.
type Monitor struct {
	logger     *slog.Logger
	bus        *events.Bus
	provider   StatsProvider
	callbacks  []AlertFunc
	webhookURL string
	httpc      *http.Client

	mu      sync.Mutex
	ring    [ringSize]Sample
	head    int
	filled  bool
	active  map[string]*alertState
	stopCh  chan struct{}
	stopped bool
}

type alertState struct {
	alert    Alert
	lastSent time.Time
}

// Options configures the monitor.
type Options struct {
	Logger     *slog.Logger
	Bus        *events.Bus
	Provider   StatsProvider
	Callbacks  []AlertFunc
	WebhookURL string
}

// NewMonitor builds the monitor. Call Start to begin evaluation.
func NewMonitor(opts Options) *Monitor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		logger:     opts.Logger.With("component", "perf"),
		bus:        opts.Bus,
		provider:   opts.Provider,
		callbacks:  opts.Callbacks,
		webhookURL: opts.WebhookURL,
		httpc:      &http.Client{Timeout: webhookTimeout},
		active:     make(map[string]*alertState),
		stopCh:     make(chan struct{}),
	}
}

// Record appends a sample to the ring. Safe for concurrent use.
func (m *Monitor) Record(s Sample) {
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	success := "true"
	if !s.Success {
		success = "false"
	}
	opLatency.WithLabelValues(s.Type, success).Observe(s.Latency.Seconds())

	m.mu.Lock()
	m.ring[m.head] = s
	m.head++
	if m.head == ringSize {
		m.head = 0
		m.filled = true
	}
	m.mu.Unlock()
}

// Start launches the periodic evaluator.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(evalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Evaluate(time.Now())
			}
		}
	}()
}

// Stop halts the evaluator.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.stopCh)
	}
}

// Stats returns rolling aggregates per type over the 5-minute window.
func (m *Monitor) Stats(now time.Time) map[string]TypeStats {
	samples := m.windowSamples(now)
	byType := make(map[string][]Sample)
	for _, s := range samples {
		byType[s.Type] = append(byType[s.Type], s)
	}
	out := make(map[string]TypeStats, len(byType))
	for t, ss := range byType {
		out[t] = aggregate(ss)
	}
	return out
}

func (m *Monitor) windowSamples(now time.Time) []Sample {
	cutoff := now.Add(-window)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.head
	if m.filled {
		n = ringSize
	}
	out := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		if s := m.ring[i]; !s.Time.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func aggregate(ss []Sample) TypeStats {
	st := TypeStats{Count: len(ss)}
	if len(ss) == 0 {
		return st
	}
	lats := make([]time.Duration, 0, len(ss))
	var sum time.Duration
	for _, s := range ss {
		lats = append(lats, s.Latency)
		sum += s.Latency
		if !s.Success {
			st.Errors++
		}
		if s.CacheHit {
			st.CacheHits++
		}
	}
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
	st.Avg = sum / time.Duration(len(lats))
	st.P95 = lats[percentileIndex(len(lats), 95)]
	st.P99 = lats[percentileIndex(len(lats), 99)]
	return st
}

func percentileIndex(n, pct int) int {
	idx := n*pct/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// Evaluate runs every threshold rule against the current window. Exported
// so tests can drive it with a fixed clock.
func (m *Monitor) Evaluate(now time.Time) {
	stats := m.Stats(now)
	var violations []Alert

	if st, ok := stats["auth"]; ok && st.Count >= minSamples {
		ms := float64(st.Avg) / float64(time.Millisecond)
		switch {
		case ms > 100:
			violations = append(violations, Alert{Rule: "auth_latency", Severity: SeverityEmergency, Value: ms,
				Message: "auth average latency above 100ms"})
		case ms > 50:
			violations = append(violations, Alert{Rule: "auth_latency", Severity: SeverityCritical, Value: ms,
				Message: "auth average latency above 50ms"})
		case ms > 20:
			violations = append(violations, Alert{Rule: "auth_latency", Severity: SeverityWarning, Value: ms,
				Message: "auth average latency above 20ms"})
		}
	}

	if st, ok := stats["general"]; ok && st.Count >= minSamples {
		if ms := float64(st.Avg) / float64(time.Millisecond); ms > 50 {
			violations = append(violations, Alert{Rule: "general_latency", Severity: SeverityWarning, Value: ms,
				Message: "general average latency above 50ms"})
		}
	}

	var total, errors int
	for _, st := range stats {
		total += st.Count
		errors += st.Errors
	}
	if total >= minSamples {
		rate := float64(errors) / float64(total)
		switch {
		case rate > 0.05:
			violations = append(violations, Alert{Rule: "error_rate", Severity: SeverityCritical, Value: rate,
				Message: "error rate above 5%"})
		case rate > 0.02:
			violations = append(violations, Alert{Rule: "error_rate", Severity: SeverityWarning, Value: rate,
				Message: "error rate above 2%"})
		}
	}

	if m.provider != nil {
		if hit, ok := m.provider.CacheHitRate(); ok {
			switch {
			case hit < 0.85:
				violations = append(violations, Alert{Rule: "cache_hit_rate", Severity: SeverityCritical, Value: hit,
					Message: "cache hit rate below 85%"})
			case hit < 0.90:
				violations = append(violations, Alert{Rule: "cache_hit_rate", Severity: SeverityWarning, Value: hit,
					Message: "cache hit rate below 90%"})
			}
		}
		for name, util := range m.provider.PoolUtilization() {
			switch {
			case util > 0.90:
				violations = append(violations, Alert{Rule: "pool_utilization:" + name, Severity: SeverityCritical, Value: util,
					Message: "pool " + name + " utilization above 90%"})
			case util > 0.80:
				violations = append(violations, Alert{Rule: "pool_utilization:" + name, Severity: SeverityWarning, Value: util,
					Message: "pool " + name + " utilization above 80%"})
			}
		}
	}

	m.reconcile(now, violations)
}

// reconcile diffs current violations against active alerts: new or
// escalated rules emit, cleared rules resolve, unchanged rules re-emit only
// after the suppression interval.
func (m *Monitor) reconcile(now time.Time, violations []Alert) {
	current := make(map[string]Alert, len(violations))
	for _, v := range violations {
		v.RaisedAt = now
		current[v.Rule] = v
	}

	var emit, resolve []Alert
	m.mu.Lock()
	for rule, v := range current {
		state, ok := m.active[rule]
		switch {
		case !ok:
			m.active[rule] = &alertState{alert: v, lastSent: now}
			emit = append(emit, v)
		case state.alert.Severity != v.Severity || now.Sub(state.lastSent) >= reEmitInterval:
			state.alert = v
			state.lastSent = now
			emit = append(emit, v)
		}
	}
	for rule, state := range m.active {
		if _, still := current[rule]; !still {
			resolve = append(resolve, state.alert)
			delete(m.active, rule)
		}
	}
	counts := map[Severity]int{}
	for _, state := range m.active {
		counts[state.alert.Severity]++
	}
	m.mu.Unlock()

	for _, sev := range []Severity{SeverityWarning, SeverityCritical, SeverityEmergency} {
		activeAlerts.WithLabelValues(string(sev)).Set(float64(counts[sev]))
	}

	for _, a := range emit {
		m.logger.Warn("performance alert", "rule", a.Rule, "severity", string(a.Severity),
			"value", a.Value, "message", a.Message)
		m.dispatch(a, false)
	}
	for _, a := range resolve {
		m.logger.Info("performance alert resolved", "rule", a.Rule)
		m.dispatch(a, true)
	}
}

func (m *Monitor) dispatch(a Alert, resolved bool) {
	if m.bus != nil {
		t := events.TypeAlertRaised
		if resolved {
			t = events.TypeAlertResolved
		}
		m.bus.Emit(t, a.Rule, map[string]any{"severity": string(a.Severity), "value": a.Value})
	}
	for _, cb := range m.callbacks {
		cb(a, resolved)
	}
	if m.webhookURL != "" {
		go m.postWebhook(a, resolved)
	}
}

func (m *Monitor) postWebhook(a Alert, resolved bool) {
	payload, err := json.Marshal(map[string]any{
		"rule":     a.Rule,
		"severity": a.Severity,
		"message":  a.Message,
		"value":    a.Value,
		"resolved": resolved,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpc.Do(req)
	if err != nil {
		m.logger.Debug("alert webhook failed", "error", err)
		return
	}
	resp.Body.Close()
}

// ActiveAlerts returns a copy of the currently active alerts.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, state := range m.active {
		out = append(out, state.alert)
	}
	return out
}
