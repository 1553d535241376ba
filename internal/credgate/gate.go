// Package credgate caches whether the privileged service credential is
// currently accepted by the datastore. A single probe is in flight at
// a time; concurrent callers coalesce on its result.
package credgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/genstudio/authcore/internal/apperr"
	"github.com/genstudio/authcore/internal/events"
)

// Mode is the query mode the gate currently permits.
type Mode int

const (
	Privileged Mode = iota
	DelegatedOnly
)

func (m Mode) String() string {
	if m == Privileged {
		return "privileged"
	}
	return "delegated_only"
}

// ProbeFunc performs a bounded privileged read that succeeds only when the
// service credential is accepted.
type ProbeFunc func(ctx context.Context) error

// Stats reports gate observability counters.
type Stats struct {
	Mode                string        `json:"mode"`
	HitRate             float64       `json:"hit_rate"`
	LastProbeLatency    time.Duration `json:"last_probe_ms"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastProbeAt         time.Time     `json:"last_probe_at"`
}

// Gate owns the "privileged mode currently valid" boolean.
type Gate struct {
	probe        ProbeFunc
	credHash     string
	ttl          time.Duration
	probeTimeout time.Duration
	reprobeAfter time.Duration
	logger       *slog.Logger
	bus          *events.Bus
	now          func() time.Time

	mu               sync.Mutex
	valid            bool
	validUntil       time.Time
	demotedAt        time.Time
	lastProbeAt      time.Time
	lastProbeLatency time.Duration
	consecutiveFails int
	hits             int64
	misses           int64
	probing          bool
	probeDone        chan struct{}
}

// Options configures the gate.
type Options struct {
	Credential   string
	TTL          time.Duration // default 24 h
	ProbeTimeout time.Duration // default 3 s
	ReprobeAfter time.Duration // default 60 s
	Logger       *slog.Logger
	Bus          *events.Bus
}

// New creates a credential gate. The first Mode call triggers a probe.
func New(probe ProbeFunc, opts Options) *Gate {
	if opts.TTL == 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.ReprobeAfter == 0 {
		opts.ReprobeAfter = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	sum := sha256.Sum256([]byte(opts.Credential))
	return &Gate{
		probe:        probe,
		credHash:     hex.EncodeToString(sum[:8]),
		ttl:          opts.TTL,
		probeTimeout: opts.ProbeTimeout,
		reprobeAfter: opts.ReprobeAfter,
		logger:       opts.Logger.With("component", "credgate"),
		bus:          opts.Bus,
		now:          time.Now,
	}
}

// Mode returns the current query mode, probing on cache miss.
func (g *Gate) Mode(ctx context.Context) Mode {
	g.mu.Lock()
	now := g.now()

	if g.valid && now.Before(g.validUntil) {
		g.hits++
		g.mu.Unlock()
		return Privileged
	}
	// Demoted recently: stay delegated until the re-probe window elapses.
	if !g.demotedAt.IsZero() && now.Sub(g.demotedAt) < g.reprobeAfter {
		g.hits++
		g.mu.Unlock()
		return DelegatedOnly
	}

	g.misses++
	// Coalesce on an in-flight probe.
	if g.probing {
		done := g.probeDone
		g.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return DelegatedOnly
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.valid && g.now().Before(g.validUntil) {
			return Privileged
		}
		return DelegatedOnly
	}

	g.probing = true
	g.probeDone = make(chan struct{})
	done := g.probeDone
	g.mu.Unlock()

	ok, latency, err := g.runProbe(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.probing = false
	close(done)
	g.lastProbeAt = g.now()
	g.lastProbeLatency = latency

	if ok {
		wasDemoted := !g.demotedAt.IsZero()
		g.valid = true
		g.validUntil = g.lastProbeAt.Add(g.ttl)
		g.demotedAt = time.Time{}
		g.consecutiveFails = 0
		if wasDemoted {
			g.logger.Info("service credential restored", "cred", g.credHash, "probe_ms", latency.Milliseconds())
			if g.bus != nil {
				g.bus.Emit(events.TypeCredentialRestored, g.credHash, nil)
			}
		}
		return Privileged
	}

	g.consecutiveFails++
	g.demoteLocked("probe_failed", err)
	return DelegatedOnly
}

func (g *Gate) runProbe(ctx context.Context) (bool, time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, g.probeTimeout)
	defer cancel()
	start := g.now()
	err := g.probe(probeCtx)
	latency := g.now().Sub(start)
	if err != nil {
		if probeCtx.Err() != nil {
			return false, latency, apperr.Wrap(apperr.KindUnavailable, "credential_probe_timeout", err, "probe timed out")
		}
		return false, latency, apperr.Wrap(apperr.KindUnauthenticated, "credential_rejected", err, "credential rejected")
	}
	return true, latency, nil
}

// ReportPrivilegedFailure must be called whenever a privileged query fails
// with a credential-class error. The gate demotes immediately and schedules
// a re-probe no sooner than the reprobe window.
func (g *Gate) ReportPrivilegedFailure(err error) {
	if !IsCredentialRejection(err) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveFails++
	g.demoteLocked("privileged_query_rejected", err)
}

func (g *Gate) demoteLocked(cause string, err error) {
	wasValid := g.valid
	g.valid = false
	g.validUntil = time.Time{}
	g.demotedAt = g.now()
	if wasValid || cause == "probe_failed" {
		// The transition is logged every flip, never silently.
		g.logger.Warn("privileged mode demoted to delegated_only",
			"cred", g.credHash, "cause", cause, "error", err)
		if g.bus != nil {
			g.bus.Emit(events.TypeCredentialDemoted, g.credHash, map[string]any{"cause": cause})
		}
	}
}

// Invalidate drops the cached state; the next Mode call re-probes.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.valid = false
	g.validUntil = time.Time{}
	g.demotedAt = time.Time{}
}

// Stats returns gate counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := g.hits + g.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(g.hits) / float64(total)
	}
	mode := DelegatedOnly
	if g.valid && g.now().Before(g.validUntil) {
		mode = Privileged
	}
	return Stats{
		Mode:                mode.String(),
		HitRate:             hitRate,
		LastProbeLatency:    g.lastProbeLatency,
		ConsecutiveFailures: g.consecutiveFails,
		LastProbeAt:         g.lastProbeAt,
	}
}

// IsCredentialRejection matches the error classes that demote the gate.
func IsCredentialRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "database error granting user"),
		strings.Contains(msg, "jwt"),
		strings.Contains(msg, "token"):
		return true
	}
	return false
}
