// Package cache implements the three-tier cache: an in-process TTL map
// (L1), Redis (L2) and an authoritative fallback (L3, the database). Keys
// are namespaced "repo:<table>:<op>:<args>" for entities and
// "perm:<user>:<rtype>:<rid>:<op>" for authorization decisions.
package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// HitLevel reports which tier served a Get.
type HitLevel int

const (
	HitL1 HitLevel = iota + 1
	HitL2
	HitL3 // fallback invoked (or failed)
)

func (h HitLevel) String() string {
	switch h {
	case HitL1:
		return "cache_l1"
	case HitL2:
		return "cache_l2"
	default:
		return "l3"
	}
}

// FallbackFunc produces the authoritative value on a full miss.
type FallbackFunc func(ctx context.Context) (any, error)

// Stats holds cumulative hit counters.
type Stats struct {
	L1Hits    int64   `json:"l1_hits"`
	L2Hits    int64   `json:"l2_hits"`
	Fallbacks int64   `json:"fallbacks"`
	HitRate   float64 `json:"hit_rate"`
	L1Entries int     `json:"l1_entries"`
	L2Breaker string  `json:"l2_breaker"`
}

// MultiTier coordinates L1 and L2 with get-with-fallback semantics.
// L2 is optional; a nil L2 degrades to L1-plus-fallback.
type MultiTier struct {
	l1     *L1
	l2     *L2
	l1TTL  time.Duration
	l2TTL  time.Duration
	logger *slog.Logger

	l1Hits    atomic.Int64
	l2Hits    atomic.Int64
	fallbacks atomic.Int64
}

// NewMultiTier wires the tiers together.
func NewMultiTier(l1 *L1, l2 *L2, l1TTL, l2TTL time.Duration, logger *slog.Logger) *MultiTier {
	if logger == nil {
		logger = slog.Default()
	}
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}
	if l2TTL == 0 {
		l2TTL = 15 * time.Minute
	}
	return &MultiTier{l1: l1, l2: l2, l1TTL: l1TTL, l2TTL: l2TTL, logger: logger.With("component", "cache")}
}

// Get is the get-with-fallback contract: L1, then L2 (promoting hits to L1
// with the L1 TTL), then the fallback, whose result is written to both
// tiers. l2Dest is the typed destination L2 decodes into; pass nil to skip
// the remote tier for this key.
func (m *MultiTier) Get(ctx context.Context, key string, l2Dest any, fallback FallbackFunc) (any, HitLevel, error) {
	if v, ok := m.l1.Get(key); ok {
		m.l1Hits.Add(1)
		return v, HitL1, nil
	}

	if m.l2 != nil && l2Dest != nil {
		if m.l2.Get(ctx, key, l2Dest) {
			m.l2Hits.Add(1)
			m.l1.Set(key, l2Dest, m.l1TTL, PriorityMedium) // promote
			return l2Dest, HitL2, nil
		}
	}

	m.fallbacks.Add(1)
	if fallback == nil {
		return nil, HitL3, nil
	}
	v, err := fallback(ctx)
	if err != nil {
		return nil, HitL3, err
	}
	if v != nil {
		m.l1.Set(key, v, m.l1TTL, PriorityMedium)
		if m.l2 != nil {
			m.l2.Set(ctx, key, v, m.l2TTL)
		}
	}
	return v, HitL3, nil
}

// Set writes through L1 and L2 (never L3, which is upstream).
func (m *MultiTier) Set(ctx context.Context, key string, value any, ttl time.Duration, priority Priority) {
	l1TTL := ttl
	if l1TTL == 0 {
		l1TTL = m.l1TTL
	}
	m.l1.Set(key, value, l1TTL, priority)
	if m.l2 != nil {
		l2TTL := ttl
		if l2TTL == 0 {
			l2TTL = m.l2TTL
		}
		m.l2.Set(ctx, key, value, l2TTL)
	}
}

// Delete removes one key from both tiers.
func (m *MultiTier) Delete(ctx context.Context, key string) {
	m.l1.Delete(key)
	if m.l2 != nil {
		m.l2.InvalidatePattern(ctx, key)
	}
}

// InvalidatePattern removes matches from L1 synchronously and from L2
// asynchronously; returns the L1 count immediately.
func (m *MultiTier) InvalidatePattern(ctx context.Context, pattern string) int {
	removed := m.l1.InvalidatePattern(pattern)
	if m.l2 != nil {
		go func() {
			bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			m.l2.InvalidatePattern(bg, pattern)
		}()
	}
	return removed
}

// L1Cache exposes the in-process tier for direct typed reads.
func (m *MultiTier) L1Cache() *L1 { return m.l1 }

// Snapshot returns cumulative counters.
func (m *MultiTier) Snapshot() Stats {
	l1 := m.l1Hits.Load()
	l2 := m.l2Hits.Load()
	fb := m.fallbacks.Load()
	total := l1 + l2 + fb
	rate := 0.0
	if total > 0 {
		rate = float64(l1+l2) / float64(total)
	}
	s := Stats{L1Hits: l1, L2Hits: l2, Fallbacks: fb, HitRate: rate, L1Entries: m.l1.Len()}
	if m.l2 != nil {
		s.L2Breaker = m.l2.BreakerState().String()
	}
	return s
}
