package cache

import (
	"context"
	"log/slog"
	"time"
)

// WarmPattern names one preload unit: a loader that fetches up to BatchSize
// hot rows and writes them through the cache.
type WarmPattern struct {
	Name      string
	BatchSize int
	Load      func(ctx context.Context, batchSize int, set func(key string, value any, priority Priority)) error
}

// Warmer preloads hot patterns on startup and on an interval. Warming is
// best-effort: it never blocks startup past its own timeout budget.
type Warmer struct {
	cache    *MultiTier
	patterns []WarmPattern
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
}

// NewWarmer creates a warmer. A zero interval disables the periodic pass.
func NewWarmer(cache *MultiTier, patterns []WarmPattern, interval, timeout time.Duration, logger *slog.Logger) *Warmer {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Warmer{
		cache:    cache,
		patterns: patterns,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "cache.warmer"),
		stopCh:   make(chan struct{}),
	}
}

// Start runs one warming pass in the background and, when an interval is
// configured, keeps re-running on that cadence.
func (w *Warmer) Start() {
	go func() {
		w.runOnce()
		if w.interval == 0 {
			return
		}
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.runOnce()
			}
		}
	}()
}

// Stop halts the periodic pass.
func (w *Warmer) Stop() { close(w.stopCh) }

func (w *Warmer) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	for _, p := range w.patterns {
		batch := p.BatchSize
		if batch <= 0 {
			batch = 200
		}
		warmed := 0
		set := func(key string, value any, priority Priority) {
			w.cache.Set(ctx, key, value, 0, priority)
			warmed++
		}
		if err := p.Load(ctx, batch, set); err != nil {
			w.logger.Debug("warm pattern failed", "pattern", p.Name, "error", err)
			continue
		}
		w.logger.Debug("warm pattern done", "pattern", p.Name, "entries", warmed)
		if ctx.Err() != nil {
			return
		}
	}
}
