package credgate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genstudio/authcore/internal/events"
)

func TestModeProbesOnceAndCaches(t *testing.T) {
	var probes atomic.Int32
	g := New(func(ctx context.Context) error {
		probes.Add(1)
		return nil
	}, Options{Credential: "service-key"})

	ctx := context.Background()
	assert.Equal(t, Privileged, g.Mode(ctx))
	assert.Equal(t, Privileged, g.Mode(ctx))
	assert.Equal(t, Privileged, g.Mode(ctx))
	assert.Equal(t, int32(1), probes.Load(), "cached hits must not re-probe")
}

func TestModeDemotesOnProbeFailure(t *testing.T) {
	g := New(func(ctx context.Context) error {
		return errors.New("invalid api key")
	}, Options{Credential: "bad-key"})

	assert.Equal(t, DelegatedOnly, g.Mode(context.Background()))

	st := g.Stats()
	assert.Equal(t, "delegated_only", st.Mode)
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

func TestDemotedStaysDelegatedUntilReprobeWindow(t *testing.T) {
	var probes atomic.Int32
	g := New(func(ctx context.Context) error {
		probes.Add(1)
		return errors.New("invalid api key")
	}, Options{Credential: "k", ReprobeAfter: time.Minute})

	now := time.Now()
	g.now = func() time.Time { return now }

	ctx := context.Background()
	g.Mode(ctx) // probes, fails, demotes
	g.Mode(ctx) // inside the window: no new probe
	g.Mode(ctx)
	assert.Equal(t, int32(1), probes.Load())

	now = now.Add(2 * time.Minute)
	g.Mode(ctx) // window elapsed: re-probe
	assert.Equal(t, int32(2), probes.Load())
}

func TestRecoveryEmitsRestoredEvent(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe(events.TypeCredentialDemoted, events.TypeCredentialRestored)

	fail := atomic.Bool{}
	fail.Store(true)
	g := New(func(ctx context.Context) error {
		if fail.Load() {
			return errors.New("invalid api key")
		}
		return nil
	}, Options{Credential: "k", ReprobeAfter: time.Millisecond, Bus: bus})

	ctx := context.Background()
	assert.Equal(t, DelegatedOnly, g.Mode(ctx))

	fail.Store(false)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, Privileged, g.Mode(ctx))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			got[ev.Type] = true
		case <-time.After(time.Second):
			t.Fatal("missing gate event")
		}
	}
	assert.True(t, got[events.TypeCredentialDemoted])
	assert.True(t, got[events.TypeCredentialRestored])
}

func TestReportPrivilegedFailureDemotes(t *testing.T) {
	g := New(func(ctx context.Context) error { return nil }, Options{Credential: "k"})
	ctx := context.Background()
	require.Equal(t, Privileged, g.Mode(ctx))

	// Non-credential errors are ignored.
	g.ReportPrivilegedFailure(errors.New("connection refused"))
	assert.Equal(t, Privileged, g.Mode(ctx))

	g.ReportPrivilegedFailure(errors.New("database error granting user"))
	assert.Equal(t, DelegatedOnly, g.Mode(ctx))
}

func TestConcurrentModeCallsCoalesceOnOneProbe(t *testing.T) {
	var probes atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	g := New(func(ctx context.Context) error {
		probes.Add(1)
		close(started)
		<-release
		return nil
	}, Options{Credential: "k"})

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]Mode, 10)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = g.Mode(ctx)
	}()
	<-started

	for i := 1; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.Mode(ctx)
		}(i)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), probes.Load(), "waiters must coalesce on the in-flight probe")
	for _, m := range results {
		assert.Equal(t, Privileged, m)
	}
}

func TestInvalidateForcesReprobe(t *testing.T) {
	var probes atomic.Int32
	g := New(func(ctx context.Context) error {
		probes.Add(1)
		return nil
	}, Options{Credential: "k"})

	ctx := context.Background()
	g.Mode(ctx)
	g.Invalidate()
	g.Mode(ctx)
	assert.Equal(t, int32(2), probes.Load())
}

func TestIsCredentialRejection(t *testing.T) {
	assert.True(t, IsCredentialRejection(errors.New("Invalid API key")))
	assert.True(t, IsCredentialRejection(errors.New("database error granting user")))
	assert.True(t, IsCredentialRejection(errors.New("JWT expired")))
	assert.True(t, IsCredentialRejection(errors.New("bad token signature")))
	assert.False(t, IsCredentialRejection(errors.New("connection refused")))
	assert.False(t, IsCredentialRejection(nil))
}

func TestStatsHitRate(t *testing.T) {
	g := New(func(ctx context.Context) error { return nil }, Options{Credential: "k"})
	ctx := context.Background()

	g.Mode(ctx) // miss (probe)
	g.Mode(ctx) // hit
	g.Mode(ctx) // hit

	st := g.Stats()
	assert.Equal(t, "privileged", st.Mode)
	assert.InDelta(t, 0.66, st.HitRate, 0.01)
}
