package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetboot/discovery/internal/model"
	"github.com/fleetboot/discovery/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func newTestGuard(cfg Config) (*Guard, *repo.MemoryRequestLog, *time.Time) {
	log := repo.NewMemoryRequestLog()
	g := New(log, cfg, nil)
	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }
	return g, log, &now
}

func TestGuard_DeviceCeiling(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(Config{MaxPerIP: 10, MaxPerDevice: 3})

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Check(ctx, "10.0.0.1", "dev-A"), "attempt %d", i+1)
		g.Record(ctx, model.EndpointRegister, "10.0.0.1", "dev-A", true, "")
	}

	err := g.Check(ctx, "10.0.0.1", "dev-A")
	require.ErrorIs(t, err, ErrRateLimited)
	var limit *LimitError
	require.True(t, errors.As(err, &limit))
	assert.Equal(t, ScopeDevice, limit.Scope)
	assert.Equal(t, 3, limit.Count)

	assert.NoError(t, g.Check(ctx, "10.0.0.1", "dev-B"), "other devices are unaffected")
}

func TestGuard_IPCeiling(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(Config{MaxPerIP: 2, MaxPerDevice: 3})

	g.Record(ctx, model.EndpointRegister, "10.0.0.1", "dev-A", true, "")
	g.Record(ctx, model.EndpointRegister, "10.0.0.1", "dev-B", false, "authentication failed")

	err := g.Check(ctx, "10.0.0.1", "dev-C")
	var limit *LimitError
	require.True(t, errors.As(err, &limit))
	assert.Equal(t, ScopeIP, limit.Scope)
	assert.NoError(t, g.Check(ctx, "10.0.0.2", "dev-C"))
}

func TestGuard_WindowSlides(t *testing.T) {
	ctx := context.Background()
	g, _, now := newTestGuard(Config{Window: time.Hour, MaxPerDevice: 1})

	g.Record(ctx, model.EndpointRegister, "10.0.0.1", "dev-A", true, "")
	assert.ErrorIs(t, g.Check(ctx, "10.0.0.1", "dev-A"), ErrRateLimited)

	*now = now.Add(time.Hour + time.Second)
	assert.NoError(t, g.Check(ctx, "10.0.0.1", "dev-A"))
}

func TestGuard_ConfirmsDoNotCount(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(Config{MaxPerIP: 1, MaxPerDevice: 1})

	g.Record(ctx, model.EndpointConfirm, "10.0.0.1", "dev-A", true, "")
	assert.NoError(t, g.Check(ctx, "10.0.0.1", "dev-A"))
}

func TestGuard_ZeroDisables(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(Config{})
	assert.Equal(t, DefaultWindow, g.cfg.Window)

	for i := 0; i < 50; i++ {
		g.Record(ctx, model.EndpointRegister, "10.0.0.1", "dev-A", true, "")
	}
	assert.NoError(t, g.Check(ctx, "10.0.0.1", "dev-A"))
}

func TestGuard_RecordStoresOutcome(t *testing.T) {
	ctx := context.Background()
	g, log, now := newTestGuard(Config{})

	g.Record(ctx, model.EndpointRegister, "10.0.0.1", "", false, "invalid request")
	entries := log.Entries()
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Serial)
	require.NotNil(t, entries[0].ErrorMessage)
	assert.Equal(t, "invalid request", *entries[0].ErrorMessage)
	assert.False(t, entries[0].Success)
	assert.Equal(t, *now, entries[0].CreatedAt)
}

func TestGuard_AdmitSerializesPerKey(t *testing.T) {
	ctx := context.Background()
	g, log, _ := newTestGuard(Config{MaxPerIP: 100, MaxPerDevice: 3})

	admitted := atomic.NewInt64(0)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Admit(ctx, "10.0.0.1", "dev-A")
			defer release()
			if err == nil {
				admitted.Inc()
			}
			g.Record(ctx, model.EndpointRegister, "10.0.0.1", "dev-A", err == nil, "")
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, admitted.Load(), "a burst cannot slip past the ceiling")
	assert.Len(t, log.Entries(), 20)

	g.locks.mu.Lock()
	assert.Empty(t, g.locks.held, "idle keys are forgotten")
	g.locks.mu.Unlock()
}

func TestGuard_AdmitKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(Config{MaxPerIP: 5, MaxPerDevice: 5})

	releaseA, err := g.Admit(ctx, "10.0.0.1", "dev-A")
	require.NoError(t, err)
	releaseB, err := g.Admit(ctx, "10.0.0.2", "dev-B")
	require.NoError(t, err, "different keys do not wait on each other")

	releaseB()
	releaseA()
	releaseA()

	release, err := g.Admit(ctx, "10.0.0.1", "dev-A")
	require.NoError(t, err, "release is idempotent")
	release()
}

func TestGuard_AdmitReturnsLimitWithRelease(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(Config{MaxPerDevice: 1})

	g.Record(ctx, model.EndpointRegister, "10.0.0.1", "dev-A", true, "")
	release, err := g.Admit(ctx, "10.0.0.1", "dev-A")
	require.NotNil(t, release)
	assert.ErrorIs(t, err, ErrRateLimited)
	release()

	g.locks.mu.Lock()
	assert.Empty(t, g.locks.held)
	g.locks.mu.Unlock()
}
