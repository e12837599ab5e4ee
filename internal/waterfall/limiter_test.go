package waterfall

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestAdaptiveLimiter_HalvesOnThrottle(t *testing.T) {
	t.Parallel()
	l := NewAdaptiveLimiter(60) // 1 rps

	assert.Equal(t, rate.Limit(1), l.Rate())

	l.OnThrottle()
	assert.Equal(t, rate.Limit(0.5), l.Rate())

	l.OnThrottle()
	assert.Equal(t, rate.Limit(0.25), l.Rate())
}

func TestAdaptiveLimiter_Floor(t *testing.T) {
	t.Parallel()
	l := NewAdaptiveLimiter(60)

	for i := 0; i < 20; i++ {
		l.OnThrottle()
	}
	assert.Equal(t, rate.Limit(1.0/16.0), l.Rate())
}

func TestAdaptiveLimiter_GrowsTowardCeiling(t *testing.T) {
	t.Parallel()
	l := NewAdaptiveLimiter(60)

	l.OnSuccess()
	assert.InDelta(t, 1.2, float64(l.Rate()), 1e-9)

	for i := 0; i < 20; i++ {
		l.OnSuccess()
	}
	assert.Equal(t, rate.Limit(2), l.Rate())
}

func TestAdaptiveLimiter_RecoversAfterThrottle(t *testing.T) {
	t.Parallel()
	l := NewAdaptiveLimiter(60)

	l.OnThrottle() // 0.5
	l.OnSuccess()  // 0.6
	assert.InDelta(t, 0.6, float64(l.Rate()), 1e-9)
}

func TestAdaptiveLimiter_WaitRespectsContext(t *testing.T) {
	t.Parallel()
	l := NewAdaptiveLimiter(60)

	// First token is available immediately.
	require.NoError(t, l.Wait(context.Background()))

	// Bucket now empty; a cancelled context must not block.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.Wait(ctx))
}

func TestAdaptiveLimiter_ZeroRPMDefaults(t *testing.T) {
	t.Parallel()
	l := NewAdaptiveLimiter(0)
	assert.Equal(t, rate.Limit(1), l.Rate())
}
