package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/blobkit/blobproxy/proxy/params"
	"github.com/blobkit/blobproxy/proxy/types"
	"github.com/blobkit/blobproxy/testing/assert"
	"github.com/blobkit/blobproxy/testing/require"
)

func testConfig() params.BreakerConfig {
	return params.BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     10 * time.Second,
		MonitoringPeriod: 60 * time.Second,
		MinimumRequests:  3,
		SuccessThreshold: 2,
	}
}

// fakeClock lets tests advance the breaker's notion of time.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := New("test", testConfig())
	b.now = clock.now
	b.windowStart = clock.t
	b.lastStateChangeAt = clock.t
	return b, clock
}

func failing() error {
	return errors.New("rpc: connection refused")
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 3; i++ {
		assert.ErrorContains(t, "connection refused", b.Call(failing))
	}
	require.Equal(t, Open, b.State())

	err := b.Call(func() error { return nil })
	require.NotNil(t, err)
	terr := types.AsError(err)
	assert.Equal(t, types.CodeCircuitOpen, terr.Code)
	assert.Equal(t, 1, b.Snapshot().RejectedRequests)
}

func TestBreaker_StaysClosedBelowMinimumRequests(t *testing.T) {
	cfg := testConfig()
	cfg.MinimumRequests = 5
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := New("test", cfg)
	b.now = clock.now
	for i := 0; i < 3; i++ {
		_ = b.Call(failing)
	}
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenToClosed(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		_ = b.Call(failing)
	}
	require.Equal(t, Open, b.State())

	clock.advance(11 * time.Second)
	require.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Call(func() error { return nil }))
	require.Equal(t, HalfOpen, b.State())
	require.NoError(t, b.Call(func() error { return nil }))
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenRevertsOnFailure(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		_ = b.Call(failing)
	}
	clock.advance(11 * time.Second)
	require.Equal(t, HalfOpen, b.State())

	_ = b.Call(failing)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_MonitoringWindowReset(t *testing.T) {
	b, clock := newTestBreaker()
	_ = b.Call(failing)
	_ = b.Call(failing)
	clock.advance(61 * time.Second)
	// Window rolled over, earlier failures no longer count.
	_ = b.Call(failing)
	assert.Equal(t, Closed, b.State())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testConfig())
	require.NotNil(t, r.Get(BlobExecutor))
	require.NotNil(t, r.Get(EscrowContract))
	require.NotNil(t, r.Get(CacheStore))
	assert.Equal(t, (*Breaker)(nil), r.Get("unknown"))
	assert.Equal(t, false, r.AnyOpen())

	snaps := r.Snapshot()
	require.Equal(t, 3, len(snaps))
	assert.Equal(t, BlobExecutor, snaps[0].Name)
	assert.Equal(t, "closed", snaps[0].State)
}
