package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blobkit/blobproxy/proxy/breaker"
	"github.com/blobkit/blobproxy/proxy/params"
	"github.com/blobkit/blobproxy/proxy/types"
	"github.com/blobkit/blobproxy/testing/assert"
	"github.com/blobkit/blobproxy/testing/require"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	brk := breaker.New(breaker.CacheStore, params.DefaultBreakerConfig())
	return New(client, brk, time.Minute, 24*time.Hour), mr
}

func TestGetSet_RoundTrip(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	jobID := common.HexToHash("0x01")

	got, err := store.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, 0, len(got), "cache must miss before Set")

	body := []byte(`{"success":true,"blobTxHash":"0xabc"}`)
	require.NoError(t, store.Set(ctx, jobID, body))

	got, err = store.Get(ctx, jobID)
	require.NoError(t, err)
	// Replays must be byte-identical to the stored body.
	assert.DeepEqual(t, body, got)
}

func TestGet_SurfacesNetworkError(t *testing.T) {
	store, mr := testStore(t)
	mr.Close()

	_, err := store.Get(context.Background(), common.HexToHash("0x01"))
	require.NotNil(t, err)
	assert.Equal(t, types.CodeNetworkError, types.AsError(err).Code)
}

func TestAcquireLock_Exclusive(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	jobID := common.HexToHash("0x02")

	token, err := store.AcquireLock(ctx, jobID)
	require.NoError(t, err)
	require.NotEqual(t, "", token)

	second, err := store.AcquireLock(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "", second, "held lock must not be reacquired")

	store.ReleaseLock(ctx, jobID, token)
	third, err := store.AcquireLock(ctx, jobID)
	require.NoError(t, err)
	assert.NotEqual(t, "", third)
}

func TestReleaseLock_ForeignTokenKeepsLock(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	jobID := common.HexToHash("0x03")

	token, err := store.AcquireLock(ctx, jobID)
	require.NoError(t, err)
	require.NotEqual(t, "", token)

	store.ReleaseLock(ctx, jobID, "not-the-holder")
	second, err := store.AcquireLock(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "", second, "release with a foreign token must be a no-op")
}

func TestAcquireLock_ExpiredLeaseReacquirable(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()
	jobID := common.HexToHash("0x04")

	token, err := store.AcquireLock(ctx, jobID)
	require.NoError(t, err)
	require.NotEqual(t, "", token)

	mr.FastForward(2 * time.Minute)

	second, err := store.AcquireLock(ctx, jobID)
	require.NoError(t, err)
	assert.NotEqual(t, "", second, "expired lease must self-release")
}

func TestExtendLock(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()
	jobID := common.HexToHash("0x05")

	token, err := store.AcquireLock(ctx, jobID)
	require.NoError(t, err)

	assert.Equal(t, true, store.ExtendLock(ctx, jobID, token))

	mr.FastForward(2 * time.Minute)
	assert.Equal(t, false, store.ExtendLock(ctx, jobID, token), "lost lease must not extend")
}
