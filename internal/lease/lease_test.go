package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instagram-autoposter/pkg/logger"
)

func newClient(t *testing.T) (*miniredis.Miniredis, goredis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLeaseSingleHolder(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	a := New(client, "leader", time.Minute, logger.Nop())
	b := New(client, "leader", time.Minute, logger.Nop())

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// renewal keeps it
	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err := b.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.Owner(), holder)

	require.NoError(t, a.Release(ctx))
	assert.False(t, a.Held())

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseExpiresAndIsLost(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	a := New(client, "leader", 10*time.Second, logger.Nop())
	b := New(client, "leader", 10*time.Second, logger.Nop())

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// a notices on renewal that b owns the key now
	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, a.Held())

	// releasing a lost lease leaves the new holder alone
	require.NoError(t, a.Release(ctx))
	holder, err := a.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.Owner(), holder)
}

func TestHolderWhenFree(t *testing.T) {
	_, client := newClient(t)
	holder, err := New(client, "leader", time.Minute, logger.Nop()).Holder(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holder)
}
