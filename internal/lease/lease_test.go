package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

// =============================================================================
// Redis
// =============================================================================

func TestRedisProvider_SingleHolder(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()
	p := NewRedisProvider(client)

	l, err := p.Acquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)

	_, err = p.Acquire(ctx, "job-1", time.Minute)
	assert.ErrorIs(t, err, core.ErrJobLeased)

	other, err := p.Acquire(ctx, "job-2", time.Minute)
	require.NoError(t, err, "leases are per job")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, l.Release(ctx))
	again, err := p.Acquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisProvider_Extend(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()
	p := NewRedisProvider(client)

	l, err := p.Acquire(ctx, "job-1", time.Second)
	require.NoError(t, err)

	require.NoError(t, l.Extend(ctx, time.Minute))
	mr.FastForward(30 * time.Second)
	assert.True(t, mr.Exists(leaseKey("job-1")), "extended lease survives the original ttl")

	mr.FastForward(time.Minute)
	assert.ErrorIs(t, l.Extend(ctx, time.Minute), core.ErrJobLeased)
}

func TestRedisProvider_ReleaseKeepsForeignLease(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()
	p := NewRedisProvider(client)

	stale, err := p.Acquire(ctx, "job-1", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	current, err := p.Acquire(ctx, "job-1", time.Minute)
	require.NoError(t, err, "expired lease can be taken over")

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists(leaseKey("job-1")), "stale holder must not release the new lease")
	require.NoError(t, current.Release(ctx))
	assert.False(t, mr.Exists(leaseKey("job-1")))
}

func TestRedisProvider_ConnectionError(t *testing.T) {
	mr, client := setupRedis(t)
	mr.Close()

	_, err := NewRedisProvider(client).Acquire(context.Background(), "job-1", time.Minute)
	require.Error(t, err)
	assert.False(t, errors.Is(err, core.ErrJobLeased))
}

// =============================================================================
// Advisory locks
// =============================================================================

func TestAdvisoryProvider_AcquireRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := LockID("job-1")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	l, err := NewAdvisoryProvider(db).Acquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Extend(ctx, time.Minute))
	require.NoError(t, l.Release(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryProvider_Held(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT pg_try_advisory_lock").WithArgs(LockID("job-1")).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	_, err = NewAdvisoryProvider(db).Acquire(context.Background(), "job-1", time.Minute)
	assert.ErrorIs(t, err, core.ErrJobLeased)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryProvider_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnError(errors.New("connection reset"))

	_, err = NewAdvisoryProvider(db).Acquire(context.Background(), "job-1", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestLockID_Deterministic(t *testing.T) {
	assert.Equal(t, LockID("job-1"), LockID("job-1"))
	assert.NotEqual(t, LockID("job-1"), LockID("job-2"))
}

func TestNewProvider_SelectsBackend(t *testing.T) {
	_, client := setupRedis(t)
	assert.IsType(t, &RedisProvider{}, NewProvider(client, nil))

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	assert.IsType(t, &AdvisoryProvider{}, NewProvider(nil, db))
}
