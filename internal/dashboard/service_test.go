package dashboard_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caja-rds/caja-rds/internal/dashboard"
	"github.com/caja-rds/caja-rds/internal/ledger"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

type countingRepo struct {
	calls    atomic.Int32
	balance  decimal.Decimal
	err      error
	dayStart time.Time
	gate     chan struct{}
}

func (r *countingRepo) Stats(ctx context.Context, dayStart, dayEnd time.Time) (dashboard.Stats, error) {
	r.calls.Add(1)
	r.dayStart = dayStart
	if r.gate != nil {
		<-r.gate
	}
	if r.err != nil {
		return dashboard.Stats{}, r.err
	}
	return dashboard.Stats{ActiveMembers: 12, TotalAccounts: 30, TotalBalance: r.balance, TodayTransactions: 4, PendingAidRequests: 1}, nil
}

var (
	supervisor = shared.Actor{UserID: 2, Role: string(rbac.RoleSupervisor)}
	clock      = time.Date(2026, 5, 20, 15, 30, 0, 0, time.UTC)
)

func newService(t *testing.T, repo dashboard.Repository) (*dashboard.Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc := dashboard.NewService(repo, dashboard.NewCache(client, time.Minute), time.UTC, nil)
	svc.WithNow(func() time.Time { return clock })
	return svc, mr
}

func TestStatsCachedUntilBump(t *testing.T) {
	repo := &countingRepo{balance: decimal.RequireFromString("1500.25")}
	svc, mr := newService(t, repo)
	ctx := context.Background()

	first, err := svc.Stats(ctx, supervisor)
	require.NoError(t, err)
	assert.Equal(t, 12, first.ActiveMembers)
	assert.True(t, first.TotalBalance.Equal(decimal.RequireFromString("1500.25")))
	assert.Equal(t, time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC), repo.dayStart)
	assert.True(t, mr.Exists("dashboard:stats:2026-05-20:v1"))

	_, err = svc.Stats(ctx, supervisor)
	require.NoError(t, err)
	assert.EqualValues(t, 1, repo.calls.Load())

	repo.balance = decimal.RequireFromString("1600.25")
	svc.Invalidate(ctx, ledger.Posted{})
	third, err := svc.Stats(ctx, supervisor)
	require.NoError(t, err)
	assert.EqualValues(t, 2, repo.calls.Load())
	assert.True(t, third.TotalBalance.Equal(decimal.RequireFromString("1600.25")))
}

func TestStatsCollapsesConcurrentLoads(t *testing.T) {
	repo := &countingRepo{balance: decimal.Zero, gate: make(chan struct{})}
	svc, _ := newService(t, repo)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Stats(context.Background(), supervisor)
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return repo.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(repo.gate)
	wg.Wait()
	assert.LessOrEqual(t, repo.calls.Load(), int32(2))
}

func TestStatsFallsBackWhenRedisDown(t *testing.T) {
	repo := &countingRepo{balance: decimal.NewFromInt(10)}
	svc, mr := newService(t, repo)
	mr.Close()

	stats, err := svc.Stats(context.Background(), supervisor)
	require.NoError(t, err)
	assert.Equal(t, 30, stats.TotalAccounts)
}

func TestStatsPropagatesLoadError(t *testing.T) {
	repo := &countingRepo{err: errors.New("db down")}
	svc, _ := newService(t, repo)
	_, err := svc.Stats(context.Background(), supervisor)
	require.Error(t, err)
	assert.EqualValues(t, 1, repo.calls.Load())
}

func TestStatsWithoutCache(t *testing.T) {
	repo := &countingRepo{}
	svc := dashboard.NewService(repo, nil, nil, nil)
	_, err := svc.Stats(context.Background(), supervisor)
	require.NoError(t, err)
	_, err = svc.Stats(context.Background(), supervisor)
	require.NoError(t, err)
	assert.EqualValues(t, 2, repo.calls.Load())
}

func TestStatsRequiresReportsView(t *testing.T) {
	svc, _ := newService(t, &countingRepo{})
	_, err := svc.Stats(context.Background(), shared.Actor{UserID: 9, Role: "GUEST"})
	require.ErrorIs(t, err, shared.ErrForbidden)
}
