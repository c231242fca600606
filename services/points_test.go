package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storefront-server/models"
	"storefront-server/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testUser = "7d1f3c5e-2b8a-4f0e-9c61-0a4b3d2e1f10"

func seededStore(t *testing.T, points int64) *store.MemoryStore {
	t.Helper()
	m := store.NewMemoryStore()
	m.Seed(TableUsers, store.Record{"id": testUser, "points": points, "role": "user"})
	return m
}

// plainStore exposes only the CRUD methods of a MemoryStore so the service
// takes the read-then-write balance path. failUpdates makes every Update fail,
// failCreates every Create.
type plainStore struct {
	inner       *store.MemoryStore
	mu          sync.Mutex
	failUpdates bool
	failCreates bool
}

func (p *plainStore) Create(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	p.mu.Lock()
	fail := p.failCreates
	p.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return p.inner.Create(ctx, table, rec)
}

func (p *plainStore) FindMany(ctx context.Context, table string, filter store.Filter, opts store.FindOptions) ([]store.Record, error) {
	return p.inner.FindMany(ctx, table, filter, opts)
}

func (p *plainStore) Update(ctx context.Context, table string, filter store.Filter, values store.Record) (int64, error) {
	p.mu.Lock()
	fail := p.failUpdates
	p.mu.Unlock()
	if fail {
		return 0, errors.New("connection reset")
	}
	return p.inner.Update(ctx, table, filter, values)
}

func (p *plainStore) setFailUpdates(v bool) {
	p.mu.Lock()
	p.failUpdates = v
	p.mu.Unlock()
}

type recordedLevelUp struct {
	userID   string
	from, to string
	balance  int64
}

type fakeNotifier struct {
	ch chan recordedLevelUp
}

func (f *fakeNotifier) LevelUp(_ context.Context, userID string, from, to Level, balance int64) error {
	f.ch <- recordedLevelUp{userID: userID, from: from.Name, to: to.Name, balance: balance}
	return nil
}

func TestAddPoints_AppendsEntryAndUpdatesBalance(t *testing.T) {
	ctx := context.Background()
	m := seededStore(t, 100)
	svc := NewPointsService(m, WithLogger(zaptest.NewLogger(t)))

	balance, err := svc.AddPoints(ctx, testUser, 50, models.ReasonBonus, "Ajuste")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)
	assert.Equal(t, int64(150), svc.GetUserPoints(ctx, testUser))

	history, err := svc.GetHistory(ctx, testUser, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(50), history[0].Amount)
	assert.Equal(t, models.ReasonBonus, history[0].Reason)
	require.NotNil(t, history[0].Description)
	assert.Equal(t, "Ajuste", *history[0].Description)
	assert.Equal(t, testUser, history[0].UserID)
	assert.NotEmpty(t, history[0].ID)
	assert.False(t, history[0].CreatedAt.IsZero())
}

func TestAddPoints_NegativeAmountIsAllowed(t *testing.T) {
	ctx := context.Background()
	svc := NewPointsService(seededStore(t, 100))

	balance, err := svc.AddPoints(ctx, testUser, -30, models.ReasonRefund, "")
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)

	history, err := svc.GetHistory(ctx, testUser, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].Description)
}

func TestAddPoints_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	m := seededStore(t, 100)
	svc := NewPointsService(m)

	_, err := svc.AddPoints(ctx, testUser, 10, models.PointsReason("gift"), "")
	assert.ErrorIs(t, err, ErrInvalidReason)

	_, err = svc.AddPoints(ctx, testUser, 0, models.ReasonBonus, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.AddPoints(ctx, "", 10, models.ReasonBonus, "")
	assert.ErrorIs(t, err, ErrUserNotFound)

	rows, err := m.FindMany(ctx, TablePointsHistory, nil, store.FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAddPoints_UnknownUserWritesNothing(t *testing.T) {
	ctx := context.Background()
	m := seededStore(t, 0)
	svc := NewPointsService(m)

	_, err := svc.AddPoints(ctx, "missing", 10, models.ReasonBonus, "")
	require.ErrorIs(t, err, ErrUserNotFound)

	rows, err := m.FindMany(ctx, TablePointsHistory, nil, store.FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAddPoints_PlainBackendWritesAbsoluteBalance(t *testing.T) {
	ctx := context.Background()
	p := &plainStore{inner: seededStore(t, 40)}
	svc := NewPointsService(p)

	balance, err := svc.AddPoints(ctx, testUser, 2, models.ReasonPurchase, "Compra FMBQ-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), balance)
	assert.Equal(t, int64(42), svc.GetUserPoints(ctx, testUser))
}

func TestAddPoints_BalanceFailureLeavesEntryAndCountsDivergence(t *testing.T) {
	ctx := context.Background()
	p := &plainStore{inner: seededStore(t, 100), failUpdates: true}
	reg := prometheus.NewRegistry()
	metrics, err := NewPointsMetrics(reg)
	require.NoError(t, err)
	svc := NewPointsService(p, WithMetrics(metrics), WithLogger(zaptest.NewLogger(t)))

	_, err = svc.AddPoints(ctx, testUser, 25, models.ReasonBonus, "")
	require.Error(t, err)

	history, err := svc.GetHistory(ctx, testUser, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, int64(100), svc.GetUserPoints(ctx, testUser))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.divergences))

	p.setFailUpdates(false)
	res, err := svc.Reconcile(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, res.Corrected)
	assert.Equal(t, int64(100), res.Cached)
	assert.Equal(t, int64(25), res.Ledger)
	assert.Equal(t, int64(25), svc.GetUserPoints(ctx, testUser))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reconcileFixes))
}

func TestAddPoints_LedgerAppendFailureLeavesBalance(t *testing.T) {
	ctx := context.Background()
	p := &plainStore{inner: seededStore(t, 100), failCreates: true}
	reg := prometheus.NewRegistry()
	metrics, err := NewPointsMetrics(reg)
	require.NoError(t, err)
	svc := NewPointsService(p, WithMetrics(metrics), WithLogger(zaptest.NewLogger(t)))

	_, err = svc.AddPoints(ctx, testUser, 25, models.ReasonBonus, "")
	require.Error(t, err)
	assert.False(t, svc.entryMayExist(err))

	_, err = svc.RedeemPoints(ctx, testUser, 40, "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientPoints)

	history, err := svc.GetHistory(ctx, testUser, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, int64(100), svc.GetUserPoints(ctx, testUser))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.divergences))
}

func TestRedeemPoints_DebitIsCreditedBackWhenAppendFails(t *testing.T) {
	ctx := context.Background()
	m := seededStore(t, 100)
	svc := NewPointsService(&appendFailingStore{MemoryStore: m}, WithLogger(zaptest.NewLogger(t)))

	_, err := svc.RedeemPoints(ctx, testUser, 40, "")
	require.Error(t, err)
	assert.Equal(t, int64(100), svc.GetUserPoints(ctx, testUser))

	rows, err := m.FindMany(ctx, TablePointsHistory, nil, store.FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// appendFailingStore is a MemoryStore whose Create always fails.
type appendFailingStore struct {
	*store.MemoryStore
}

func (a *appendFailingStore) Create(context.Context, string, store.Record) (store.Record, error) {
	return nil, errors.New("disk full")
}

func TestLedgerSumMatchesBalance(t *testing.T) {
	backends := map[string]func() store.CRUD{
		"memory": func() store.CRUD { return seededStore(t, 0) },
		"plain":  func() store.CRUD { return &plainStore{inner: seededStore(t, 0)} },
		"tx":     func() store.CRUD { return &txStore{MemoryStore: seededStore(t, 0)} },
	}
	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewPointsService(build())

			_, err := svc.AddPoints(ctx, testUser, 500, models.ReasonPurchase, "Compra ORD-1")
			require.NoError(t, err)
			_, err = svc.RedeemPoints(ctx, testUser, 120, "")
			require.NoError(t, err)
			_, err = svc.AddPoints(ctx, testUser, 30, models.ReasonRefund, "")
			require.NoError(t, err)
			_, err = svc.AddPoints(ctx, testUser, -50, models.ReasonBonus, "ajuste")
			require.NoError(t, err)
			_, err = svc.RedeemPoints(ctx, testUser, 200, "")
			require.NoError(t, err)
			_, err = svc.RedeemPoints(ctx, testUser, 1000, "")
			require.ErrorIs(t, err, ErrInsufficientPoints)

			history, err := svc.GetHistory(ctx, testUser, MaxHistoryLimit)
			require.NoError(t, err)
			assert.Len(t, history, 5)
			var sum int64
			for _, e := range history {
				sum += e.Amount
			}
			assert.Equal(t, int64(160), sum)
			assert.Equal(t, sum, svc.GetUserPoints(ctx, testUser))
		})
	}
}

func TestRedeemPoints(t *testing.T) {
	ctx := context.Background()
	svc := NewPointsService(seededStore(t, 1200))

	balance, err := svc.RedeemPoints(ctx, testUser, 500, "")
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance)

	history, err := svc.GetHistory(ctx, testUser, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(-500), history[0].Amount)
	assert.Equal(t, models.ReasonRedemption, history[0].Reason)
	require.NotNil(t, history[0].Description)
	assert.Equal(t, DefaultRedemptionDescription, *history[0].Description)
}

func TestRedeemPoints_ExactBalance(t *testing.T) {
	svc := NewPointsService(seededStore(t, 500))
	balance, err := svc.RedeemPoints(context.Background(), testUser, 500, "Cupón de $5")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestRedeemPoints_Insufficient(t *testing.T) {
	ctx := context.Background()
	m := seededStore(t, 300)
	svc := NewPointsService(m)

	_, err := svc.RedeemPoints(ctx, testUser, 500, "")
	require.ErrorIs(t, err, ErrInsufficientPoints)

	var ins *InsufficientPointsError
	require.True(t, errors.As(err, &ins))
	assert.Equal(t, int64(300), ins.Have)
	assert.Equal(t, int64(500), ins.Need)

	rows, err := m.FindMany(ctx, TablePointsHistory, nil, store.FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, int64(300), svc.GetUserPoints(ctx, testUser))
}

func TestRedeemPoints_RejectsNonPositive(t *testing.T) {
	svc := NewPointsService(seededStore(t, 300))
	_, err := svc.RedeemPoints(context.Background(), testUser, 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.RedeemPoints(context.Background(), testUser, -5, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRedeemPoints_ConcurrentNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	p := &plainStore{inner: seededStore(t, 1000)}
	svc := NewPointsService(p)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.RedeemPoints(ctx, testUser, 300, ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrInsufficientPoints)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, int64(100), svc.GetUserPoints(ctx, testUser))
	assert.Equal(t, 0, svc.locks.size())
}

func TestAddPoints_ConcurrentAwardsAreNotLost(t *testing.T) {
	ctx := context.Background()
	p := &plainStore{inner: seededStore(t, 0)}
	svc := NewPointsService(p)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AddPoints(ctx, testUser, 2, models.ReasonPurchase, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), svc.GetUserPoints(ctx, testUser))
	res, err := svc.Reconcile(ctx, testUser)
	require.NoError(t, err)
	assert.False(t, res.Corrected)
	assert.Equal(t, 50, res.Entries)
}

func TestGetUserPoints_Lenient(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()
	m.Seed(TableUsers, store.Record{"id": "no-points"})
	svc := NewPointsService(m, WithLogger(zaptest.NewLogger(t)))

	assert.Equal(t, int64(0), svc.GetUserPoints(ctx, "no-points"))
	assert.Equal(t, int64(0), svc.GetUserPoints(ctx, "missing"))

	_, err := svc.Balance(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)

	balance, err := svc.Balance(ctx, "no-points")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestGetHistory_NewestFirstAndLimit(t *testing.T) {
	ctx := context.Background()
	m := seededStore(t, 0)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	m.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	svc := NewPointsService(m, WithHistoryLimit(3))

	for i := int64(1); i <= 5; i++ {
		_, err := svc.AddPoints(ctx, testUser, i, models.ReasonBonus, "")
		require.NoError(t, err)
	}

	history, err := svc.GetHistory(ctx, testUser, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []int64{5, 4, 3}, []int64{history[0].Amount, history[1].Amount, history[2].Amount})

	history, err = svc.GetHistory(ctx, testUser, 10)
	require.NoError(t, err)
	assert.Len(t, history, 5)

	history, err = svc.GetHistory(ctx, "someone-else", 0)
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	svc := NewPointsService(seededStore(t, 3000))

	sum, err := svc.Summary(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, "Silver", sum.Level.Name)
	require.NotNil(t, sum.NextLevel)
	assert.Equal(t, "Gold", sum.NextLevel.Name)
	assert.Equal(t, int64(2000), sum.PointsToNext)

	_, err = svc.Summary(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestReconcile_NoDrift(t *testing.T) {
	ctx := context.Background()
	svc := NewPointsService(seededStore(t, 0))
	_, err := svc.AddPoints(ctx, testUser, 10, models.ReasonBonus, "")
	require.NoError(t, err)

	res, err := svc.Reconcile(ctx, testUser)
	require.NoError(t, err)
	assert.False(t, res.Corrected)
	assert.Equal(t, int64(10), res.Ledger)
	assert.Equal(t, int64(10), res.Cached)
}

func TestAddPoints_NotifiesOnLevelUp(t *testing.T) {
	ctx := context.Background()
	n := &fakeNotifier{ch: make(chan recordedLevelUp, 4)}
	svc := NewPointsService(seededStore(t, 950), WithLevelNotifier(n))

	_, err := svc.AddPoints(ctx, testUser, 30, models.ReasonPurchase, "")
	require.NoError(t, err)
	_, err = svc.AddPoints(ctx, testUser, 30, models.ReasonPurchase, "")
	require.NoError(t, err)

	select {
	case got := <-n.ch:
		assert.Equal(t, recordedLevelUp{userID: testUser, from: "Bronze", to: "Silver", balance: 1010}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("level-up notification not sent")
	}

	_, err = svc.RedeemPoints(ctx, testUser, 500, "")
	require.NoError(t, err)
	select {
	case got := <-n.ch:
		t.Fatalf("unexpected notification %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}
