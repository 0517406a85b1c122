package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/apierror"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memStore struct {
	mu     sync.Mutex
	states map[string]KeyState
}

func newMemStore() *memStore { return &memStore{states: map[string]KeyState{}} }

func (s *memStore) LoadKeyStates(context.Context) (map[string]KeyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]KeyState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) AddSpend(_ context.Context, keyID string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[keyID]
	st.SpentUSD += delta
	s.states[keyID] = st
	return nil
}

func (s *memStore) SetRevoked(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[keyID]
	st.Revoked = true
	s.states[keyID] = st
	return nil
}

func (s *memStore) SetBudget(_ context.Context, keyID string, limit float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[keyID]
	st.BudgetOverride = &limit
	s.states[keyID] = st
	return nil
}

func newTestLedger(t *testing.T, keys ...models.APIKey) (*Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(WithClock(clock.Now))
	l.Sync(keys)
	return l, clock
}

func TestRateLimitRPM(t *testing.T) {
	l, clock := newTestLedger(t, models.APIKey{ID: "k", RPMLimit: 1})
	ctx := context.Background()

	adm, err := l.CheckAdmission(ctx, "k", Estimate{Tokens: 10})
	require.NoError(t, err)
	adm.Settle(ctx, 0, 10)

	clock.Advance(20 * time.Second)
	_, err = l.CheckAdmission(ctx, "k", Estimate{Tokens: 10})
	require.Error(t, err)
	apiErr := apierror.From(err)
	assert.Equal(t, apierror.KindRateLimited, apiErr.Kind)
	assert.Equal(t, 40*time.Second, apiErr.RetryAfter)

	clock.Advance(41 * time.Second)
	_, err = l.CheckAdmission(ctx, "k", Estimate{Tokens: 10})
	assert.NoError(t, err)
}

func TestRateLimitTPM(t *testing.T) {
	l, _ := newTestLedger(t, models.APIKey{ID: "k", TPMLimit: 100})
	ctx := context.Background()

	adm, err := l.CheckAdmission(ctx, "k", Estimate{Tokens: 80})
	require.NoError(t, err)

	_, err = l.CheckAdmission(ctx, "k", Estimate{Tokens: 50})
	assert.True(t, apierror.Is(err, apierror.KindRateLimited))

	// actual usage was lower than estimated, freeing window capacity
	adm.Settle(ctx, 0, 30)
	_, err = l.CheckAdmission(ctx, "k", Estimate{Tokens: 50})
	assert.NoError(t, err)
}

func TestBudgetExhausted(t *testing.T) {
	l, _ := newTestLedger(t, models.APIKey{ID: "k", BudgetLimitUSD: 1.0})
	ctx := context.Background()

	require.NoError(t, l.RecordSpend(ctx, "k", 1.0))
	_, err := l.CheckAdmission(ctx, "k", Estimate{CostUSD: 0})
	require.Error(t, err)
	apiErr := apierror.From(err)
	assert.Equal(t, apierror.KindBudgetExceeded, apiErr.Kind)
	require.NotNil(t, apiErr.Remaining)
	assert.Equal(t, 0.0, *apiErr.Remaining)
}

func TestConcurrentAdmissionOnNearlyExhaustedBudget(t *testing.T) {
	l, _ := newTestLedger(t, models.APIKey{ID: "k", BudgetLimitUSD: 1.0})
	ctx := context.Background()

	const n = 20
	var admitted atomic.Int32
	var wg sync.WaitGroup
	admissions := make(chan *Admission, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := l.CheckAdmission(ctx, "k", Estimate{CostUSD: 0.6})
			if err == nil {
				admitted.Add(1)
				admissions <- adm
				return
			}
			assert.True(t, apierror.Is(err, apierror.KindBudgetExceeded))
		}()
	}
	wg.Wait()
	close(admissions)

	assert.Equal(t, int32(1), admitted.Load())
	for adm := range admissions {
		adm.Settle(ctx, 0.6, 0)
	}
	u, err := l.Usage(ctx, "k")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, u.SpentUSD, 1e-9)
	assert.LessOrEqual(t, u.SpentUSD, 1.0)
}

func TestOvershootBoundedByOneRequest(t *testing.T) {
	l, _ := newTestLedger(t, models.APIKey{ID: "k", BudgetLimitUSD: 1.0})
	ctx := context.Background()
	require.NoError(t, l.RecordSpend(ctx, "k", 0.95))

	adm, err := l.CheckAdmission(ctx, "k", Estimate{CostUSD: 0.04})
	require.NoError(t, err)

	// larger completion than anticipated: overage is still charged
	const actual = 0.2
	adm.Settle(ctx, actual, 0)

	u, err := l.Usage(ctx, "k")
	require.NoError(t, err)
	assert.InDelta(t, 1.15, u.SpentUSD, 1e-9)
	assert.LessOrEqual(t, u.SpentUSD, 1.0+actual+1e-9)
	assert.Equal(t, 0.0, u.RemainingUSD)

	_, err = l.CheckAdmission(ctx, "k", Estimate{})
	assert.True(t, apierror.Is(err, apierror.KindBudgetExceeded))
}

func TestConcurrentSpendNoLostUpdates(t *testing.T) {
	store := newMemStore()
	l := New(WithStore(store))
	l.Sync([]models.APIKey{{ID: "k", BudgetLimitUSD: 100}})
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := l.CheckAdmission(ctx, "k", Estimate{CostUSD: 0.002})
			if !assert.NoError(t, err) {
				return
			}
			adm.Settle(ctx, 0.001, 5)
		}()
	}
	wg.Wait()

	u, err := l.Usage(ctx, "k")
	require.NoError(t, err)
	assert.InDelta(t, 0.2, u.SpentUSD, 1e-9)
	assert.Equal(t, 0.0, u.ReservedUSD)
	assert.Equal(t, 0, u.InFlight)
	assert.Equal(t, n, u.RPMUsed)
	assert.Equal(t, n*5, u.TPMUsed)

	states, _ := store.LoadKeyStates(ctx)
	assert.InDelta(t, 0.2, states["k"].SpentUSD, 1e-9)
}

func TestReleaseDoesNotCharge(t *testing.T) {
	l, _ := newTestLedger(t, models.APIKey{ID: "k", BudgetLimitUSD: 1.0})
	ctx := context.Background()

	adm, err := l.CheckAdmission(ctx, "k", Estimate{Tokens: 40, CostUSD: 0.9})
	require.NoError(t, err)

	u, _ := l.Usage(ctx, "k")
	assert.InDelta(t, 0.9, u.ReservedUSD, 1e-9)
	assert.InDelta(t, 0.1, u.RemainingUSD, 1e-9)

	adm.Release(ctx)
	adm.Settle(ctx, 5, 100) // no effect after release

	u, _ = l.Usage(ctx, "k")
	assert.Equal(t, 0.0, u.SpentUSD)
	assert.Equal(t, 0.0, u.ReservedUSD)
	assert.Equal(t, 1, u.RPMUsed)
	assert.Equal(t, 0, u.TPMUsed)
}

func TestAuthenticateAndRevoke(t *testing.T) {
	l, _ := newTestLedger(t, models.APIKey{ID: "k", KeyHash: "h1"})
	ctx := context.Background()

	key, err := l.Authenticate("h1")
	require.NoError(t, err)
	assert.Equal(t, "k", key.ID)

	_, err = l.Authenticate("nope")
	assert.True(t, apierror.Is(err, apierror.KindUnauthorized))

	require.NoError(t, l.Revoke(ctx, "k"))
	_, err = l.Authenticate("h1")
	assert.True(t, apierror.Is(err, apierror.KindUnauthorized))

	// a reload that lists the key as active does not undo revocation
	l.Sync([]models.APIKey{{ID: "k", KeyHash: "h1"}})
	_, err = l.CheckAdmission(ctx, "k", Estimate{})
	assert.True(t, apierror.Is(err, apierror.KindUnauthorized))
}

func TestSyncKeepsSpendAndDropsRemovedKeys(t *testing.T) {
	l, _ := newTestLedger(t,
		models.APIKey{ID: "a", KeyHash: "ha", BudgetLimitUSD: 1},
		models.APIKey{ID: "b", KeyHash: "hb"},
	)
	ctx := context.Background()
	require.NoError(t, l.RecordSpend(ctx, "a", 0.25))
	require.NoError(t, l.SetBudget(ctx, "a", 5))

	l.Sync([]models.APIKey{{ID: "a", KeyHash: "ha2", BudgetLimitUSD: 2, RPMLimit: 7}})

	_, err := l.Authenticate("hb")
	assert.Error(t, err)
	_, err = l.Authenticate("ha")
	assert.Error(t, err)

	key, err := l.Authenticate("ha2")
	require.NoError(t, err)
	assert.Equal(t, 7, key.RPMLimit)
	assert.InDelta(t, 0.25, key.BudgetSpentUSD, 1e-9)
	assert.Equal(t, 5.0, key.BudgetLimitUSD)
}

func TestRestoreFromStore(t *testing.T) {
	store := newMemStore()
	budget := 3.0
	store.states["k"] = KeyState{SpentUSD: 0.5, Revoked: false, BudgetOverride: &budget}
	store.states["gone"] = KeyState{Revoked: true}

	l := New(WithStore(store))
	require.NoError(t, l.Restore(context.Background()))
	l.Sync([]models.APIKey{{ID: "k", KeyHash: "h", BudgetLimitUSD: 1}, {ID: "gone", KeyHash: "g"}})

	key, err := l.Authenticate("h")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, key.BudgetSpentUSD, 1e-9)
	assert.Equal(t, 3.0, key.BudgetLimitUSD)

	_, err = l.Authenticate("g")
	assert.True(t, apierror.Is(err, apierror.KindUnauthorized))
}

func TestRedisWindowRateLimit(t *testing.T) {
	s := miniredis.RunT(t)
	client, err := redis.New(context.Background(), "redis://"+s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	l := New(WithWindow(NewRedisWindow(client, DefaultWindow)), WithClock(clock.Now))
	l.Sync([]models.APIKey{{ID: "k", RPMLimit: 1}})
	ctx := context.Background()

	_, err = l.CheckAdmission(ctx, "k", Estimate{Tokens: 3})
	require.NoError(t, err)
	_, err = l.CheckAdmission(ctx, "k", Estimate{Tokens: 3})
	assert.True(t, apierror.Is(err, apierror.KindRateLimited))

	u, err := l.Usage(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, u.RPMUsed)
	assert.Equal(t, 3, u.TPMUsed)
}
