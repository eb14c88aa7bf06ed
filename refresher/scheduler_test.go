package refresher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/granter/cache"
	"github.com/stephnangue/granter/cred"
	"github.com/stephnangue/granter/logger"
)

// ===== Mock Implementations =====

type mockExchanger struct {
	exchangeFunc  func(ctx context.Context, req *cred.ExchangeRequest) (*cred.ExchangeResponse, error)
	exchangeCalls atomic.Int32
}

func (m *mockExchanger) Exchange(ctx context.Context, req *cred.ExchangeRequest) (*cred.ExchangeResponse, error) {
	m.exchangeCalls.Add(1)
	if m.exchangeFunc != nil {
		return m.exchangeFunc(ctx, req)
	}
	return &cred.ExchangeResponse{AccessToken: "refreshed-tok", ExpiresIn: time.Hour}, nil
}

// ===== Helpers =====

type fixture struct {
	cache     *cache.Cache
	exchanger *mockExchanger
	scheduler *Scheduler
	scopes    cred.ScopeSet
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	identities := cred.NewRegistry()
	require.NoError(t, identities.Register(&cred.Identity{
		Name:      "svc-a",
		Kind:      cred.KindServiceAccount,
		SecretRef: "ref/sa",
	}))

	secrets := cred.NewStaticSource(map[string]string{"ref/sa": "key-material"})
	exchanger := &mockExchanger{}
	store := cred.NewStore(secrets, exchanger, logger.NewTestLogger())

	c := cache.New(5*time.Minute, 5*time.Minute)

	s := New(c, store, identities, cfg, logger.NewTestLogger())
	t.Cleanup(s.Stop)

	return &fixture{
		cache:     c,
		exchanger: exchanger,
		scheduler: s,
		scopes:    cred.NewScopeSet("sheets.read"),
	}
}

func (f *fixture) putNearExpiry(identity string) {
	now := time.Now()
	f.cache.Put(identity, f.scopes, &cred.Token{
		Value:     "stale-tok",
		Identity:  identity,
		Scopes:    f.scopes,
		IssuedAt:  now.Add(-time.Hour),
		ExpiresAt: now.Add(time.Minute), // inside the 5m renewal threshold
		Issuer:    "https://auth.test",
	})
}

func waitRefreshes(t *testing.T, s *Scheduler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.RefreshDone():
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for refresh %d of %d", i+1, n)
		}
	}
}

// ===== Tests =====

func TestScheduler_RefreshesNearExpiryEntry(t *testing.T) {
	f := newFixture(t, Config{TickInterval: 10 * time.Millisecond})
	f.putNearExpiry("svc-a")

	f.scheduler.Start()
	waitRefreshes(t, f.scheduler, 1)

	token := f.cache.Get("svc-a", f.scopes)
	require.NotNil(t, token)
	assert.Equal(t, "refreshed-tok", token.Value)
	assert.Equal(t, int32(1), f.exchanger.exchangeCalls.Load())
}

func TestScheduler_TransientFailureBacksOffThenRecovers(t *testing.T) {
	f := newFixture(t, Config{
		TickInterval: 10 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
		MaxRetries:   5,
	})

	var failures atomic.Int32
	f.exchanger.exchangeFunc = func(ctx context.Context, req *cred.ExchangeRequest) (*cred.ExchangeResponse, error) {
		if failures.Add(1) <= 2 {
			return nil, errors.New("authorization service unavailable")
		}
		return &cred.ExchangeResponse{AccessToken: "recovered-tok", ExpiresIn: time.Hour}, nil
	}

	f.putNearExpiry("svc-a")
	f.scheduler.Start()
	waitRefreshes(t, f.scheduler, 3)

	token := f.cache.Get("svc-a", f.scopes)
	require.NotNil(t, token)
	assert.Equal(t, "recovered-tok", token.Value)
	assert.Nil(t, f.cache.DegradedError("svc-a", f.scopes))
}

func TestScheduler_DegradesAfterMaxRetries(t *testing.T) {
	f := newFixture(t, Config{
		TickInterval:  10 * time.Millisecond,
		BackoffBase:   time.Millisecond,
		BackoffCap:    2 * time.Millisecond,
		MaxRetries:    3,
		DegradedRetry: time.Hour, // keep it degraded for the rest of the test
	})

	cause := errors.New("authorization service unavailable")
	f.exchanger.exchangeFunc = func(ctx context.Context, req *cred.ExchangeRequest) (*cred.ExchangeResponse, error) {
		return nil, cause
	}

	f.putNearExpiry("svc-a")
	f.scheduler.Start()
	waitRefreshes(t, f.scheduler, 3)

	assert.ErrorIs(t, f.cache.DegradedError("svc-a", f.scopes), cause)
	assert.Equal(t, int32(3), f.exchanger.exchangeCalls.Load())
}

func TestScheduler_AuthDeniedDegradesImmediately(t *testing.T) {
	f := newFixture(t, Config{
		TickInterval:  10 * time.Millisecond,
		MaxRetries:    5,
		DegradedRetry: time.Hour,
	})

	f.exchanger.exchangeFunc = func(ctx context.Context, req *cred.ExchangeRequest) (*cred.ExchangeResponse, error) {
		return nil, cred.ErrAuthDenied
	}

	f.putNearExpiry("svc-a")
	f.scheduler.Start()
	waitRefreshes(t, f.scheduler, 1)

	assert.ErrorIs(t, f.cache.DegradedError("svc-a", f.scopes), cred.ErrAuthDenied)
	assert.Equal(t, int32(1), f.exchanger.exchangeCalls.Load())
}

func TestScheduler_DegradedEntryRetriedAfterCoolDown(t *testing.T) {
	f := newFixture(t, Config{
		TickInterval:  10 * time.Millisecond,
		MaxRetries:    1,
		BackoffBase:   time.Millisecond,
		DegradedRetry: 50 * time.Millisecond,
	})

	var failures atomic.Int32
	f.exchanger.exchangeFunc = func(ctx context.Context, req *cred.ExchangeRequest) (*cred.ExchangeResponse, error) {
		if failures.Add(1) == 1 {
			return nil, errors.New("authorization service unavailable")
		}
		return &cred.ExchangeResponse{AccessToken: "post-cooldown-tok", ExpiresIn: time.Hour}, nil
	}

	f.putNearExpiry("svc-a")
	f.scheduler.Start()

	// First attempt fails and exhausts MaxRetries=1, degrading the entry.
	waitRefreshes(t, f.scheduler, 1)
	require.Error(t, f.cache.DegradedError("svc-a", f.scopes))

	// After the cool-down the scheduler retries and the entry recovers.
	waitRefreshes(t, f.scheduler, 1)
	assert.Nil(t, f.cache.DegradedError("svc-a", f.scopes))
	token := f.cache.Get("svc-a", f.scopes)
	require.NotNil(t, token)
	assert.Equal(t, "post-cooldown-tok", token.Value)
}

func TestScheduler_RevokedIdentityEntryDropped(t *testing.T) {
	f := newFixture(t, Config{TickInterval: 10 * time.Millisecond})

	// An entry for an identity the registry does not know.
	now := time.Now()
	f.cache.Put("ghost", f.scopes, &cred.Token{
		Value:     "tok",
		Identity:  "ghost",
		Scopes:    f.scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Minute),
	})

	f.scheduler.Start()
	waitRefreshes(t, f.scheduler, 1)

	assert.Equal(t, 0, f.cache.Len())
	assert.Equal(t, int32(0), f.exchanger.exchangeCalls.Load())
}

func TestScheduler_FreshEntryNotRefreshed(t *testing.T) {
	f := newFixture(t, Config{TickInterval: 10 * time.Millisecond})

	now := time.Now()
	f.cache.Put("svc-a", f.scopes, &cred.Token{
		Value:     "fresh-tok",
		Identity:  "svc-a",
		Scopes:    f.scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})

	f.scheduler.Start()
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(0), f.exchanger.exchangeCalls.Load())
	token := f.cache.Get("svc-a", f.scopes)
	require.NotNil(t, token)
	assert.Equal(t, "fresh-tok", token.Value)
}

func TestScheduler_CalculateBackoff(t *testing.T) {
	s := New(cache.New(0, 0), nil, cred.NewRegistry(), Config{
		BackoffBase: time.Second,
		BackoffCap:  60 * time.Second,
	}, logger.NewTestLogger())
	defer s.Stop()

	tests := []struct {
		attempts int
		min      time.Duration
		max      time.Duration
	}{
		{attempts: 1, min: time.Second, max: 1200 * time.Millisecond},
		{attempts: 2, min: 2 * time.Second, max: 2400 * time.Millisecond},
		{attempts: 4, min: 8 * time.Second, max: 9600 * time.Millisecond},
		{attempts: 10, min: 60 * time.Second, max: 72 * time.Second},
		{attempts: 100, min: 60 * time.Second, max: 72 * time.Second}, // shift overflow hits the cap
	}
	for _, tt := range tests {
		got := s.calculateBackoff(tt.attempts)
		assert.GreaterOrEqual(t, got, tt.min, "attempts=%d", tt.attempts)
		assert.LessOrEqual(t, got, tt.max, "attempts=%d", tt.attempts)
	}
}
