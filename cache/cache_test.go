package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/granter/cred"
)

// ===== Helpers =====

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newToken(clock *fakeClock, identity string, scopes cred.ScopeSet, ttl time.Duration) *cred.Token {
	return &cred.Token{
		Value:     "tok-" + identity,
		Identity:  identity,
		Scopes:    scopes,
		IssuedAt:  clock.Now(),
		ExpiresAt: clock.Now().Add(ttl),
		Issuer:    "https://auth.test",
	}
}

// ===== Tests =====

func TestCache_PutAndGet(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("sheets.read")
	token := newToken(clock, "svc-a", scopes, time.Hour)
	c.Put("svc-a", scopes, token)

	got := c.Get("svc-a", scopes)
	require.NotNil(t, got)
	assert.Equal(t, token.Value, got.Value)

	assert.Nil(t, c.Get("svc-b", scopes))
	assert.Nil(t, c.Get("svc-a", cred.NewScopeSet("other")))
}

func TestCache_KeyIgnoresScopeOrder(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	ab := cred.NewScopeSet("a", "b")
	ba := cred.NewScopeSet("b", "a")

	c.Put("svc-a", ab, newToken(clock, "svc-a", ab, time.Hour))
	assert.NotNil(t, c.Get("svc-a", ba))
	assert.Equal(t, 1, c.Len())
}

func TestCache_GetTreatsNearExpiryAsAbsent(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")
	c.Put("svc-a", scopes, newToken(clock, "svc-a", scopes, 10*time.Minute))

	require.NotNil(t, c.Get("svc-a", scopes))

	// Cross into the renewal threshold: 10m ttl - 6m elapsed = 4m remaining.
	clock.Advance(6 * time.Minute)
	assert.Nil(t, c.Get("svc-a", scopes))
	assert.Equal(t, 1, c.Len())
}

func TestCache_Invalidate(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")
	c.Put("svc-a", scopes, newToken(clock, "svc-a", scopes, time.Hour))
	c.Invalidate("svc-a", scopes)

	assert.Nil(t, c.Get("svc-a", scopes))
	assert.Equal(t, 0, c.Len())
}

func TestCache_InvalidateIdentity(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	s1 := cred.NewScopeSet("a")
	s2 := cred.NewScopeSet("b")
	c.Put("svc-a", s1, newToken(clock, "svc-a", s1, time.Hour))
	c.Put("svc-a", s2, newToken(clock, "svc-a", s2, time.Hour))
	c.Put("svc-b", s1, newToken(clock, "svc-b", s1, time.Hour))

	assert.Equal(t, 2, c.InvalidateIdentity("svc-a"))
	assert.Equal(t, 1, c.Len())
	assert.NotNil(t, c.Get("svc-b", s1))
}

func TestCache_ScanReturnsDueEntries(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 10*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")
	c.Put("svc-a", scopes, newToken(clock, "svc-a", scopes, time.Hour))
	c.Put("svc-b", scopes, newToken(clock, "svc-b", scopes, 10*time.Minute))

	// Nothing within threshold yet.
	assert.Empty(t, c.Scan())

	// svc-b now has 4 minutes left, svc-a still has 54.
	clock.Advance(6 * time.Minute)
	due := c.Scan()
	require.Len(t, due, 1)
	assert.Equal(t, "svc-b", due[0].Identity)
	assert.Equal(t, Key("svc-b", scopes), due[0].Key)
	assert.False(t, due[0].Degraded)
}

func TestCache_ScanHonorsBackoffDeadline(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 10*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")
	c.Put("svc-a", scopes, newToken(clock, "svc-a", scopes, 10*time.Minute))
	key := Key("svc-a", scopes)

	clock.Advance(6 * time.Minute)
	require.Len(t, c.Scan(), 1)

	require.True(t, c.TryBeginRefresh(key))
	attempts := c.FailRefresh(key, errors.New("exchange timeout"), clock.Now().Add(30*time.Second))
	assert.Equal(t, 1, attempts)

	// Backoff deadline not reached.
	assert.Empty(t, c.Scan())

	clock.Advance(31 * time.Second)
	due := c.Scan()
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
}

func TestCache_ScanEvictsExpiredUnaccessedEntries(t *testing.T) {
	clock := newFakeClock()
	c := New(time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")
	c.Put("svc-a", scopes, newToken(clock, "svc-a", scopes, 10*time.Minute))

	// Token expires, then the grace window passes with no access.
	clock.Advance(16 * time.Minute)
	c.Scan()
	assert.Equal(t, 0, c.Len())
}

func TestCache_ScanKeepsRecentlyAccessedExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	c := New(time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")
	c.Put("svc-a", scopes, newToken(clock, "svc-a", scopes, 10*time.Minute))

	clock.Advance(11 * time.Minute)
	c.Get("svc-a", scopes) // refreshes lastAccess

	clock.Advance(3 * time.Minute)
	due := c.Scan()
	assert.Equal(t, 1, c.Len())
	assert.Len(t, due, 1)
}

func TestCache_ScanStopsRefreshingIdleEntries(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")
	c.Put("svc-a", scopes, newToken(clock, "svc-a", scopes, 10*time.Minute))

	// Inside the renewal threshold but unread for longer than the grace
	// window: the entry is left to expire instead of being kept warm.
	clock.Advance(6 * time.Minute)
	assert.Empty(t, c.Scan())

	// Once the token has expired the entry is evicted.
	clock.Advance(5 * time.Minute)
	c.Scan()
	assert.Equal(t, 0, c.Len())
}

func TestCache_ScanKeepsWarmingAccessedEntries(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")
	c.Put("svc-a", scopes, newToken(clock, "svc-a", scopes, 10*time.Minute))

	clock.Advance(6 * time.Minute)
	c.Get("svc-a", scopes) // reader still interested

	due := c.Scan()
	require.Len(t, due, 1)
	assert.Equal(t, "svc-a", due[0].Identity)
}

func TestCache_TryBeginMintCreatesAndClaims(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")

	// First claim creates the entry and takes the flag.
	require.True(t, c.TryBeginMint("svc-a", scopes))
	assert.Equal(t, 1, c.Len())

	// The flag is exclusive against both mints and refreshes.
	assert.False(t, c.TryBeginMint("svc-a", scopes))
	assert.False(t, c.TryBeginRefresh(Key("svc-a", scopes)))

	c.CompleteRefresh(Key("svc-a", scopes), newToken(clock, "svc-a", scopes, time.Hour))
	assert.NotNil(t, c.Get("svc-a", scopes))
}

func TestCache_TryBeginMintRefusesHeldAndDegradedEntries(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")
	c.Put("svc-a", scopes, newToken(clock, "svc-a", scopes, 10*time.Minute))
	key := Key("svc-a", scopes)

	// Scheduler holds the flag.
	require.True(t, c.TryBeginRefresh(key))
	assert.False(t, c.TryBeginMint("svc-a", scopes))

	c.MarkDegraded(key, errors.New("denied"), time.Hour)
	assert.False(t, c.TryBeginMint("svc-a", scopes))
}

func TestCache_AbortMint(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")

	// A cold-start claim that fails leaves nothing behind.
	require.True(t, c.TryBeginMint("svc-a", scopes))
	c.AbortMint(Key("svc-a", scopes))
	assert.Equal(t, 0, c.Len())

	// Aborting over an existing token keeps the entry and frees the flag.
	c.Put("svc-b", scopes, newToken(clock, "svc-b", scopes, time.Hour))
	require.True(t, c.TryBeginMint("svc-b", scopes))
	c.AbortMint(Key("svc-b", scopes))
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.TryBeginMint("svc-b", scopes))
}

func TestCache_TryBeginRefreshIsExclusive(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")
	c.Put("svc-a", scopes, newToken(clock, "svc-a", scopes, time.Hour))
	key := Key("svc-a", scopes)

	assert.True(t, c.TryBeginRefresh(key))
	assert.False(t, c.TryBeginRefresh(key))
	assert.False(t, c.TryBeginRefresh("missing:key"))

	c.CompleteRefresh(key, newToken(clock, "svc-a", scopes, time.Hour))
	assert.True(t, c.TryBeginRefresh(key))
}

func TestCache_RefreshingEntryNotRescanned(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 10*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")
	c.Put("svc-a", scopes, newToken(clock, "svc-a", scopes, 10*time.Minute))

	clock.Advance(6 * time.Minute)
	require.Len(t, c.Scan(), 1)
	require.True(t, c.TryBeginRefresh(Key("svc-a", scopes)))
	assert.Empty(t, c.Scan())
}

func TestCache_CompleteRefreshDropsResultAfterInvalidation(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")
	c.Put("svc-a", scopes, newToken(clock, "svc-a", scopes, time.Hour))
	key := Key("svc-a", scopes)

	require.True(t, c.TryBeginRefresh(key))
	c.Invalidate("svc-a", scopes)
	c.CompleteRefresh(key, newToken(clock, "svc-a", scopes, time.Hour))

	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Get("svc-a", scopes))
}

func TestCache_DegradedLifecycle(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")
	c.Put("svc-a", scopes, newToken(clock, "svc-a", scopes, 10*time.Minute))
	key := Key("svc-a", scopes)

	require.Nil(t, c.DegradedError("svc-a", scopes))

	require.True(t, c.TryBeginRefresh(key))
	cause := errors.New("authorization rejected")
	c.MarkDegraded(key, cause, 5*time.Minute)

	assert.ErrorIs(t, c.DegradedError("svc-a", scopes), cause)

	// Before the cool-down deadline the entry is not due.
	assert.Empty(t, c.Scan())

	// After the cool-down the degraded entry is due again, with attempts
	// reset on the next claim.
	clock.Advance(6 * time.Minute)
	due := c.Scan()
	require.Len(t, due, 1)
	assert.True(t, due[0].Degraded)

	require.True(t, c.TryBeginRefresh(key))
	c.CompleteRefresh(key, newToken(clock, "svc-a", scopes, time.Hour))

	assert.Nil(t, c.DegradedError("svc-a", scopes))
	assert.NotNil(t, c.Get("svc-a", scopes))
}

func TestCache_PutClearsDegradedState(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Minute, 5*time.Minute)
	c.SetClock(clock.Now)

	scopes := cred.NewScopeSet("s")
	c.Put("svc-a", scopes, newToken(clock, "svc-a", scopes, 10*time.Minute))
	key := Key("svc-a", scopes)

	require.True(t, c.TryBeginRefresh(key))
	c.MarkDegraded(key, errors.New("denied"), 5*time.Minute)
	require.Error(t, c.DegradedError("svc-a", scopes))

	c.Put("svc-a", scopes, newToken(clock, "svc-a", scopes, time.Hour))
	assert.Nil(t, c.DegradedError("svc-a", scopes))
	assert.NotNil(t, c.Get("svc-a", scopes))
}
