package cache

import (
	"sync"
	"time"

	"github.com/stephnangue/granter/cred"
)

// Default tuning values, overridable through config.
const (
	// DefaultRenewalThreshold is how long before expiry a token is treated
	// as absent by Get and becomes eligible for background refresh.
	DefaultRenewalThreshold = 5 * time.Minute

	// DefaultEvictionGrace is how long an expired entry may sit unaccessed
	// before the scheduler's scan evicts it.
	DefaultEvictionGrace = 5 * time.Minute
)

// Key builds the cache key for an identity and canonical scope set.
func Key(identity string, scopes cred.ScopeSet) string {
	return identity + ":" + scopes.Key()
}

// entry is the cached state for one (identity, scope set) key.
//
// All fields are protected by the cache mutex. refreshing guards the
// at-most-one-in-flight-refresh invariant; degraded marks entries whose
// refresh attempts have exhausted retries.
type entry struct {
	identity string
	scopes   cred.ScopeSet

	token *cred.Token

	refreshing  bool
	attempts    int
	nextAttempt time.Time
	degraded    bool
	lastErr     error

	lastAccess time.Time
}

// RefreshCandidate describes an entry the refresh scheduler should work on.
type RefreshCandidate struct {
	Key      string
	Identity string
	Scopes   cred.ScopeSet
	Attempts int
	Degraded bool
}

// Cache holds minted tokens keyed by (identity, canonical scope set).
// All state is in memory and owned by this type; callers only see immutable
// Token values.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	renewalThreshold time.Duration
	evictionGrace    time.Duration

	now func() time.Time
}

// New creates a token cache. Non-positive durations fall back to defaults.
func New(renewalThreshold, evictionGrace time.Duration) *Cache {
	if renewalThreshold <= 0 {
		renewalThreshold = DefaultRenewalThreshold
	}
	if evictionGrace <= 0 {
		evictionGrace = DefaultEvictionGrace
	}
	return &Cache{
		entries:          make(map[string]*entry),
		renewalThreshold: renewalThreshold,
		evictionGrace:    evictionGrace,
		now:              time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// RenewalThreshold returns the configured renewal threshold.
func (c *Cache) RenewalThreshold() time.Duration {
	return c.renewalThreshold
}

// Get returns the cached token for the key, or nil. A token expiring within
// the renewal threshold is treated as absent so in-flight calls never ride
// on a token about to expire.
func (c *Cache) Get(identity string, scopes cred.ScopeSet) *cred.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[Key(identity, scopes)]
	if !ok || e.token == nil {
		return nil
	}

	now := c.now()
	e.lastAccess = now

	if e.token.ExpiresWithin(now, c.renewalThreshold) {
		return nil
	}
	return e.token
}

// DegradedError returns the error recorded for a degraded entry, or nil if
// the entry is absent or healthy.
func (c *Cache) DegradedError(identity string, scopes cred.ScopeSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[Key(identity, scopes)]
	if !ok || !e.degraded {
		return nil
	}
	return e.lastErr
}

// Put stores a freshly minted token, replacing any previous token for the
// key and clearing failure state.
func (c *Cache) Put(identity string, scopes cred.ScopeSet, token *cred.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(identity, scopes)
	e, ok := c.entries[key]
	if !ok {
		e = &entry{identity: identity, scopes: scopes}
		c.entries[key] = e
	}
	e.token = token
	e.attempts = 0
	e.nextAttempt = time.Time{}
	e.degraded = false
	e.lastErr = nil
	e.lastAccess = c.now()
}

// Invalidate removes the entry for the key. A refresh in flight for the key
// completes against the deleted entry and its result is dropped.
func (c *Cache) Invalidate(identity string, scopes cred.ScopeSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, Key(identity, scopes))
}

// InvalidateIdentity removes all entries owned by the identity. Used when an
// identity is revoked.
func (c *Cache) InvalidateIdentity(identity string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.identity == identity {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Scan returns the entries due for refresh and evicts expired entries that
// have not been accessed within the grace window. Called by the refresh
// scheduler on every tick.
//
// An entry is due when it is not already refreshing, it has been accessed
// within the grace window, its token expires within the renewal threshold,
// and its backoff deadline has passed. Degraded entries become due again
// once their cool-down deadline passes.
func (c *Cache) Scan() []RefreshCandidate {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var due []RefreshCandidate

	for key, e := range c.entries {
		if !e.refreshing && e.token != nil &&
			now.After(e.token.ExpiresAt) &&
			now.Sub(e.lastAccess) > c.evictionGrace &&
			!e.degraded {
			delete(c.entries, key)
			continue
		}

		if e.refreshing {
			continue
		}
		if !e.nextAttempt.IsZero() && now.Before(e.nextAttempt) {
			continue
		}
		// An entry nobody has read for a full grace window is no longer kept
		// warm: its token runs out and the eviction path above removes it.
		// Degraded entries stay on their cool-down schedule so a fixed
		// upstream still heals them.
		if !e.degraded && now.Sub(e.lastAccess) > c.evictionGrace {
			continue
		}
		if !e.degraded && (e.token == nil || !e.token.ExpiresWithin(now, c.renewalThreshold)) {
			continue
		}

		due = append(due, RefreshCandidate{
			Key:      key,
			Identity: e.identity,
			Scopes:   e.scopes,
			Attempts: e.attempts,
			Degraded: e.degraded,
		})
	}

	return due
}

// TryBeginMint claims the refresh-in-progress flag for a synchronous mint,
// creating the entry when none exists. It returns false while the scheduler
// (or another mint) holds the flag, and for degraded entries. The flag is
// the single claim per key: a caller that fails to take it waits for the
// holder's result instead of minting concurrently.
func (c *Cache) TryBeginMint(identity string, scopes cred.ScopeSet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(identity, scopes)
	e, ok := c.entries[key]
	if !ok {
		e = &entry{identity: identity, scopes: scopes, lastAccess: c.now()}
		c.entries[key] = e
	}
	if e.refreshing || e.degraded {
		return false
	}
	e.refreshing = true
	return true
}

// AbortMint releases the flag after a failed synchronous mint without
// recording a refresh failure. An entry that never held a token is removed
// so it cannot linger unrefreshable.
func (c *Cache) AbortMint(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.refreshing = false
	if e.token == nil {
		delete(c.entries, key)
	}
}

// TryBeginRefresh sets the refresh-in-progress flag for the key. It returns
// false when the entry is gone or a refresh is already in flight, so at most
// one refresh runs per key at any time.
func (c *Cache) TryBeginRefresh(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.refreshing {
		return false
	}
	e.refreshing = true
	// A degraded entry re-entering refresh starts a fresh attempt series.
	if e.degraded {
		e.attempts = 0
	}
	return true
}

// CompleteRefresh installs the refreshed token and clears the in-progress
// flag and any failure state. The result is dropped if the entry was
// invalidated while the refresh was in flight.
func (c *Cache) CompleteRefresh(key string, token *cred.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.token = token
	e.refreshing = false
	e.attempts = 0
	e.nextAttempt = time.Time{}
	e.degraded = false
	e.lastErr = nil
}

// FailRefresh records a failed refresh attempt, clears the in-progress flag,
// and schedules the next attempt. It returns the consecutive failure count.
func (c *Cache) FailRefresh(key string, err error, nextAttempt time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0
	}
	e.refreshing = false
	e.attempts++
	e.nextAttempt = nextAttempt
	e.lastErr = err
	return e.attempts
}

// MarkDegraded flags the entry as degraded with the given error. The entry
// is surfaced as a failure to callers until a later refresh, scheduled after
// retryAfter, succeeds.
func (c *Cache) MarkDegraded(key string, err error, retryAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.refreshing = false
	e.degraded = true
	e.lastErr = err
	e.nextAttempt = c.now().Add(retryAfter)
}
