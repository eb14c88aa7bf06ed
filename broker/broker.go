package broker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/stephnangue/granter/cache"
	"github.com/stephnangue/granter/cred"
	"github.com/stephnangue/granter/logger"
	"github.com/stephnangue/granter/ratelimit"
)

// DefaultIssuanceTimeout caps a synchronous cold-start mint.
const DefaultIssuanceTimeout = 30 * time.Second

// claimPollInterval is how often a synchronous mint re-checks the cache
// while the refresh scheduler holds the key's in-flight claim.
const claimPollInterval = 10 * time.Millisecond

// Outcome is a calling module's report of how a brokered call went.
type Outcome string

const (
	// OutcomeSuccess reports a call that the downstream service accepted.
	OutcomeSuccess Outcome = "success"

	// OutcomeAuthRejected reports a call the downstream service rejected as
	// unauthenticated, meaning the token was likely revoked mid-lifetime.
	OutcomeAuthRejected Outcome = "auth_rejected"
)

// Broker is the single entry point the service modules use to obtain a
// valid, scoped, rate-limit-cleared credential for an outbound call.
type Broker struct {
	identities *cred.Registry
	store      *cred.Store
	cache      *cache.Cache
	limiter    *ratelimit.Limiter
	log        logger.Logger

	group singleflight.Group

	// issuanceTimeout holds nanoseconds; atomic so SetIssuanceTimeout is
	// safe against concurrent acquires.
	issuanceTimeout atomic.Int64
}

// New creates a session broker over the given components.
func New(identities *cred.Registry, store *cred.Store, c *cache.Cache, limiter *ratelimit.Limiter, log logger.Logger) *Broker {
	b := &Broker{
		identities: identities,
		store:      store,
		cache:      c,
		limiter:    limiter,
		log:        log.WithSubsystem("broker"),
	}
	b.issuanceTimeout.Store(int64(DefaultIssuanceTimeout))
	return b
}

// SetIssuanceTimeout overrides the synchronous mint timeout.
// Non-positive values reset to the default.
func (b *Broker) SetIssuanceTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultIssuanceTimeout
	}
	b.issuanceTimeout.Store(int64(timeout))
}

// Acquire returns a valid token for the identity, scoped to requiredScopes,
// for a call against service.
//
// The call never blocks on the rate limiter: over-budget calls fail fast
// with a *RateLimitedError carrying the wait hint. Cache misses coalesce so
// that concurrent acquires for the same (identity, scopes) trigger exactly
// one mint; every waiter receives the resulting token or the resulting
// failure. A caller abandoning the wait (context cancellation) does not
// affect the in-flight mint for other waiters.
func (b *Broker) Acquire(ctx context.Context, identityName string, requiredScopes []string, service string) (*cred.Token, error) {
	identity, err := b.identities.Get(identityName)
	if err != nil {
		return nil, err
	}
	scopes := cred.NewScopeSet(requiredScopes...)

	if d := b.limiter.Admit(identityName, service); !d.Allowed {
		b.log.Debug("admission deferred",
			logger.String("identity", identityName),
			logger.String("service", service),
			logger.Duration("retry_after", d.RetryAfter))
		return nil, &RateLimitedError{Identity: identityName, Service: service, RetryAfter: d.RetryAfter}
	}

	if token := b.cache.Get(identityName, scopes); token != nil {
		return token, nil
	}

	// A degraded entry means the scheduler has exhausted its retries; a
	// synchronous mint here would just duplicate its backoff.
	if derr := b.cache.DegradedError(identityName, scopes); derr != nil {
		return nil, &DegradedError{Identity: identityName, Err: derr}
	}

	key := cache.Key(identityName, scopes)
	ch := b.group.DoChan(key, func() (interface{}, error) {
		// Double-check cache in case another goroutine just added it
		if token := b.cache.Get(identityName, scopes); token != nil {
			return token, nil
		}

		// The mint is detached from the triggering caller's context so its
		// cancellation cannot fail the other waiters.
		mintCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
			time.Duration(b.issuanceTimeout.Load()))
		defer cancel()

		// The cache's refresh flag is the single in-flight claim per key.
		// When the scheduler holds it, its result serves this acquire; only
		// after a failed refresh releases the flag does the mint run here.
		for !b.cache.TryBeginMint(identityName, scopes) {
			select {
			case <-mintCtx.Done():
				b.group.Forget(key)
				return nil, mintCtx.Err()
			case <-time.After(claimPollInterval):
			}
			if token := b.cache.Get(identityName, scopes); token != nil {
				return token, nil
			}
			if derr := b.cache.DegradedError(identityName, scopes); derr != nil {
				b.group.Forget(key)
				return nil, &DegradedError{Identity: identityName, Err: derr}
			}
		}

		requestID := uuid.New().String()
		token, err := b.store.Mint(mintCtx, identity, scopes)
		if err != nil {
			// Don't cache errors - allow the next acquire to retry
			b.cache.AbortMint(key)
			b.group.Forget(key)
			b.log.Debug("synchronous mint failed",
				logger.String("request_id", requestID),
				logger.String("identity", identityName),
				logger.Err(err))
			return nil, err
		}

		b.cache.CompleteRefresh(key, token)
		b.log.Debug("synchronous mint completed",
			logger.String("request_id", requestID),
			logger.String("identity", identityName),
			logger.String("scopes", scopes.Key()),
			logger.String("fingerprint", token.Fingerprint()))
		return token, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cred.Token), nil
	}
}

// ReportOutcome records the result of a brokered call. An auth-rejected
// outcome invalidates the cached token preemptively rather than waiting for
// natural expiry.
func (b *Broker) ReportOutcome(ctx context.Context, identityName string, requiredScopes []string, service string, outcome Outcome) {
	if outcome != OutcomeAuthRejected {
		return
	}
	scopes := cred.NewScopeSet(requiredScopes...)
	b.cache.Invalidate(identityName, scopes)
	b.log.Info("cached token invalidated after auth rejection",
		logger.String("identity", identityName),
		logger.String("scopes", scopes.Key()),
		logger.String("service", service))
}

// RevokeIdentity removes an identity and invalidates all of its cached
// tokens.
func (b *Broker) RevokeIdentity(identityName string) error {
	if err := b.identities.Revoke(identityName); err != nil {
		return err
	}
	removed := b.cache.InvalidateIdentity(identityName)
	b.log.Info("identity revoked",
		logger.String("identity", identityName),
		logger.Int("tokens_invalidated", removed))
	return nil
}
