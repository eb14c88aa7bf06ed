package refresher

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/stephnangue/granter/cache"
	"github.com/stephnangue/granter/cred"
	"github.com/stephnangue/granter/logger"
)

// Configuration defaults for the refresh scheduler.
const (
	// DefaultTickInterval is how often the tick loop scans the cache.
	// All refresh scheduling runs through this single loop — no per-entry timers.
	DefaultTickInterval = 5 * time.Second

	// DefaultMaxRetries is the number of consecutive refresh failures before
	// an entry is marked degraded.
	DefaultMaxRetries = 5

	// DefaultBackoffBase and DefaultBackoffCap bound the exponential backoff
	// between failed refresh attempts for one key.
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffCap  = 60 * time.Second

	// DefaultDegradedRetry is the cool-down before a degraded entry is given
	// a fresh attempt series.
	DefaultDegradedRetry = 5 * time.Minute

	// DefaultWorkerCount bounds concurrent refresh mints.
	DefaultWorkerCount = 4

	// refreshTimeout caps each individual mint performed by the scheduler.
	refreshTimeout = 30 * time.Second
)

// Config tunes the scheduler. Zero values fall back to the defaults above.
type Config struct {
	TickInterval  time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	DegradedRetry time.Duration
	WorkerCount   int
}

// Scheduler keeps the token cache warm. A single goroutine ticks every
// TickInterval and scans the cache; entries nearing expiry are refreshed by
// a bounded pool of workers, with exponential backoff between failures.
//
// Instead of per-entry timers (which create race conditions between
// concurrent callbacks), all scheduling state lives in the cache entries and
// the tick loop is the only scheduling driver.
type Scheduler struct {
	cache      *cache.Cache
	store      *cred.Store
	identities *cred.Registry
	log        logger.Logger

	tickInterval  time.Duration
	maxRetries    int
	backoffBase   time.Duration
	backoffCap    time.Duration
	degradedRetry time.Duration

	// workers is a semaphore bounding concurrent refresh mints.
	workers chan struct{}

	quitCtx    context.Context
	quitCancel context.CancelFunc
	wg         sync.WaitGroup

	// Channel for testing — signals when a refresh attempt completes.
	refreshDoneCh chan struct{}

	now func() time.Time
}

// New creates a refresh scheduler. Call Start to begin the tick loop.
func New(c *cache.Cache, store *cred.Store, identities *cred.Registry, cfg Config, log logger.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.DegradedRetry <= 0 {
		cfg.DegradedRetry = DefaultDegradedRetry
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cache:         c,
		store:         store,
		identities:    identities,
		log:           log.WithSubsystem("refresher"),
		tickInterval:  cfg.TickInterval,
		maxRetries:    cfg.MaxRetries,
		backoffBase:   cfg.BackoffBase,
		backoffCap:    cfg.BackoffCap,
		degradedRetry: cfg.DegradedRetry,
		workers:       make(chan struct{}, cfg.WorkerCount),
		quitCtx:       ctx,
		quitCancel:    cancel,
		refreshDoneCh: make(chan struct{}, 100),
		now:           time.Now,
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.tickLoop()

	s.log.Info("refresh scheduler started",
		logger.Duration("tick_interval", s.tickInterval),
		logger.Int("max_retries", s.maxRetries),
		logger.Int("workers", cap(s.workers)))
}

// Stop cancels the tick loop and waits for in-flight refreshes to finish.
func (s *Scheduler) Stop() {
	s.quitCancel()
	s.wg.Wait()
	s.log.Info("refresh scheduler stopped")
}

// RefreshDone exposes the test signal channel.
func (s *Scheduler) RefreshDone() <-chan struct{} {
	return s.refreshDoneCh
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quitCtx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick scans the cache and dispatches due entries to the worker pool.
func (s *Scheduler) tick() {
	for _, cand := range s.cache.Scan() {
		// The in-progress flag is claimed here, on the tick goroutine, so a
		// later tick can never double-dispatch the same key.
		if !s.cache.TryBeginRefresh(cand.Key) {
			continue
		}

		select {
		case s.workers <- struct{}{}:
		case <-s.quitCtx.Done():
			s.cache.FailRefresh(cand.Key, s.quitCtx.Err(), s.now())
			return
		}

		s.wg.Add(1)
		go func(cand cache.RefreshCandidate) {
			defer s.wg.Done()
			defer func() { <-s.workers }()
			s.refresh(cand)
		}(cand)
	}
}

// refresh performs one mint attempt for a due entry.
func (s *Scheduler) refresh(cand cache.RefreshCandidate) {
	defer s.signalDone()

	identity, err := s.identities.Get(cand.Identity)
	if err != nil {
		// Identity revoked with a stale entry left behind.
		s.cache.Invalidate(cand.Identity, cand.Scopes)
		s.log.Debug("dropped cache entry for unknown identity",
			logger.String("identity", cand.Identity))
		return
	}

	ctx, cancel := context.WithTimeout(s.quitCtx, refreshTimeout)
	defer cancel()

	token, err := s.store.Mint(ctx, identity, cand.Scopes)
	if err == nil {
		s.cache.CompleteRefresh(cand.Key, token)
		s.log.Debug("token refreshed",
			logger.String("identity", cand.Identity),
			logger.String("scopes", cand.Scopes.Key()),
			logger.Time("expires_at", token.ExpiresAt))
		return
	}

	// Rejections and configuration failures are not retried: more attempts
	// cannot succeed until the identity or its secret is fixed.
	if errors.Is(err, cred.ErrAuthDenied) || errors.Is(err, cred.ErrSecretUnavailable) {
		s.cache.MarkDegraded(cand.Key, err, s.degradedRetry)
		s.log.Warn("refresh rejected, entry degraded",
			logger.String("identity", cand.Identity),
			logger.String("scopes", cand.Scopes.Key()),
			logger.Err(err))
		return
	}

	attempts := s.cache.FailRefresh(cand.Key, err, s.now().Add(s.calculateBackoff(cand.Attempts+1)))
	if attempts >= s.maxRetries {
		s.cache.MarkDegraded(cand.Key, err, s.degradedRetry)
		s.log.Warn("refresh retries exhausted, entry degraded",
			logger.String("identity", cand.Identity),
			logger.String("scopes", cand.Scopes.Key()),
			logger.Int("attempts", attempts),
			logger.Err(err))
		return
	}

	s.log.Debug("refresh failed, backing off",
		logger.String("identity", cand.Identity),
		logger.Int("attempts", attempts),
		logger.Err(err))
}

// calculateBackoff computes exponential backoff for a given attempt count.
func (s *Scheduler) calculateBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := s.backoffBase << (attempts - 1)
	if backoff > s.backoffCap || backoff <= 0 {
		backoff = s.backoffCap
	}
	return jitterDuration(backoff, 0.20)
}

// jitterDuration adds a random jitter to a duration.
// pct is the maximum jitter as a fraction (e.g., 0.05 = 5%).
func jitterDuration(d time.Duration, pct float64) time.Duration {
	if d <= 0 || pct <= 0 {
		return d
	}
	maxJitter := int64(float64(d) * pct)
	if maxJitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(maxJitter))
}

// signalDone sends a signal on the refreshDoneCh for testing.
func (s *Scheduler) signalDone() {
	select {
	case s.refreshDoneCh <- struct{}{}:
	default:
	}
}
