package cred

import (
	"context"
	"fmt"
	"time"

	"github.com/stephnangue/granter/logger"
)

// StaticTokenTTL is the validity window assigned to tokens minted from
// static identities. The underlying API key does not expire, but a bounded
// window keeps the cache re-reading the secret reference so key rotations on
// disk are picked up.
const StaticTokenTTL = 12 * time.Hour

// ExchangeRequest carries a resolved secret to the authorization service.
type ExchangeRequest struct {
	Identity string
	Kind     Kind
	Secret   []byte
	Scopes   ScopeSet
	Audience string
	Subject  string
}

// ExchangeResponse is the authorization service's answer to a token exchange.
type ExchangeResponse struct {
	AccessToken   string
	ExpiresIn     time.Duration
	GrantedScopes ScopeSet
	Issuer        string
}

// Exchanger exchanges a long-lived secret for a short-lived access token at
// the external authorization service. The single implementation lives in the
// authclient package; tests substitute their own.
type Exchanger interface {
	Exchange(ctx context.Context, req *ExchangeRequest) (*ExchangeResponse, error)
}

// Store mints tokens from long-lived secrets. It performs exactly one
// exchange per call and never caches; caching and retry policy belong to the
// token cache and refresh scheduler.
type Store struct {
	secrets   SecretSource
	exchanger Exchanger
	log       logger.Logger
	now       func() time.Time
}

// NewStore creates a credential store.
func NewStore(secrets SecretSource, exchanger Exchanger, log logger.Logger) *Store {
	return &Store{
		secrets:   secrets,
		exchanger: exchanger,
		log:       log.WithSubsystem("store"),
		now:       time.Now,
	}
}

// Mint resolves the identity's secret and exchanges it for a new token
// scoped to the given scope set.
//
// Fails with ErrSecretUnavailable when the secret reference cannot be
// resolved and ErrAuthDenied when the authorization service rejects the
// exchange. Any other error is a transient exchange failure.
func (s *Store) Mint(ctx context.Context, identity *Identity, scopes ScopeSet) (*Token, error) {
	secret, err := s.secrets.Resolve(ctx, identity.SecretRef)
	if err != nil {
		return nil, err
	}

	opts, err := identity.decodeOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretUnavailable, err)
	}

	now := s.now()

	// Static identities carry the access credential directly; there is no
	// exchange to perform.
	if opts.Static {
		token := &Token{
			Value:     string(secret),
			Identity:  identity.Name,
			Scopes:    scopes,
			IssuedAt:  now,
			ExpiresAt: now.Add(StaticTokenTTL),
			Issuer:    "static",
		}
		s.log.Debug("static credential resolved",
			logger.String("identity", identity.Name),
			logger.String("fingerprint", token.Fingerprint()))
		return token, nil
	}

	resp, err := s.exchanger.Exchange(ctx, &ExchangeRequest{
		Identity: identity.Name,
		Kind:     identity.Kind,
		Secret:   secret,
		Scopes:   scopes,
		Audience: opts.Audience,
		Subject:  opts.Subject,
	})
	if err != nil {
		return nil, err
	}

	granted := resp.GrantedScopes
	if len(granted) == 0 {
		granted = scopes
	}

	token := &Token{
		Value:     resp.AccessToken,
		Identity:  identity.Name,
		Scopes:    granted,
		IssuedAt:  now,
		ExpiresAt: now.Add(resp.ExpiresIn),
		Issuer:    resp.Issuer,
	}

	s.log.Debug("token minted",
		logger.String("identity", identity.Name),
		logger.String("scopes", scopes.Key()),
		logger.String("fingerprint", token.Fingerprint()),
		logger.Time("expires_at", token.ExpiresAt))

	return token, nil
}
