package broker

import (
	"context"

	"golang.org/x/oauth2"
)

// tokenSource adapts the broker to oauth2.TokenSource so Google API clients
// can consume brokered tokens directly via option.WithTokenSource.
type tokenSource struct {
	ctx      context.Context
	broker   *Broker
	identity string
	scopes   []string
	service  string
}

// TokenSource returns an oauth2.TokenSource that acquires tokens through the
// broker. Each Token call goes through admission control and the cache like
// any other acquire.
func (b *Broker) TokenSource(ctx context.Context, identity string, scopes []string, service string) oauth2.TokenSource {
	return &tokenSource{
		ctx:      ctx,
		broker:   b,
		identity: identity,
		scopes:   scopes,
		service:  service,
	}
}

// Token implements oauth2.TokenSource.
func (t *tokenSource) Token() (*oauth2.Token, error) {
	token, err := t.broker.Acquire(t.ctx, t.identity, t.scopes, t.service)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: token.Value,
		TokenType:   "Bearer",
		Expiry:      token.ExpiresAt,
	}, nil
}
