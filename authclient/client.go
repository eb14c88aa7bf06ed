package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/stephnangue/granter/cred"
	"github.com/stephnangue/granter/logger"
)

// maxResponseBodySize limits response body reads to prevent OOM
const maxResponseBodySize = 1 << 20 // 1MB

// Grant types sent to the authorization service per credential kind.
const (
	grantTypeJWTBearer    = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	grantTypeRefreshToken = "refresh_token"
)

// Config is the configuration for the authorization service client.
type Config struct {
	// TokenURL is the token-exchange endpoint of the authorization service.
	TokenURL string

	// Timeout caps each exchange request. Defaults to 30s.
	Timeout time.Duration

	// MaxRetries controls transport-level retries inside a single Exchange
	// call. The default is 0: the refresh scheduler owns retry policy, and a
	// synchronous mint must stay a single attempt to keep caller latency
	// bounded.
	MaxRetries int

	// MinRetryWait and MaxRetryWait bound the retry backoff when MaxRetries
	// is raised above zero.
	MinRetryWait time.Duration
	MaxRetryWait time.Duration
}

// DefaultConfig returns a default configuration for the client.
func DefaultConfig() *Config {
	return &Config{
		Timeout:      30 * time.Second,
		MaxRetries:   0,
		MinRetryWait: 500 * time.Millisecond,
		MaxRetryWait: 2 * time.Second,
	}
}

// Client exchanges long-lived secrets for short-lived access tokens over
// HTTP. It implements cred.Exchanger.
type Client struct {
	tokenURL string
	http     *retryablehttp.Client
	log      logger.Logger
}

var _ cred.Exchanger = (*Client)(nil)

// New creates a client for the given configuration.
func New(c *Config, log logger.Logger) (*Client, error) {
	def := DefaultConfig()
	if c == nil {
		c = def
	}
	if c.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}
	if _, err := url.ParseRequestURI(c.TokenURL); err != nil {
		return nil, fmt.Errorf("invalid token URL: %w", err)
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.MinRetryWait == 0 {
		c.MinRetryWait = def.MinRetryWait
	}
	if c.MaxRetryWait == 0 {
		c.MaxRetryWait = def.MaxRetryWait
	}

	client := retryablehttp.NewClient()
	client.RetryMax = c.MaxRetries
	client.RetryWaitMin = c.MinRetryWait
	client.RetryWaitMax = c.MaxRetryWait
	client.Backoff = retryablehttp.LinearJitterBackoff
	client.HTTPClient.Timeout = c.Timeout
	client.Logger = nil

	return &Client{
		tokenURL: c.TokenURL,
		http:     client,
		log:      log.WithSubsystem("authclient"),
	}, nil
}

// tokenResponse is the wire form of a successful exchange.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
	Issuer      string `json:"iss"`
}

// errorResponse is the wire form of a rejected exchange.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Exchange sends a token-exchange request carrying the secret and requested
// scopes, and returns the minted access token with its lifetime and granted
// scopes.
//
// Rejections (4xx other than 408 and 429) map to cred.ErrAuthDenied. Any
// other failure (network errors, 5xx, throttling) is returned as a plain
// error and is treated as transient by the refresh scheduler.
func (c *Client) Exchange(ctx context.Context, req *cred.ExchangeRequest) (*cred.ExchangeResponse, error) {
	form := url.Values{}
	switch req.Kind {
	case cred.KindUserDelegated:
		form.Set("grant_type", grantTypeRefreshToken)
		form.Set("refresh_token", string(req.Secret))
	default:
		form.Set("grant_type", grantTypeJWTBearer)
		form.Set("assertion", string(req.Secret))
	}
	form.Set("client_id", req.Identity)
	if len(req.Scopes) > 0 {
		form.Set("scope", req.Scopes.Key())
	}
	if req.Audience != "" {
		form.Set("audience", req.Audience)
	}
	if req.Subject != "" {
		form.Set("subject", req.Subject)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building exchange request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("authorization service unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading exchange response: %w", err)
	}

	c.log.Trace("token exchange completed",
		logger.String("identity", req.Identity),
		logger.Int("status", resp.StatusCode),
		logger.Duration("elapsed", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusOK:
		// fallthrough to decoding below
	case isDenied(resp.StatusCode):
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("%w: %s: %s", cred.ErrAuthDenied, errResp.Error, errResp.ErrorDescription)
		}
		return nil, fmt.Errorf("%w: status %d", cred.ErrAuthDenied, resp.StatusCode)
	default:
		return nil, fmt.Errorf("authorization service unavailable: status %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decoding exchange response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("exchange response missing access_token")
	}
	if tok.ExpiresIn <= 0 {
		return nil, fmt.Errorf("exchange response has non-positive expires_in %d", tok.ExpiresIn)
	}

	out := &cred.ExchangeResponse{
		AccessToken: tok.AccessToken,
		ExpiresIn:   time.Duration(tok.ExpiresIn) * time.Second,
		Issuer:      tok.Issuer,
	}
	if tok.Scope != "" {
		out.GrantedScopes = cred.NewScopeSet(strings.Fields(tok.Scope)...)
	}
	return out, nil
}

// isDenied reports whether a status code is a definitive rejection rather
// than a transient failure. Request timeouts and throttling are transient.
func isDenied(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}
