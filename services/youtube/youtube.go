// Package youtube is a thin wrapper around the YouTube Data API search
// endpoint, authenticating with a developer-key identity acquired from the
// session broker.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gyoutube "google.golang.org/api/youtube/v3"

	"github.com/stephnangue/granter/broker"
	"github.com/stephnangue/granter/logger"
)

// ServiceName is the name used for rate-limit accounting.
const ServiceName = "youtube"

// Client searches YouTube using an API-key identity acquired from the
// broker.
type Client struct {
	broker   *broker.Broker
	identity string
	log      logger.Logger
	opts     []option.ClientOption
}

// New creates a YouTube client bound to one broker identity.
func New(b *broker.Broker, identity string, log logger.Logger, opts ...option.ClientOption) *Client {
	return &Client{
		broker:   b,
		identity: identity,
		log:      log.WithSubsystem("youtube"),
		opts:     opts,
	}
}

// VideoURL returns the URL of the top video matching the query, or the empty
// string when nothing matches.
func (c *Client) VideoURL(ctx context.Context, query string) (string, error) {
	token, err := c.broker.Acquire(ctx, c.identity, nil, ServiceName)
	if err != nil {
		return "", err
	}

	c.log.Debug("searching", logger.String("query", query))

	opts := append([]option.ClientOption{option.WithAPIKey(token.Value)}, c.opts...)
	svc, err := gyoutube.NewService(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("creating youtube service: %w", err)
	}

	resp, err := svc.Search.List([]string{"id"}).
		Q(query).
		MaxResults(1).
		Type("video").
		VideoDefinition("high").
		VideoDuration("any").
		Context(ctx).
		Do()
	if err != nil {
		if isAuthRejected(err) {
			c.broker.ReportOutcome(ctx, c.identity, nil, ServiceName, broker.OutcomeAuthRejected)
		}
		return "", fmt.Errorf("searching for %q: %w", query, err)
	}

	c.broker.ReportOutcome(ctx, c.identity, nil, ServiceName, broker.OutcomeSuccess)

	if len(resp.Items) == 0 || resp.Items[0].Id == nil || resp.Items[0].Id.VideoId == "" {
		c.log.Debug("no video found", logger.String("query", query))
		return "", nil
	}

	videoID := resp.Items[0].Id.VideoId
	c.log.Debug("video found",
		logger.String("query", query),
		logger.String("video_id", videoID))
	return "https://youtu.be/" + videoID, nil
}

// isAuthRejected returns true if the error indicates invalid credentials.
func isAuthRejected(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden
	}
	return false
}
