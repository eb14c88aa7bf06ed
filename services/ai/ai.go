// Package ai is a thin wrapper around the Gemini generateContent API. It
// consumes credentials from the session broker and reports call outcomes
// back to it.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/stephnangue/granter/broker"
	"github.com/stephnangue/granter/logger"
)

// ServiceName is the name used for rate-limit accounting.
const ServiceName = "ai"

// DefaultBaseURL is the Generative Language API endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// DefaultModel is the model queried when none is configured.
const DefaultModel = "gemini-1.5-flash"

const maxResponseBodySize = 4 << 20 // 4MB

// Client generates content through the Gemini API using an API-key identity
// acquired from the broker.
type Client struct {
	broker   *broker.Broker
	identity string
	baseURL  string
	model    string
	http     *http.Client
	log      logger.Logger
}

// New creates a Gemini client bound to one broker identity.
func New(b *broker.Broker, identity string, log logger.Logger) *Client {
	return &Client{
		broker:   b,
		identity: identity,
		baseURL:  DefaultBaseURL,
		model:    DefaultModel,
		http:     &http.Client{Timeout: 60 * time.Second},
		log:      log.WithSubsystem("ai"),
	}
}

// SetModel overrides the model.
func (c *Client) SetModel(model string) {
	c.model = model
}

// SetBaseURL overrides the API endpoint. Used by tests.
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// Request/response wire types for generateContent.

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// GenerateContent sends the prompt to the model and returns the generated
// text.
func (c *Client) GenerateContent(ctx context.Context, prompt string) (string, error) {
	token, err := c.broker.Acquire(ctx, c.identity, nil, ServiceName)
	if err != nil {
		return "", err
	}

	c.log.Debug("requesting completion",
		logger.String("model", c.model),
		logger.Int("prompt_len", len(prompt)))

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("encoding prompt: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		c.baseURL, c.model, url.QueryEscape(token.Value))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling generateContent: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return "", fmt.Errorf("reading generateContent response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.broker.ReportOutcome(ctx, c.identity, nil, ServiceName, broker.OutcomeAuthRejected)
		return "", fmt.Errorf("generateContent rejected: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generateContent failed: status %d", resp.StatusCode)
	}

	c.broker.ReportOutcome(ctx, c.identity, nil, ServiceName, broker.OutcomeSuccess)

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decoding generateContent response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("generateContent returned no candidates")
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}
