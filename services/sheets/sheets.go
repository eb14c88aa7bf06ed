// Package sheets is a thin wrapper around the Google Sheets API. It reads
// whole spreadsheets into header-keyed records, authenticating through the
// session broker. The spreadsheet must be shared with the service account
// behind the broker identity.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/stephnangue/granter/broker"
	"github.com/stephnangue/granter/logger"
)

// ServiceName is the name used for rate-limit accounting.
const ServiceName = "sheets"

// Scopes requested for spreadsheet access.
var Scopes = []string{"https://www.googleapis.com/auth/spreadsheets.readonly"}

// Worksheet is one sheet's rows, each keyed by the header row.
type Worksheet struct {
	Title   string
	Headers []string
	Rows    []map[string]string
}

// Client reads spreadsheets using a service-account identity acquired from
// the broker.
type Client struct {
	broker   *broker.Broker
	identity string
	log      logger.Logger

	// opts are extra client options appended on service construction.
	// Tests use this to point at a fake endpoint.
	opts []option.ClientOption
}

// New creates a Sheets client bound to one broker identity.
func New(b *broker.Broker, identity string, log logger.Logger, opts ...option.ClientOption) *Client {
	return &Client{
		broker:   b,
		identity: identity,
		log:      log.WithSubsystem("sheets"),
		opts:     opts,
	}
}

func (c *Client) service(ctx context.Context) (*gsheets.Service, error) {
	opts := append([]option.ClientOption{
		option.WithTokenSource(c.broker.TokenSource(ctx, c.identity, Scopes, ServiceName)),
	}, c.opts...)
	return gsheets.NewService(ctx, opts...)
}

// Worksheets retrieves all worksheets of the spreadsheet and converts each
// into rows keyed by the first row's headers.
func (c *Client) Worksheets(ctx context.Context, spreadsheetID string) (map[string]*Worksheet, error) {
	c.log.Debug("loading worksheets", logger.String("spreadsheet", spreadsheetID))

	svc, err := c.service(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}

	spreadsheet, err := svc.Spreadsheets.Get(spreadsheetID).Context(ctx).Do()
	if err != nil {
		c.report(ctx, err)
		return nil, fmt.Errorf("fetching spreadsheet %s: %w", spreadsheetID, err)
	}

	out := make(map[string]*Worksheet, len(spreadsheet.Sheets))
	for _, sheet := range spreadsheet.Sheets {
		title := sheet.Properties.Title
		values, err := svc.Spreadsheets.Values.Get(spreadsheetID, title).Context(ctx).Do()
		if err != nil {
			c.report(ctx, err)
			return nil, fmt.Errorf("fetching worksheet %q: %w", title, err)
		}
		out[title] = buildWorksheet(title, values.Values)
	}

	c.broker.ReportOutcome(ctx, c.identity, Scopes, ServiceName, broker.OutcomeSuccess)
	return out, nil
}

// buildWorksheet converts raw cell values into header-keyed rows. The first
// row is the header; rows shorter than the header get empty strings.
func buildWorksheet(title string, values [][]interface{}) *Worksheet {
	ws := &Worksheet{Title: title}
	if len(values) == 0 {
		return ws
	}

	for _, cell := range values[0] {
		ws.Headers = append(ws.Headers, fmt.Sprint(cell))
	}

	for _, raw := range values[1:] {
		row := make(map[string]string, len(ws.Headers))
		for i, header := range ws.Headers {
			if i < len(raw) {
				row[header] = fmt.Sprint(raw[i])
			} else {
				row[header] = ""
			}
		}
		ws.Rows = append(ws.Rows, row)
	}
	return ws
}

// report maps an API error onto a broker outcome.
func (c *Client) report(ctx context.Context, err error) {
	if isAuthRejected(err) {
		c.broker.ReportOutcome(ctx, c.identity, Scopes, ServiceName, broker.OutcomeAuthRejected)
	}
}

// isAuthRejected returns true if the error indicates invalid credentials.
func isAuthRejected(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden
	}
	return false
}
