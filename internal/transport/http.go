// Package transport provides the reference HTTP implementation of the fetch
// and post capabilities the sync and recorder layers consume. It is a
// collaborator behind interfaces: nothing in the core depends on this
// package.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/recorder"
	"github.com/matt-riley/flagsync/internal/sync"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the flag service, e.g. "https://sdk.example.com".
	BaseURL string
	// APIKey is the SDK key sent as a bearer token.
	APIKey string
	// HTTPClient is optional; defaults to a client with an
	// OpenTelemetry-instrumented transport.
	HTTPClient *http.Client
}

// Client implements [sync.FlagsFetcher], [sync.MembershipsFetcher], and the
// recorder posters over HTTP JSON.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient returns an HTTP client for the flag service.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// FetchFlags requests the targeting-rules delta since the given watermarks.
func (c *Client) FetchFlags(ctx context.Context, since, rbSince int64, filterQuery, spec string) (*core.TargetingRulesChange, error) {
	query := url.Values{}
	query.Set("s", spec)
	query.Set("since", strconv.FormatInt(since, 10))
	query.Set("rbSince", strconv.FormatInt(rbSince, 10))

	path := "/api/flagChanges?" + query.Encode() + filterQuery
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var change core.TargetingRulesChange
	if err := json.NewDecoder(body).Decode(&change); err != nil {
		return nil, &sync.FetchError{Message: fmt.Sprintf("decode flag changes: %v", err)}
	}
	return &change, nil
}

// FetchMemberships requests one user key's membership delta.
func (c *Client) FetchMemberships(ctx context.Context, userKey string, kind core.SegmentKind, since int64) (*core.MembershipChanges, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))

	path := "/api/memberships/" + kind.String() + "/" + url.PathEscape(userKey) + "?" + query.Encode()
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var change core.MembershipChanges
	if err := json.NewDecoder(body).Decode(&change); err != nil {
		return nil, &sync.FetchError{Message: fmt.Sprintf("decode memberships: %v", err)}
	}
	return &change, nil
}

// EventPoster posts event batches.
type EventPoster struct{ c *Client }

// ImpressionPoster posts impression batches.
type ImpressionPoster struct{ c *Client }

// CountPoster posts impression-count batches.
type CountPoster struct{ c *Client }

// Events returns the event post capability.
func (c *Client) Events() *EventPoster { return &EventPoster{c: c} }

// Impressions returns the impression post capability.
func (c *Client) Impressions() *ImpressionPoster { return &ImpressionPoster{c: c} }

// Counts returns the impression-count post capability.
func (c *Client) Counts() *CountPoster { return &CountPoster{c: c} }

func (p *EventPoster) PostRecords(ctx context.Context, records []core.Event) error {
	return p.c.post(ctx, "/api/events/bulk", records)
}

func (p *ImpressionPoster) PostRecords(ctx context.Context, records []core.Impression) error {
	return p.c.post(ctx, "/api/impressions/bulk", records)
}

func (p *CountPoster) PostRecords(ctx context.Context, records []core.ImpressionCount) error {
	payload := struct {
		PerFeature []core.ImpressionCount `json:"pf"`
	}{PerFeature: records}
	return p.c.post(ctx, "/api/impressions/count", payload)
}

func (c *Client) get(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, &sync.FetchError{Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &sync.FetchError{Message: err.Error()}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &sync.FetchError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp.Body, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return &recorder.PostError{Message: fmt.Sprintf("marshal payload: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return &recorder.PostError{Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &recorder.PostError{Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return &recorder.PostError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return nil
}
