// Package calendarsync is an HTTP client for the backend that imports
// external calendars.
package calendarsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

// Client asks the sync backend to refresh calendars.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	limiter    *rate.Limiter
}

type Option func(*Client)

// WithRateLimit bounds the rate of sync requests.  The default allows 5
// requests per second with bursts of 10.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// New creates a Client.  httpClient is expected to attach credentials, for
// example one built by idtoken.NewClient.
func New(httpClient *http.Client, baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("while parsing base URL %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q needs a scheme and host", baseURL)
	}

	c := &Client{
		httpClient: httpClient,
		baseURL:    u,
		limiter:    rate.NewLimiter(5, 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type syncRequest struct {
	CalendarID string `json:"calendarId"`
}

type syncResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SyncCalendar asks the backend to refresh one calendar and waits for it to
// finish.
func (c *Client) SyncCalendar(ctx context.Context, calendarID string) (err error) {
	ctx, span := otel.Tracer("organizer/calendarsync").Start(ctx, "Client.SyncCalendar")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("calendar", calendarID))

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("while waiting for rate limiter: %w", err)
	}

	body, err := json.Marshal(&syncRequest{CalendarID: calendarID})
	if err != nil {
		return fmt.Errorf("while marshaling request: %w", err)
	}

	u := *c.baseURL
	u.Path = path.Join("/", u.Path, "syncCalendar")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("while making request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("while posting to %q: %w", u.String(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("while reading body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status code %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	sr := &syncResponse{}
	if err := json.Unmarshal(respBody, sr); err != nil {
		return fmt.Errorf("while unmarshaling body: %w", err)
	}
	if !sr.Success {
		return fmt.Errorf("backend failed to sync calendar %s: %s", calendarID, sr.Error)
	}
	return nil
}
