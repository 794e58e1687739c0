// Package transport wraps outbound HTTP calls with the session's access
// token and recovers from token expiry with one refresh and one retry.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmcleod/gatekeeper/authapi"
	"github.com/jmcleod/gatekeeper/credstore"
	"github.com/jmcleod/gatekeeper/session"
)

var (
	// ErrUnauthorized is returned when a request is still rejected after a
	// refresh, or the session could not be renewed.
	ErrUnauthorized = authapi.ErrUnauthorized
	// ErrSecondFactorPending is returned for data calls made while a
	// second-factor challenge is outstanding.
	ErrSecondFactorPending = session.ErrSecondFactorPending
)

// Session is the part of the session machine the client depends on.
// *session.Machine satisfies it. Snapshot's generation identifies the
// session a request started under; Refresh returns session.ErrSuperseded
// once that session has ended.
type Session interface {
	Snapshot() (credstore.Record, uint64, error)
	Refresh(ctx context.Context, gen uint64, stale string) (string, error)
}

var _ Session = (*session.Machine)(nil)

// Client sends authenticated requests.
type Client struct {
	sess    Session
	http    *http.Client
	baseURL *url.URL
	strict  bool
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithBaseURL resolves relative request paths passed to Get and PostJSON.
func WithBaseURL(u *url.URL) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithStrictInvariants makes a data call during a pending challenge panic
// instead of returning ErrSecondFactorPending. Useful in development.
func WithStrictInvariants(strict bool) Option {
	return func(c *Client) { c.strict = strict }
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a client that authenticates requests from sess.
func New(sess Session, opts ...Option) *Client {
	c := &Client{
		sess:   sess,
		http:   http.DefaultClient,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "transport")
	return c
}

// attempt carries per-request retry state.
type attempt struct {
	retried    bool
	token      string
	generation uint64
}

// Do sends req with the current access token. On a 401 it refreshes once and
// re-issues the request; a second 401 is returned as ErrUnauthorized. Any
// other response, including 5xx, is returned to the caller unchanged.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		if err := bufferBody(req); err != nil {
			return nil, err
		}
	}

	rec, gen, err := c.sess.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	if rec.Pending() {
		if c.strict {
			panic("transport: data call while a second factor is pending")
		}
		return nil, ErrSecondFactorPending
	}

	return c.send(req, &attempt{token: rec.AccessToken, generation: gen})
}

func (c *Client) send(req *http.Request, at *attempt) (*http.Response, error) {
	ctx := req.Context()
	out := req.Clone(ctx)
	if at.retried && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replaying request body: %w", err)
		}
		out.Body = body
	}
	if at.token != "" {
		out.Header.Set("Authorization", "Bearer "+at.token)
	} else {
		out.Header.Del("Authorization")
	}

	resp, err := c.http.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", authapi.ErrNetworkUnavailable, err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drain(resp)

	if at.retried {
		return nil, fmt.Errorf("%w: %s %s rejected after refresh", ErrUnauthorized, req.Method, req.URL.Path)
	}

	token, err := c.sess.Refresh(ctx, at.generation, at.token)
	if err != nil {
		if errors.Is(err, session.ErrSessionExpired) || errors.Is(err, session.ErrSuperseded) {
			return nil, errors.Join(ErrUnauthorized, err)
		}
		return nil, err
	}
	c.logger.DebugContext(ctx, "retrying after refresh", "method", req.Method, "path", req.URL.Path)
	return c.send(req, &attempt{retried: true, token: token, generation: at.generation})
}

// Get issues a GET for path, resolved against the base URL.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// PostJSON issues a POST with v encoded as the JSON body.
func (c *Client) PostJSON(ctx context.Context, path string, v any) (*http.Response, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}

func (c *Client) resolve(path string) string {
	if c.baseURL == nil || strings.Contains(path, "://") {
		return path
	}
	ref, err := url.Parse(path)
	if err != nil {
		return path
	}
	return c.baseURL.ResolveReference(ref).String()
}

func bufferBody(req *http.Request) error {
	payload, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffering request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(payload))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
