// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
)

const (
	// DefaultMaxRetries is the default number of retries for transient
	// failures
	DefaultMaxRetries = 3

	// DefaultBackoffMinDelay is the default delay before the first retry
	DefaultBackoffMinDelay = 500 * time.Millisecond

	// DefaultBackoffMaxDelay is the default cap on the retry delay
	DefaultBackoffMaxDelay = 10 * time.Second

	// DefaultBackoffDelayFactor is the default backoff multiplier
	DefaultBackoffDelayFactor = 2.0

	// DefaultRequestTimeout is the default per-request timeout
	DefaultRequestTimeout = 30 * time.Second
)

// Client talks to one controller: it authenticates a session, queries
// and commits managed objects, and mirrors results into a local Mit.
// Transient failures are retried with exponential backoff; an expired
// session triggers one transparent re-login before the request is
// retried.
//
// Safe for concurrent use.
type Client struct {
	url        string
	session    Session
	registry   *Registry
	httpClient *http.Client
	codec      Codec
	logger     Logger

	maxRetries         int
	backoffMinDelay    time.Duration
	backoffMaxDelay    time.Duration
	backoffDelayFactor float64
	requestTimeout     time.Duration
	insecure           bool
	schemaVersion      string

	mu     sync.RWMutex
	schema *SchemaSet
	mit    *Mit

	authMu sync.Mutex
}

// ClientOption modifies a Client at construction.
type ClientOption func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient replaces the HTTP client, e.g. to set proxies or
// custom TLS configuration.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithInsecure skips TLS certificate verification. Controllers
// commonly run with self-signed certificates in lab environments.
func WithInsecure() ClientOption {
	return func(c *Client) {
		c.insecure = true
	}
}

// WithFormat selects the wire format, JSON by default.
func WithFormat(format Format) ClientOption {
	return func(c *Client) {
		codec, err := CodecFor(format)
		if err == nil {
			c.codec = codec
		}
	}
}

// WithSchemaVersion pins the schema version loaded from the registry,
// instead of the version the controller reports at login. Required for
// signature sessions, which perform no login exchange.
func WithSchemaVersion(version string) ClientOption {
	return func(c *Client) {
		c.schemaVersion = version
	}
}

// WithMaxRetries sets the number of retries for transient failures.
func WithMaxRetries(retries int) ClientOption {
	return func(c *Client) {
		c.maxRetries = retries
	}
}

// WithBackoff sets the retry backoff parameters.
func WithBackoff(minDelay, maxDelay time.Duration, factor float64) ClientOption {
	return func(c *Client) {
		c.backoffMinDelay = minDelay
		c.backoffMaxDelay = maxDelay
		c.backoffDelayFactor = factor
	}
}

// WithRequestTimeout sets the per-request timeout.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// NewClient creates a client for a controller URL with a schema
// registry and an authentication session. The client holds no schema
// and no tree until Login succeeds.
func NewClient(controllerURL string, registry *Registry, session Session, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:                strings.TrimRight(controllerURL, "/"),
		session:            session,
		registry:           registry,
		codec:              JSONCodec{},
		logger:             NoOpLogger{},
		maxRetries:         DefaultMaxRetries,
		backoffMinDelay:    DefaultBackoffMinDelay,
		backoffMaxDelay:    DefaultBackoffMaxDelay,
		backoffDelayFactor: DefaultBackoffDelayFactor,
		requestTimeout:     DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validateConfig(); err != nil {
		return nil, err
	}
	if c.httpClient == nil {
		transport := &http.Transport{}
		if c.insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		c.httpClient = &http.Client{Transport: transport}
	}
	return c, nil
}

func (c *Client) validateConfig() error {
	if c.url == "" {
		return fmt.Errorf("invalid client configuration: url must not be empty")
	}
	if u, err := url.Parse(c.url); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid client configuration: invalid url %q", c.url)
	}
	if c.session == nil {
		return fmt.Errorf("invalid client configuration: session must not be nil")
	}
	if c.registry == nil {
		return fmt.Errorf("invalid client configuration: registry must not be nil")
	}
	if c.maxRetries < 0 {
		return fmt.Errorf("invalid client configuration: maxRetries must not be negative")
	}
	if c.backoffDelayFactor < 1 {
		return fmt.Errorf("invalid client configuration: backoffDelayFactor must be >= 1")
	}
	return nil
}

// Format returns the wire format in use.
func (c *Client) Format() Format {
	return c.codec.Format()
}

// Schema returns the loaded schema, nil before Login.
func (c *Client) Schema() *SchemaSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schema
}

// Mit returns the local tree mirror, nil before Login.
func (c *Client) Mit() *Mit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mit
}

// Login authenticates the session and loads the schema matching the
// controller version, falling back to the registry default when the
// exact version has no schema. For signature sessions there is no
// login exchange and the pinned schema version is loaded directly.
func (c *Client) Login(ctx context.Context) error {
	version := c.schemaVersion
	if ts, ok := c.session.(tokenSession); ok {
		if err := c.login(ctx, ts); err != nil {
			return err
		}
		if ls, ok := c.session.(*LoginSession); ok && version == "" {
			version = ls.Version()
		}
	}
	schema, err := c.registry.Load(version)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.schema != schema {
		c.schema = schema
		c.mit = NewMit(schema)
	}
	c.logger.Info(ctx, "logged in", "url", c.url, "schemaVersion", schema.Version)
	return nil
}

func (c *Client) login(ctx context.Context, ts tokenSession) error {
	body, err := ts.loginBody()
	if err != nil {
		return &MitError{Code: ErrLoginFailed, Operation: "login", Message: "building login body", Err: err}
	}
	raw, status, err := c.do(ctx, http.MethodPost, "/api/aaaLogin.json", nil, body, false)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &MitError{
			Code:       ErrLoginFailed,
			Operation:  "login",
			Message:    remoteText(raw, "authentication rejected"),
			RemoteCode: remoteCode(raw),
			HTTPCode:   status,
		}
	}
	return ts.absorbLogin(raw)
}

// Logout invalidates the session on the controller and locally. A
// no-op for sessions without a token.
func (c *Client) Logout(ctx context.Context) error {
	ts, ok := c.session.(tokenSession)
	if !ok || ts.token() == "" {
		return nil
	}
	_, _, err := c.do(ctx, http.MethodPost, "/api/aaaLogout.json", nil, nil, true)
	ts.invalidate()
	if err != nil {
		return err
	}
	c.logger.Info(ctx, "logged out", "url", c.url)
	return nil
}

// RefreshSession renews the session token before it expires. A no-op
// for sessions without a token.
func (c *Client) RefreshSession(ctx context.Context) error {
	ts, ok := c.session.(tokenSession)
	if !ok {
		return nil
	}
	raw, status, err := c.do(ctx, http.MethodGet, "/api/aaaRefresh.json", nil, nil, true)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		ts.invalidate()
		return &MitError{
			Code:       ErrSessionExpired,
			Operation:  "refreshSession",
			Message:    remoteText(raw, "session refresh rejected"),
			RemoteCode: remoteCode(raw),
			HTTPCode:   status,
		}
	}
	if err := ts.absorbLogin(raw); err != nil {
		return err
	}
	c.logger.Debug(ctx, "session refreshed", "url", c.url)
	return nil
}

// AutoRefresh renews the session token at half its lifetime until the
// context is canceled. It blocks; run it in its own goroutine.
func (c *Client) AutoRefresh(ctx context.Context) error {
	ls, ok := c.session.(*LoginSession)
	if !ok {
		return nil
	}
	for {
		interval := ls.RefreshTimeout() / 2
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		if err := c.RefreshSession(ctx); err != nil {
			c.logger.Error(ctx, "session auto refresh failed", "error", err)
			return err
		}
	}
}

// QueryDn runs a Dn query against the controller and merges the
// results into the local tree. Returns the merged objects in response
// order.
func (c *Client) QueryDn(ctx context.Context, q DnQuery) ([]*Mo, error) {
	resp, err := c.query(ctx, q.path(c.codec.Format()), q.values())
	if err != nil {
		return nil, err
	}
	return c.mergeResponse(resp)
}

// QueryClass runs a class query against the controller and merges the
// results into the local tree.
func (c *Client) QueryClass(ctx context.Context, q ClassQuery) ([]*Mo, error) {
	resp, err := c.query(ctx, q.path(c.codec.Format()), q.values())
	if err != nil {
		return nil, err
	}
	return c.mergeResponse(resp)
}

// LookupByDn reads one object by Dn. Returns nil without error when
// the object does not exist.
func (c *Client) LookupByDn(ctx context.Context, dn string, opts ...QueryOption) (*Mo, error) {
	mos, err := c.QueryDn(ctx, NewDnQuery(dn, opts...))
	if err != nil {
		return nil, err
	}
	if len(mos) == 0 {
		return nil, nil
	}
	return mos[0], nil
}

// LookupByClass reads all instances of a class.
func (c *Client) LookupByClass(ctx context.Context, className string, opts ...QueryOption) ([]*Mo, error) {
	return c.QueryClass(ctx, NewClassQuery(className, opts...))
}

func (c *Client) query(ctx context.Context, path string, vals url.Values) (*Response, error) {
	return c.queryWith(ctx, c.codec, path, vals)
}

// queryWith runs a query and decodes the response with an explicit
// codec. The subscription exchange always speaks JSON regardless of
// the client format, because events arrive as JSON on the websocket.
func (c *Client) queryWith(ctx context.Context, codec Codec, path string, vals url.Values) (*Response, error) {
	schema := c.Schema()
	if schema == nil {
		return nil, newError(ErrQueryFailed, "query", "client is not logged in")
	}
	raw, status, err := c.do(ctx, http.MethodGet, path, vals, nil, true)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return &Response{}, nil
	}
	resp, decErr := codec.DecodeResponse(schema, raw)
	if status != http.StatusOK {
		e := &MitError{
			Code:      ErrQueryFailed,
			Operation: "query",
			Message:   fmt.Sprintf("query %s rejected", path),
			HTTPCode:  status,
		}
		if decErr == nil && resp.Remote != nil {
			e.Message = resp.Remote.Text
			e.RemoteCode = resp.Remote.Code
		}
		return nil, e
	}
	if decErr != nil {
		return nil, decErr
	}
	if resp.Remote != nil {
		return nil, &MitError{
			Code:       ErrQueryFailed,
			Operation:  "query",
			Message:    resp.Remote.Text,
			RemoteCode: resp.Remote.Code,
		}
	}
	return resp, nil
}

func (c *Client) mergeResponse(resp *Response) ([]*Mo, error) {
	mit := c.Mit()
	if mit == nil {
		return nil, newError(ErrQueryFailed, "query", "client is not logged in")
	}
	return mit.Merge(resp.Mos)
}

// Commit sends the pending changes of a config request as one atomic
// payload. On success the queued objects are marked in sync and
// deletions are detached from the local tree; on failure all local
// pending state is left untouched.
func (c *Client) Commit(ctx context.Context, req *ConfigRequest) error {
	schema := c.Schema()
	if schema == nil {
		return newError(ErrCommitFailed, "commit", "client is not logged in")
	}
	rootDn, err := req.RootDn()
	if err != nil {
		return err
	}
	tree, err := req.tree(schema)
	if err != nil {
		return err
	}
	body, err := c.codec.EncodePayload(tree)
	if err != nil {
		return &MitError{Code: ErrCommitFailed, Operation: "commit", Message: "encoding payload", Err: err}
	}
	path := fmt.Sprintf("/api/mo/%s.%s", rootDn.String(), c.codec.Format())
	if rootDn.IsRoot() {
		path = fmt.Sprintf("/api/mo.%s", c.codec.Format())
	}
	raw, status, err := c.do(ctx, http.MethodPost, path, nil, body, true)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &MitError{
			Code:       ErrCommitFailed,
			Operation:  "commit",
			Message:    remoteText(raw, fmt.Sprintf("commit to %s rejected", rootDn.String())),
			RemoteCode: remoteCode(raw),
			HTTPCode:   status,
			Dn:         rootDn.String(),
		}
	}
	if mit := c.Mit(); mit != nil {
		mit.applyCommit(req)
	}
	c.logger.Info(ctx, "committed", "dn", rootDn.String(), "mos", len(req.Mos()))
	return nil
}

// ListDomains returns the login domains the controller offers.
func (c *Client) ListDomains(ctx context.Context) ([]string, error) {
	raw, status, err := c.do(ctx, http.MethodGet, "/api/aaaListDomains.json", nil, nil, false)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &MitError{
			Code:      ErrQueryFailed,
			Operation: "listDomains",
			Message:   remoteText(raw, "domain listing rejected"),
			HTTPCode:  status,
		}
	}
	var domains []string
	gjson.GetBytes(raw, "imdata").ForEach(func(_, item gjson.Result) bool {
		if name := item.Get("aaaLoginDomain.attributes.name").String(); name != "" {
			domains = append(domains, name)
		}
		return true
	})
	return domains, nil
}

// do sends one request with retries. Transient HTTP codes and network
// errors back off exponentially; a 403 on an authenticated request
// triggers one re-login before the final retry.
func (c *Client) do(ctx context.Context, method, path string, vals url.Values, body []byte, authenticated bool) ([]byte, int, error) {
	if vals == nil {
		vals = url.Values{}
	}
	reloggedIn := false
	var lastErr error
	for attempt := 0; ; attempt++ {
		vals.Set("_dc", ulid.Make().String())
		var staleToken string
		if ts, ok := c.session.(tokenSession); ok && authenticated {
			staleToken = ts.token()
		}
		raw, status, err := c.doOnce(ctx, method, path, vals, body, authenticated)
		if err == nil && !isTransientHTTPCode(status) {
			if status == http.StatusForbidden && authenticated {
				if ts, ok := c.session.(tokenSession); ok && !reloggedIn {
					reloggedIn = true
					if err := c.relogin(ctx, ts, staleToken); err != nil {
						return nil, status, err
					}
					continue
				}
				return nil, status, &MitError{
					Code:      ErrSessionExpired,
					Operation: "request",
					Message:   remoteText(raw, "request rejected with 403"),
					HTTPCode:  status,
					Retries:   attempt,
				}
			}
			return raw, status, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = &MitError{
				Code:      ErrQueryFailed,
				Operation: "request",
				Message:   fmt.Sprintf("%s %s returned status %d", method, path, status),
				HTTPCode:  status,
				Retries:   attempt,
			}
		}
		if attempt >= c.maxRetries || ctx.Err() != nil {
			return nil, status, lastErr
		}
		delay := c.backoff(attempt)
		c.logger.Warn(ctx, "request failed, retrying",
			"method", method, "path", path, "attempt", attempt+1, "delay", delay, "error", lastErr)
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, vals url.Values, body []byte, authenticated bool) ([]byte, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	u := c.url + path
	if len(vals) > 0 {
		u += "?" + vals.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reader)
	if err != nil {
		return nil, 0, &MitError{
			Code:      ErrQueryFailed,
			Operation: "request",
			Message:   fmt.Sprintf("building request %s %s", method, path),
			Err:       err,
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", c.codec.ContentType())
	}
	if authenticated {
		if err := c.session.AttachCredentials(req, body); err != nil {
			return nil, 0, err
		}
	}
	c.logger.Debug(ctx, "sending request", "method", method, "url", u)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &MitError{
			Code:      ErrQueryFailed,
			Operation: "request",
			Message:   fmt.Sprintf("%s %s failed", method, path),
			Err:       err,
		}
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, httpResp.StatusCode, &MitError{
			Code:      ErrQueryFailed,
			Operation: "request",
			Message:   fmt.Sprintf("reading response of %s %s", method, path),
			HTTPCode:  httpResp.StatusCode,
			Err:       err,
		}
	}
	c.logger.Debug(ctx, "received response", "method", method, "url", u, "status", httpResp.StatusCode)
	return raw, httpResp.StatusCode, nil
}

// relogin re-authenticates under authMu so concurrent requests share
// one login exchange. A request that was rejected with a token another
// goroutine has since replaced skips the exchange and retries with the
// new token.
func (c *Client) relogin(ctx context.Context, ts tokenSession, staleToken string) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if ts.token() != staleToken {
		return nil
	}
	c.logger.Info(ctx, "session expired, logging in again", "url", c.url)
	ts.invalidate()
	return c.login(ctx, ts)
}

// backoff returns the delay before retry number attempt, growing
// exponentially from the minimum delay up to the maximum, with up to
// 10% random jitter to avoid synchronized retries.
func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.backoffMinDelay) * math.Pow(c.backoffDelayFactor, float64(attempt))
	if delay > float64(c.backoffMaxDelay) {
		delay = float64(c.backoffMaxDelay)
	}
	jitterRange := int64(delay / 10)
	if jitterRange > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(jitterRange)); err == nil {
			delay += float64(n.Int64())
		}
	}
	return time.Duration(delay)
}

// urlValues builds url.Values from key-value pairs.
func urlValues(pairs ...string) url.Values {
	vals := url.Values{}
	for i := 0; i+1 < len(pairs); i += 2 {
		vals.Set(pairs[i], pairs[i+1])
	}
	return vals
}

func remoteCode(body []byte) string {
	return gjson.GetBytes(body, "imdata.0.error.attributes.code").String()
}

func remoteText(body []byte, fallback string) string {
	if text := gjson.GetBytes(body, "imdata.0.error.attributes.text").String(); text != "" {
		return text
	}
	return fallback
}
