// Package client talks to the HTTP control API. Transient failures
// (connection errors, 5xx, 429) are retried with exponential backoff;
// anything else is final.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"tabrotate/internal/dispatch"
	logx "tabrotate/pkg/logx"
)

const DefaultRetries = 4

// StatusError is a non-2xx reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "http " + strconv.Itoa(e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Transient reports whether a retry may succeed.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type Option func(*Client)

func WithToken(token string) Option { return func(c *Client) { c.token = token } }

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithLogger(log logx.Logger) Option { return func(c *Client) { c.log = log } }

// WithRetries caps retries after the first attempt. 0 disables retrying.
func WithRetries(n uint) Option { return func(c *Client) { c.retries = n } }

// WithBackoff sets the initial and maximum wait between attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) { c.initial, c.max = initial, max }
}

type Client struct {
	base    string
	token   string
	http    *http.Client
	log     logx.Logger
	retries uint
	initial time.Duration
	max     time.Duration
}

func New(baseURL string, opts ...Option) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := &Client{
		base:    base,
		http:    &http.Client{Timeout: 90 * time.Second},
		retries: DefaultRetries,
		initial: 250 * time.Millisecond,
		max:     5 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c
}

// Do sends cmd. A decoded Response with Success=false is not an error:
// the server answered.
func (c *Client) Do(ctx context.Context, cmd dispatch.Command) (dispatch.Response, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return dispatch.Response{}, err
	}
	return c.call(ctx, http.MethodPost, "/v1/command", body)
}

func (c *Client) State(ctx context.Context) (dispatch.Response, error) {
	return c.call(ctx, http.MethodGet, "/v1/state", nil)
}

func (c *Client) call(ctx context.Context, method, path string, body []byte) (dispatch.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initial
	bo.MaxInterval = c.max

	attempt := 0
	op := func() (dispatch.Response, error) {
		attempt++
		resp, err := c.once(ctx, method, path, body)
		if err == nil {
			return resp, nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Transient() {
			return dispatch.Response{}, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return dispatch.Response{}, backoff.Permanent(ctx.Err())
		}
		return dispatch.Response{}, err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Debug("request failed; retrying", logx.String("path", path), logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.retries+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
}

func (c *Client) once(ctx context.Context, method, path string, body []byte) (dispatch.Response, error) {
	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return dispatch.Response{}, backoff.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return dispatch.Response{}, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return dispatch.Response{}, err
	}
	if res.StatusCode/100 != 2 {
		msg := strings.TrimSpace(string(raw))
		var r dispatch.Response
		if json.Unmarshal(raw, &r) == nil && r.Message != "" {
			msg = r.Message
		}
		return dispatch.Response{}, &StatusError{Code: res.StatusCode, Body: msg}
	}
	var out dispatch.Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return dispatch.Response{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return out, nil
}
