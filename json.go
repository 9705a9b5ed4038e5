// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fleetnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	rpc "github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

const (
	adminAttempts  = 3
	adminRetryWait = 500 * time.Millisecond
)

// StatusError is a non 2xx answer of the admin endpoint.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("admin: %d %s", e.Code, http.StatusText(e.Code))
}

// RequestOption configures admin requests.
type RequestOption func(*requestOptions)

type requestOptions struct {
	headers http.Header
	log     *zap.Logger
}

func newRequestOptions(opts []RequestOption) *requestOptions {
	o := &requestOptions{headers: http.Header{}, log: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithHeader adds an HTTP header to every request.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) { o.headers.Add(key, value) }
}

// WithAdminToken presents token to an endpoint wrapped by RequireAdminToken.
func WithAdminToken(token string) RequestOption {
	return WithHeader("Authorization", "Bearer "+token)
}

// WithRequestLogger logs failed attempts.
func WithRequestLogger(log *zap.Logger) RequestOption {
	return func(o *requestOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// A node may be restarting while it is polled, so connections are never
// reused between attempts.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

// drainClose reads what is left of body before closing it; closing with
// unread data makes HTTP/2 peers answer with GOAWAY (golang/go#46071).
func drainClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}

// transient reports connection failures that a later attempt may not see.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"EOF", "connection reset", "connection refused", "broken pipe"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// SendJSONRequest calls method on a JSON-RPC 2.0 endpoint. Transient
// connection failures are retried with exponential backoff; HTTP status
// errors come back as *StatusError and are not retried.
func SendJSONRequest(ctx context.Context, uri *url.URL, method string, params, reply any, options ...RequestOption) error {
	body, err := rpc.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("admin: encode %s: %w", method, err)
	}
	ops := newRequestOptions(options)

	var lastErr error
	for attempt := range adminAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(adminRetryWait << (attempt - 1)):
			}
		}
		lastErr = post(ctx, uri, body, ops.headers, reply)
		if lastErr == nil || !transient(lastErr) {
			return lastErr
		}
		ops.log.Debug("admin request failed",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("admin: %s failed after %d attempts: %w", method, adminAttempts, lastErr)
}

func post(ctx context.Context, uri *url.URL, body []byte, headers http.Header, reply any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = headers.Clone()
	req.Header.Set("Content-Type", "application/json")

	resp, err := newHTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	if err := rpc.DecodeClientResponse(resp.Body, reply); err != nil {
		return fmt.Errorf("admin: decode response: %w", err)
	}
	return nil
}

// AdminClient calls the admin endpoint of a node.
type AdminClient struct {
	uri  *url.URL
	opts []RequestOption
}

// NewAdminClient returns a client for the node whose admin endpoint listens
// on addr ("host:port" or a full URL).
func NewAdminClient(addr string, opts ...RequestOption) (*AdminClient, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr + AdminPath
	}
	uri, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("admin address: %w", err)
	}
	return &AdminClient{uri: uri, opts: opts}, nil
}

func (c *AdminClient) call(ctx context.Context, method string, reply any) error {
	return SendJSONRequest(ctx, c.uri, method, &AdminArgs{}, reply, c.opts...)
}

func (c *AdminClient) Status(ctx context.Context) (*StatusReply, error) {
	var reply StatusReply
	if err := c.call(ctx, "Admin.Status", &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *AdminClient) Channels(ctx context.Context) ([]ChannelInfo, error) {
	var reply ChannelsReply
	if err := c.call(ctx, "Admin.Channels", &reply); err != nil {
		return nil, err
	}
	return reply.Channels, nil
}

func (c *AdminClient) Sessions(ctx context.Context) (int, error) {
	var reply SessionsReply
	if err := c.call(ctx, "Admin.Sessions", &reply); err != nil {
		return 0, err
	}
	return reply.Sessions, nil
}
