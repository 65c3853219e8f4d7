package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/arqma/arqmavisor/pkg/logger"
	"go.uber.org/zap"
)

// CodeTransport is the error code reported for failures that never reached
// the node's JSON-RPC layer.
const CodeTransport = -1

const (
	msgCannotConnect   = "Cannot connect to daemon-rpc"
	msgInvalidResponse = "Invalid response from daemon-rpc"
	msgCancelled       = "request cancelled"
	msgClosed          = "rpc client closed"
)

// Error is the error half of a Response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`

	err error
}

func (e *Error) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// ConnectionRefused reports whether the request failed because nothing was
// listening on the endpoint.
func (e *Error) ConnectionRefused() bool {
	return e != nil && e.err != nil && errors.Is(e.err, syscall.ECONNREFUSED)
}

// Response is the outcome of a single call. Exactly one of Result or Error
// is meaningful.
type Response struct {
	Method string          `json:"method"`
	Params interface{}     `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// OK reports whether the call succeeded and carried a result.
func (r Response) OK() bool {
	return r.Error == nil && len(r.Result) > 0 && string(r.Result) != "null"
}

// Decode unmarshals the result into v.
func (r Response) Decode(v interface{}) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return fmt.Errorf("%s returned no result", r.Method)
	}
	return json.Unmarshal(r.Result, v)
}

// Request is a call waiting in, or being served from, the queue.
type Request struct {
	ID     uint64
	Method string
	Params interface{}
	URL    string
}

// Observer receives the duration and outcome code of every call served.
// A code of 0 means success.
type Observer interface {
	ObserveCall(method string, duration time.Duration, code int)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default keep-alive HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithObserver attaches an Observer to the client.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

type job struct {
	ctx  context.Context
	req  Request
	resp chan Response
}

// Client sends JSON-RPC requests one at a time, in submission order.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *logger.Logger
	observer   Observer

	seq atomic.Uint64

	mu     sync.Mutex
	queue  []*job
	closed bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a client for endpoint and starts its worker.
func NewClient(endpoint string, log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		logger:   log,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = newHTTPClient()
	}

	c.wg.Add(1)
	go c.run()

	return c
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxConnsPerHost:     1,
			MaxIdleConnsPerHost: 1,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Endpoint returns the default URL requests are sent to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Call queues method and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) Response {
	return c.wait(ctx, method, params, c.Go(ctx, method, params))
}

// CallURL is Call against an explicit endpoint.
func (c *Client) CallURL(ctx context.Context, url, method string, params interface{}) Response {
	return c.wait(ctx, method, params, c.GoURL(ctx, url, method, params))
}

// GetRPC calls "get_<name>".
func (c *Client) GetRPC(ctx context.Context, name string, params interface{}) Response {
	return c.Call(ctx, "get_"+name, params)
}

// Go queues method and returns a channel that receives exactly one Response.
func (c *Client) Go(ctx context.Context, method string, params interface{}) <-chan Response {
	return c.GoURL(ctx, c.endpoint, method, params)
}

// GoURL is Go against an explicit endpoint.
func (c *Client) GoURL(ctx context.Context, url, method string, params interface{}) <-chan Response {
	j := &job{
		ctx: ctx,
		req: Request{
			ID:     c.seq.Add(1),
			Method: method,
			Params: params,
			URL:    url,
		},
		resp: make(chan Response, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		j.resp <- failure(j.req, msgClosed, nil)
		return j.resp
	}
	c.queue = append(c.queue, j)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}

	return j.resp
}

func (c *Client) wait(ctx context.Context, method string, params interface{}, ch <-chan Response) Response {
	select {
	case resp := <-ch:
		return resp
	case <-ctx.Done():
		return failure(Request{Method: method, Params: params}, msgCancelled, ctx.Err())
	}
}

// Clear discards every queued request. Each one receives a cancellation
// error. A request already on the wire is left to finish.
func (c *Client) Clear() int {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, j := range pending {
		j.resp <- failure(j.req, msgCancelled, nil)
	}
	return len(pending)
}

// Pending returns the number of queued requests.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close clears the queue, stops the worker and drops idle connections.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if n := c.Clear(); n > 0 {
			c.logger.Debug("discarded queued rpc requests", zap.Int("count", n))
		}
		close(c.done)
		c.wg.Wait()
		c.httpClient.CloseIdleConnections()
	})
}

func (c *Client) run() {
	defer c.wg.Done()

	for {
		j, ok := c.next()
		if !ok {
			return
		}
		j.resp <- c.serve(j)
	}
}

func (c *Client) next() (*job, bool) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			j := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return j, true
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-c.done:
			return nil, false
		}
	}
}

func (c *Client) serve(j *job) Response {
	if err := j.ctx.Err(); err != nil {
		return failure(j.req, msgCancelled, err)
	}

	start := time.Now()
	resp := c.send(j.ctx, j.req)

	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	}
	if c.observer != nil {
		c.observer.ObserveCall(j.req.Method, time.Since(start), code)
	}

	c.logger.Debug("rpc call served",
		zap.Uint64("id", j.req.ID),
		zap.String("method", j.req.Method),
		zap.Int("code", code),
		zap.Duration("elapsed", time.Since(start)))

	return resp
}

func (c *Client) send(ctx context.Context, r Request) Response {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      r.ID,
		"method":  r.Method,
	}

	params, err := encodeParams(r.Params)
	if err != nil {
		return Response{
			Method: r.Method,
			Params: r.Params,
			Error:  &Error{Code: CodeTransport, Message: "invalid params", Cause: err.Error(), err: err},
		}
	}
	if params != nil {
		payload["params"] = params
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failure(r, msgInvalidResponse, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return failure(r, msgCannotConnect, err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return failure(r, msgCannotConnect, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return failure(r, msgCannotConnect, fmt.Errorf("unexpected status %s", httpResp.Status))
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&envelope); err != nil {
		return failure(r, msgInvalidResponse, err)
	}

	return Response{
		Method: r.Method,
		Params: r.Params,
		Result: envelope.Result,
		Error:  envelope.Error,
	}
}

// encodeParams returns nil for null and empty-object params so the field can
// be left off the wire. Arrays are always sent.
func encodeParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	switch string(bytes.TrimSpace(raw)) {
	case "null", "{}":
		return nil, nil
	}
	return raw, nil
}

func failure(r Request, message string, cause error) Response {
	e := &Error{Code: CodeTransport, Message: message, err: cause}
	if cause != nil {
		e.Cause = cause.Error()
	}
	return Response{Method: r.Method, Params: r.Params, Error: e}
}
