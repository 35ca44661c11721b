package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/edgestack/edgestack/runner/internal/config"
	"github.com/edgestack/edgestack/runner/internal/retry"
)

const maxErrorBody = 64 << 10

// CallObserver receives the outcome of every remote call, retries included
// in the duration.
type CallObserver func(op string, elapsed time.Duration, err error)

// Option customises an HTTPClient.
type Option func(*HTTPClient)

// WithObserver registers fn to be called after every remote call.
func WithObserver(fn CallObserver) Option {
	return func(c *HTTPClient) { c.observe = fn }
}

// WithHTTPClient replaces the auth-aware client built from config.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.http = hc }
}

// HTTPClient talks JSON to the compute service:
//
//	POST /v1/reduce        {"expression": …} → {"values": {…}}
//	POST /v1/value         {"expression": …} → {"result": …}
//	POST /v1/exports       export request    → {"id": …, "state": …}
//	GET  /v1/exports/{id}                    → export status
//
// It is safe for concurrent use. Call Close when done.
type HTTPClient struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	retry   config.RetryConfig
	observe CallObserver
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client for cfg.Endpoint.
func NewHTTPClient(cfg config.RemoteConfig, opts ...Option) (*HTTPClient, error) {
	if _, err := url.Parse(cfg.Endpoint); err != nil || cfg.Endpoint == "" {
		return nil, fmt.Errorf("remote: invalid endpoint %q", cfg.Endpoint)
	}
	c := &HTTPClient{
		base:  strings.TrimRight(cfg.Endpoint, "/"),
		retry: cfg.Retry,
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		rt, err := buildTransport(cfg)
		if err != nil {
			return nil, fmt.Errorf("remote: build http client: %w", err)
		}
		c.http = &http.Client{Transport: rt, Timeout: cfg.Timeout}
	}
	return c, nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

type exprBody struct {
	Expression *Expr `json:"expression"`
}

// Reduce implements Client.
func (c *HTTPClient) Reduce(ctx context.Context, req ReduceRequest) (Stats, error) {
	var out struct {
		Values Stats `json:"values"`
	}
	if err := c.call(ctx, "reduce", http.MethodPost, "/v1/reduce", exprBody{req.Expr()}, &out); err != nil {
		return nil, err
	}
	if out.Values == nil {
		out.Values = Stats{}
	}
	return out.Values, nil
}

// Size implements Client.
func (c *HTTPClient) Size(ctx context.Context, coll Collection) (int, error) {
	var n int
	if err := c.value(ctx, "size", call("Collection.size", "collection", coll.expr), &n); err != nil {
		return 0, err
	}
	return n, nil
}

// Evaluate implements Client.
func (c *HTTPClient) Evaluate(ctx context.Context, e *Expr, out any) error {
	return c.value(ctx, "evaluate", e, out)
}

func (c *HTTPClient) value(ctx context.Context, op string, e *Expr, out any) error {
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.call(ctx, op, http.MethodPost, "/v1/value", exprBody{e}, &resp); err != nil {
		return err
	}
	if len(resp.Result) == 0 {
		resp.Result = json.RawMessage("null")
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return &Error{Op: op, StatusCode: http.StatusOK, Message: "decode result: " + err.Error()}
	}
	return nil
}

type exportBody struct {
	Description   string         `json:"description"`
	Kind          ExportKind     `json:"kind"`
	Expression    *Expr          `json:"expression"`
	Region        *Expr          `json:"region,omitempty"`
	Destination   Destination    `json:"destination"`
	Format        string         `json:"format"`
	FormatOptions map[string]any `json:"format_options,omitempty"`
	Scale         float64        `json:"scale,omitempty"`
	MaxPixels     float64        `json:"max_pixels,omitempty"`
}

// SubmitExport implements Client.
func (c *HTTPClient) SubmitExport(ctx context.Context, req ExportRequest) (JobHandle, error) {
	if err := req.validate(); err != nil {
		return JobHandle{}, &Error{Op: "export", Message: err.Error(), Err: err}
	}
	body := exportBody{
		Description: req.Description,
		Kind:        req.Kind,
		Destination: req.Destination,
		Format:      req.Format,
		Scale:       req.Scale,
		MaxPixels:   req.MaxPixels,
	}
	switch req.Kind {
	case ExportTable:
		body.Expression = req.Table.expr
	case ExportImage:
		body.Expression = req.Image.expr
		body.Region = req.Region.expr
	}
	if req.CloudOptimized {
		body.FormatOptions = map[string]any{"cloudOptimized": true}
	}

	var out struct {
		ID    string      `json:"id"`
		State ExportState `json:"state"`
	}
	// Job creation is not idempotent. Only refusals that happen before the
	// service accepts the request are retried, and every attempt carries the
	// same Idempotency-Key so a service that dedupes can collapse repeats.
	hdr := http.Header{"Idempotency-Key": []string{uuid.NewString()}}
	if err := c.callWith(ctx, "export", http.MethodPost, "/v1/exports", body, &out, hdr, isRefused); err != nil {
		return JobHandle{}, err
	}
	if out.ID == "" {
		return JobHandle{}, &Error{Op: "export", StatusCode: http.StatusOK, Message: "response without job id"}
	}
	return JobHandle{ID: out.ID, Description: req.Description}, nil
}

// PollStatus implements Client.
func (c *HTTPClient) PollStatus(ctx context.Context, h JobHandle) (ExportStatus, error) {
	var st ExportStatus
	if err := c.call(ctx, "status", http.MethodGet, "/v1/exports/"+url.PathEscape(h.ID), nil, &st); err != nil {
		return ExportStatus{}, err
	}
	switch st.State {
	case StatePending, StateRunning, StateCompleted, StateFailed:
		return st, nil
	default:
		return ExportStatus{}, &Error{Op: "status", StatusCode: http.StatusOK,
			Message: fmt.Sprintf("unknown job state %q", st.State)}
	}
}

// call runs one logical operation, retrying transient failures per the
// configured policy, and reports it to the observer.
func (c *HTTPClient) call(ctx context.Context, op, method, path string, in, out any) error {
	return c.callWith(ctx, op, method, path, in, out, nil, isRetryable)
}

func (c *HTTPClient) callWith(ctx context.Context, op, method, path string, in, out any,
	hdr http.Header, retryable func(error) bool) error {
	start := time.Now()
	bo := retry.NewBackoff(c.retry.InitialBackoff, c.retry.MaxBackoff)
	err := retry.Do(ctx, c.retry.MaxAttempts, bo, retryable, func() error {
		return c.do(ctx, op, method, path, in, out, hdr)
	})
	if c.observe != nil {
		c.observe(op, time.Since(start), err)
	}
	return err
}

func isRetryable(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Retryable()
}

// isRefused reports a 429: the service turned the request away unprocessed.
func isRefused(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Err == nil && re.StatusCode == http.StatusTooManyRequests
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any, hdr http.Header) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Op: op, Err: err}
		}
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("remote %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("remote %s: build request: %w", op, err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	return nil
}

// decodeError turns a non-2xx answer into *Error, using the service's
// {"error": {"code", "message"}} envelope when present.
func decodeError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	e := &Error{Op: op, StatusCode: resp.StatusCode}
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		e.Code = env.Error.Code
		e.Message = env.Error.Message
	} else {
		e.Message = strings.TrimSpace(string(raw))
	}
	return e
}
