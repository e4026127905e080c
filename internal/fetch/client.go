// Package fetch talks to the marketplace API through a paced, proxy-rotating,
// retrying HTTP client.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/card-valuation-ea/internal/proxy"
	"github.com/yourorg/card-valuation-ea/internal/ratelimit"
)

var (
	// ErrExhaustedRetries is reported by Result.Err when every attempt failed transiently
	ErrExhaustedRetries = errors.New("retries exhausted")

	// ErrUpstreamStatus marks non-retryable HTTP responses
	ErrUpstreamStatus = errors.New("non-retryable upstream status")
)

// Status classifies how a fetch ended
type Status int

const (
	// StatusFetched means the body was received and decoded
	StatusFetched Status = iota
	// StatusBlocked means every attempt was answered with 403
	StatusBlocked
	// StatusExhausted means the retry budget ran out on 429s, transport or decode errors
	StatusExhausted
)

func (s Status) String() string {
	switch s {
	case StatusFetched:
		return "fetched"
	case StatusBlocked:
		return "blocked"
	case StatusExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Result describes the outcome of a fetch that did not hard-fail. A degraded
// result carries no data; callers treat it as "nothing known", not as a crash.
type Result struct {
	Status Status
	// Attempts and LastErr are set for degraded results
	Attempts int
	LastErr  error
}

// Degraded reports whether the fetch produced no data
func (r Result) Degraded() bool {
	return r.Status != StatusFetched
}

// Err returns ErrExhaustedRetries (wrapping the last failure) for degraded results
func (r Result) Err() error {
	if !r.Degraded() {
		return nil
	}
	if r.LastErr != nil {
		return fmt.Errorf("%w after %d attempts (%s): %v", ErrExhaustedRetries, r.Attempts, r.Status, r.LastErr)
	}
	return fmt.Errorf("%w after %d attempts (%s)", ErrExhaustedRetries, r.Attempts, r.Status)
}

// StatusError is a non-retryable HTTP response
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream error: status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrUpstreamStatus
}

// exhaustedError is produced by the give-up handler when transient failures used up the budget
type exhaustedError struct {
	attempts   int
	lastStatus int
	err        error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts (last status %d): %v", e.attempts, e.lastStatus, e.err)
}

// Request describes one logical upstream call
type Request struct {
	// Name labels the endpoint in logs and metrics
	Name   string
	URL    string
	Params url.Values
}

// Options configures a Client
type Options struct {
	Limiter   *ratelimit.Limiter
	Rotator   *proxy.Rotator
	APIKey    string
	Origin    string
	Timeout   time.Duration
	Policy    RetryPolicy
	Metrics   *Metrics
	Transport http.RoundTripper
}

// Client performs paced, proxy-rotated JSON GETs with bounded retries. Before
// every attempt it waits on the rate limiter, takes the next proxy and picks a
// fresh user agent.
type Client struct {
	retry     *retryablehttp.Client
	transport http.RoundTripper
	policy    RetryPolicy
	metrics   *Metrics
}

// NewClient creates a client from options
func NewClient(opts Options) *Client {
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	base := opts.Transport
	if base == nil {
		base = newBaseTransport(opts.Rotator)
	}

	transport := &pacedTransport{
		base:    base,
		limiter: opts.Limiter,
		apiKey:  opts.APIKey,
		origin:  opts.Origin,
	}

	c := &Client{
		transport: transport,
		policy:    opts.Policy,
		metrics:   opts.Metrics,
	}
	c.retry = c.newRetryClient(opts.Timeout)
	return c
}

// WithTimeout returns a client sharing this client's transport, pacing and
// proxies but with a different per-attempt timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	clone := &Client{
		transport: c.transport,
		policy:    c.policy,
		metrics:   c.metrics,
	}
	clone.retry = clone.newRetryClient(timeout)
	return clone
}

// newBaseTransport creates the pooled transport; the rotator picks a proxy per request
func newBaseTransport(rotator *proxy.Rotator) *http.Transport {
	return &http.Transport{
		Proxy: rotator.ProxyFunc(),
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// newRetryClient wires the retry policy into a retryablehttp client
func (c *Client) newRetryClient(timeout time.Duration) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{
		Transport: c.transport,
		Timeout:   timeout,
	}
	rc.Logger = leveledLogger{}
	rc.RetryMax = c.policy.MaxAttempts - 1
	rc.CheckRetry = c.policy.CheckRetry
	rc.Backoff = c.policy.Backoff
	rc.ErrorHandler = giveUp
	rc.RequestLogHook = c.onAttempt
	rc.ResponseLogHook = c.onResponse
	return rc
}

// GetJSON fetches req and decodes the body into T.
//
// The returned error is reserved for hard failures: non-retryable statuses,
// malformed requests and context cancellation. Transient failures that outlast
// the retry budget come back as a degraded Result with a zero T.
func GetJSON[T any](ctx context.Context, c *Client, req Request) (T, Result, error) {
	var out T

	target := req.URL
	if len(req.Params) > 0 {
		target += "?" + req.Params.Encode()
	}

	ctx = context.WithValue(ctx, endpointKey{}, req.Name)
	rreq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return out, Result{}, fmt.Errorf("error creating request: %w", err)
	}

	rreq.SetResponseHandler(func(resp *http.Response) error {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil
		}
		var decoded T
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("error decoding %s response: %w", req.Name, err)
		}
		out = decoded
		return nil
	})

	resp, err := c.retry.Do(rreq)
	if resp != nil {
		resp.Body.Close()
	}
	if err == nil {
		return out, Result{Status: StatusFetched}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, Result{}, ctxErr
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return out, Result{}, statusErr
	}

	var exhausted *exhaustedError
	if errors.As(err, &exhausted) {
		result := Result{Status: StatusExhausted, Attempts: exhausted.attempts, LastErr: exhausted.err}
		if exhausted.lastStatus == http.StatusForbidden {
			result.Status = StatusBlocked
		}
		c.metrics.degraded(req.Name, result.Status)
		logrus.WithFields(logrus.Fields{
			"endpoint": req.Name,
			"status":   result.Status.String(),
			"attempts": result.Attempts,
		}).Warn("Upstream fetch degraded to empty result")
		return out, result, nil
	}

	return out, Result{}, fmt.Errorf("%s request failed: %w", req.Name, err)
}

// giveUp runs once retryablehttp stops trying. Hard failures pass through;
// anything else means the transient budget ran out.
func giveUp(resp *http.Response, err error, numTries int) (*http.Response, error) {
	status := 0
	if resp != nil {
		status = resp.StatusCode
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) || errors.Is(err, context.Canceled) {
		return nil, err
	}
	if err == nil {
		err = fmt.Errorf("status %d", status)
	}
	return nil, &exhaustedError{attempts: numTries, lastStatus: status, err: err}
}

type endpointKey struct{}

func endpointName(req *http.Request) string {
	if name, ok := req.Context().Value(endpointKey{}).(string); ok && name != "" {
		return name
	}
	return req.URL.Path
}

func (c *Client) onAttempt(_ retryablehttp.Logger, req *http.Request, attempt int) {
	if attempt == 0 {
		return
	}
	name := endpointName(req)
	c.metrics.retry(name)
	logrus.WithFields(logrus.Fields{
		"endpoint": name,
		"attempt":  attempt + 1,
	}).Debug("Retrying upstream request")
}

func (c *Client) onResponse(_ retryablehttp.Logger, resp *http.Response) {
	c.metrics.response(endpointName(resp.Request), resp.StatusCode)
}

// leveledLogger routes retryablehttp's own logging through logrus at debug level
type leveledLogger struct{}

func (leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	logrus.WithFields(fields(keysAndValues)).Debug(msg)
}

func (leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	logrus.WithFields(fields(keysAndValues)).Debug(msg)
}

func (leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	logrus.WithFields(fields(keysAndValues)).Debug(msg)
}

func (leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	logrus.WithFields(fields(keysAndValues)).Debug(msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
