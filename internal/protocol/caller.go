package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/sugawarayuuta/sonnet"

	"github.com/philsphicas/gamerelay/internal/metrics"
)

// DefaultTimeout bounds every outbound call.
const DefaultTimeout = 8 * time.Second

const maxResponseBody = 1 << 20

// StatusError is a non-2xx API response.
type StatusError struct {
	Status int
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Msg)
}

// HasStatus reports whether err is a StatusError with the given status.
func HasStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// CallerOptions configures a Caller.
type CallerOptions struct {
	Timeout time.Duration // per call, including connect (default DefaultTimeout)
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Transport overrides the HTTP transport. Tests use it.
	Transport policy.Transporter
}

// Caller issues API calls through an azcore pipeline with retries
// disabled: a failed federation call is reported, never repeated.
type Caller struct {
	pl      runtime.Pipeline
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewCaller builds a Caller.
func NewCaller(opts CallerOptions) *Caller {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Client{Timeout: opts.Timeout}
	}
	pl := runtime.NewPipeline("gamerelay", "v1.0.0", runtime.PipelineOptions{}, &policy.ClientOptions{
		Retry:     policy.RetryOptions{MaxRetries: -1},
		Transport: transport,
	})
	return &Caller{pl: pl, timeout: opts.Timeout, logger: opts.Logger, metrics: opts.Metrics}
}

// JoinURL appends an API path to a base such as "http://host:port".
func JoinURL(base, path string) string {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return runtime.JoinPaths(base, path)
}

// Post sends form to rawURL and decodes the envelope's data into T. op
// labels the call in logs and metrics.
func Post[T any](ctx context.Context, c *Caller, op, rawURL string, form url.Values) (T, error) {
	return do[T](ctx, c, op, http.MethodPost, rawURL, form)
}

// Get sends query to rawURL and decodes the envelope's data into T.
func Get[T any](ctx context.Context, c *Caller, op, rawURL string, query url.Values) (T, error) {
	return do[T](ctx, c, op, http.MethodGet, rawURL, query)
}

func do[T any](ctx context.Context, c *Caller, op, method, rawURL string, form url.Values) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	env, err := c.roundTrip(ctx, method, rawURL, form)
	outcome := metrics.CallOutcome(err, metrics.CallFailed)
	var se *StatusError
	if errors.As(err, &se) {
		outcome = metrics.CallBadResponse
	}
	c.metrics.ObserveCall(op, time.Since(start).Seconds(), outcome)
	if err != nil {
		c.logger.Debug("call failed", "op", op, "url", rawURL, "error", err)
		return zero, fmt.Errorf("%s: %w", op, err)
	}

	var out Envelope[T]
	if err := sonnet.Unmarshal(env, &out); err != nil {
		return zero, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return out.Data, nil
}

func (c *Caller) roundTrip(ctx context.Context, method, rawURL string, form url.Values) ([]byte, error) {
	if method == http.MethodGet && len(form) > 0 {
		rawURL += "?" + form.Encode()
	}
	req, err := runtime.NewRequest(ctx, method, rawURL)
	if err != nil {
		return nil, err
	}
	req.Raw().Header.Set("Accept", "application/json")
	if method == http.MethodPost {
		body := streaming.NopCloser(strings.NewReader(form.Encode()))
		if err := req.SetBody(body, "application/x-www-form-urlencoded"); err != nil {
			return nil, err
		}
	}
	resp, err := c.pl.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}
	var head struct {
		OK  bool   `json:"ok"`
		Msg string `json:"msg"`
	}
	decodeErr := sonnet.Unmarshal(body, &head)
	if resp.StatusCode >= 400 || (decodeErr == nil && !head.OK) {
		return nil, &StatusError{Status: resp.StatusCode, Msg: head.Msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	return body, nil
}
