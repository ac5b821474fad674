// Package fetch provides the upstream market-data clients the analysis core depends on: price
// history, option contract listings, option quotes and trending-ticker discovery.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jongan69/trading-api/internal/circuitbreaker"
	"github.com/jongan69/trading-api/internal/config"
	"github.com/jongan69/trading-api/internal/model"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrNoData is returned when an upstream answers successfully but carries nothing usable.
var ErrNoData = errors.New("no data returned")

// PriceHistory supplies closing prices for an underlying.
type PriceHistory interface {
	// FetchPrices returns closes oldest first over the lookback window named by rangeLabel
	FetchPrices(ctx context.Context, symbol, rangeLabel string) ([]float64, error)

	// LatestClose returns the most recent close
	LatestClose(ctx context.Context, symbol string) (float64, error)
}

// ContractQuery selects listed contracts for one underlying, side and expiry window.
type ContractQuery struct {
	Underlying     string
	Side           model.OptionSide
	ExpirationFrom time.Time
	ExpirationTo   time.Time
}

// Contracts lists option contracts.
type Contracts interface {
	ListContracts(ctx context.Context, q ContractQuery) ([]model.OptionContract, error)
}

// Quotes prices a single contract.
type Quotes interface {
	Quote(ctx context.Context, contract model.OptionContract) (model.OptionPrices, error)
}

// TrendingSource discovers currently popular tickers.
type TrendingSource interface {
	Name() string
	Discover(ctx context.Context, limit int) ([]string, error)
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status code %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status code %d: %s", e.Provider, e.Code, e.Body)
}

// StatusCode extracts the HTTP status from err, or zero when err is not a StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// IsUpstreamFailure reports whether err reflects an unhealthy upstream rather than a bad request
// or a cancelled caller.
func IsUpstreamFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	code := StatusCode(err)
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return false
	}
	return !errors.Is(err, ErrNoData)
}

// ClientOptions configures the retrying HTTP client.
type ClientOptions struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
	UserAgent    string
}

// DefaultClientOptions returns conservative retry settings.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		RetryMax:     3,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 3 * time.Second,
		Timeout:      30 * time.Second,
		UserAgent:    "Mozilla/5.0 (compatible; trading-api/1.0)",
	}
}

// ClientOptionsFromConfig derives client options from application configuration.
func ClientOptionsFromConfig(cfg config.Config) ClientOptions {
	opts := DefaultClientOptions()
	opts.RetryMax = cfg.RetryMax
	opts.RetryWaitMin = cfg.RetryWaitMin
	opts.RetryWaitMax = cfg.RetryWaitMax
	if cfg.RequestTimeout > 0 {
		opts.Timeout = cfg.RequestTimeout
	}
	return opts
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient(name string, opts ClientOptions) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = opts.RetryMax
	c.RetryWaitMin = opts.RetryWaitMin
	c.RetryWaitMax = opts.RetryWaitMax
	c.HTTPClient.Timeout = opts.Timeout
	c.Logger = retryLogger{entry: logrus.WithField("provider", name)}
	// hand the final response back so status codes can be classified
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

// retryLogger routes retryablehttp's leveled logging through logrus.
type retryLogger struct {
	entry *logrus.Entry
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.entry.WithFields(kvFields(kv)).Error(msg) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.entry.WithFields(kvFields(kv)).Debug(msg) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.entry.WithFields(kvFields(kv)).Debug(msg) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.entry.WithFields(kvFields(kv)).Warn(msg) }

func kvFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}

// Upstream bundles everything needed to call one provider politely: a retrying client, a circuit
// breaker and optional rate and concurrency limits.
type Upstream struct {
	name      string
	client    *retryablehttp.Client
	breaker   *circuitbreaker.CircuitBreaker
	limiter   *rate.Limiter
	sem       *semaphore.Weighted
	userAgent string
	onError   func(provider string, err error)
}

// NewUpstream creates an Upstream. breaker may be nil.
func NewUpstream(name string, opts ClientOptions, breaker *circuitbreaker.CircuitBreaker) *Upstream {
	return &Upstream{
		name:      name,
		client:    newRetryClient(name, opts),
		breaker:   breaker,
		userAgent: opts.UserAgent,
	}
}

// WithRateLimit caps outbound requests per second.
func (u *Upstream) WithRateLimit(rps float64, burst int) *Upstream {
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		u.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return u
}

// WithConcurrency caps in-flight requests.
func (u *Upstream) WithConcurrency(n int) *Upstream {
	if n > 0 {
		u.sem = semaphore.NewWeighted(int64(n))
	}
	return u
}

// WithErrorHook registers fn to observe every failed request that counts against the provider.
func (u *Upstream) WithErrorHook(fn func(provider string, err error)) *Upstream {
	u.onError = fn
	return u
}

// get performs a GET and hands the successful body to read.
func (u *Upstream) get(ctx context.Context, url string, header http.Header, read func(io.Reader) error) error {
	if u.sem != nil {
		if err := u.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer u.sem.Release(1)
	}
	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	call := func() error {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if req.Header.Get("User-Agent") == "" && u.userAgent != "" {
			req.Header.Set("User-Agent", u.userAgent)
		}

		resp, err := u.client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: request failed: %w", u.name, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{Provider: u.name, Code: resp.StatusCode, Body: string(body)}
		}
		return read(resp.Body)
	}

	var err error
	if u.breaker == nil {
		err = call()
	} else {
		err = u.breaker.Execute(call, IsUpstreamFailure)
	}
	if err != nil && u.onError != nil && IsUpstreamFailure(err) {
		u.onError(u.name, err)
	}
	return err
}

// getJSON performs a GET and decodes the JSON body into out.
func (u *Upstream) getJSON(ctx context.Context, url string, header http.Header, out any) error {
	return u.get(ctx, url, header, func(r io.Reader) error {
		if err := json.NewDecoder(r).Decode(out); err != nil {
			return fmt.Errorf("%s: failed to decode response: %w", u.name, err)
		}
		return nil
	})
}
