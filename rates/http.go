/*
Package rates fetches realtime exchange rates from an external JSON feed.

PURPOSE:
  The billing engine asks for a rate only from settings sync, never from
  the command path. The fetcher therefore favours correctness over latency:
  every call is retried with backoff behind a circuit breaker, and
  concurrent requests for the same currency share one round trip.

FEED CONTRACT:
  URL  - template; "{currency}" is replaced with the chat currency
  Path - gjson path to the rate in the response body; may also contain
         "{currency}". The value may be a JSON number or a numeric string.
*/
package rates

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/warp/billing-engine/billing"
)

var tracer = otel.Tracer("github.com/warp/billing-engine/rates")

// maxBody bounds how much of a feed response is read.
const maxBody = 1 << 20

// Recorder counts fetch outcomes. observability.Metrics implements it.
type Recorder interface {
	RateFetch(ok bool)
}

// HTTPFetcher implements billing.RateFetcher over HTTP.
type HTTPFetcher struct {
	URL      string
	Path     string
	Recorder Recorder // optional

	client *http.Client
	cb     *gobreaker.CircuitBreaker
	cfg    Resilience
	group  singleflight.Group
	logger *zap.Logger
}

var _ billing.RateFetcher = (*HTTPFetcher)(nil)

func NewHTTPFetcher(client *http.Client, url, path string, cfg Resilience, logger *zap.Logger) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFetcher{
		URL:    url,
		Path:   path,
		client: client,
		cb:     NewCircuitBreaker("rate-feed"),
		cfg:    cfg,
		logger: logger,
	}
}

// FetchRate returns the current rate of one crypto unit in currency.
func (f *HTTPFetcher) FetchRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = strings.ToUpper(currency)
	v, err, shared := f.group.Do(currency, func() (any, error) {
		return f.fetch(ctx, currency)
	})
	if err != nil {
		return decimal.Zero, err
	}
	if shared {
		f.logger.Debug("rate fetch shared", zap.String("currency", currency))
	}
	return v.(decimal.Decimal), nil
}

func (f *HTTPFetcher) fetch(ctx context.Context, currency string) (decimal.Decimal, error) {
	ctx, span := tracer.Start(ctx, "HTTPFetcher.FetchRate")
	defer span.End()
	span.SetAttributes(attribute.String("currency", currency))

	url := expand(f.URL, currency)
	path := expand(f.Path, currency)

	result, err := f.cb.Execute(func() (any, error) {
		var rate decimal.Decimal
		err := RetryWithBackoff(ctx, f.cfg, func() error {
			var err error
			rate, err = f.get(ctx, url, path)
			return err
		})
		return rate, err
	})
	f.record(err == nil)
	if err != nil {
		span.RecordError(err)
		f.logger.Warn("rate feed failed",
			zap.String("currency", currency),
			zap.String("url", url),
			zap.Error(err),
		)
		return decimal.Zero, err
	}
	return result.(decimal.Decimal), nil
}

func (f *HTTPFetcher) get(ctx context.Context, url, path string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return decimal.Zero, err
	}

	value := gjson.GetBytes(body, path)
	if !value.Exists() {
		return decimal.Zero, fmt.Errorf("rate feed: path %q not found", path)
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(value.String()))
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate feed: %q is not a number", value.String())
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("rate feed: non-positive rate %s", rate)
	}
	return rate, nil
}

func (f *HTTPFetcher) record(ok bool) {
	if f.Recorder != nil {
		f.Recorder.RateFetch(ok)
	}
}

func expand(template, currency string) string {
	return strings.ReplaceAll(template, "{currency}", currency)
}
