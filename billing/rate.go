package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// RATE RESOLVER - Which exchange rate prices the aggregates
// =============================================================================

// RateFetcher fetches the realtime fiat/crypto-unit rate from an external feed.
type RateFetcher interface {
	FetchRate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// RateResolver picks the effective rate of a chat.
//
// Precedence: fixed rate, then realtime rate. When neither is set the rate
// is unset; fetching a realtime rate happens only from settings sync
// (EnsureRate / RefreshRealtime), never from the command path.
type RateResolver struct {
	Store   ChatStore
	Fetcher RateFetcher // May be nil: realtime rates then come only from settings
	logger  *zap.Logger
}

func NewRateResolver(store ChatStore, fetcher RateFetcher, logger *zap.Logger) *RateResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateResolver{Store: store, Fetcher: fetcher, logger: logger}
}

// EffectiveRate returns the rate in force for the chat, or nil when unset.
func (r *RateResolver) EffectiveRate(chat Chat) *decimal.Decimal {
	if chat.FixedRate != nil && chat.FixedRate.IsPositive() {
		return chat.FixedRate
	}
	if chat.RealtimeRate != nil && chat.RealtimeRate.IsPositive() {
		return chat.RealtimeRate
	}
	return nil
}

// RefreshRealtime fetches the realtime rate and persists it on the chat.
func (r *RateResolver) RefreshRealtime(ctx context.Context, chat Chat) (decimal.Decimal, error) {
	if r.Fetcher == nil {
		return decimal.Zero, fmt.Errorf("%w: no rate feed configured", ErrRateFetch)
	}

	rate, err := r.Fetcher.FetchRate(ctx, chat.Currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrRateFetch, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive rate %s", ErrRateFetch, rate)
	}

	if err := r.Store.SetRealtimeRate(ctx, chat.Key, rate); err != nil {
		return decimal.Zero, &StoreWriteError{Op: "set realtime rate", Chat: chat.Key, Err: err}
	}

	r.logger.Info("realtime rate updated",
		zap.Stringer("chat", chat.Key),
		zap.String("currency", chat.Currency),
		zap.Stringer("rate", rate),
	)
	return rate, nil
}

// EnsureRate fetches a realtime rate when the chat has no effective rate.
// Returns true when a rate was fetched. Failures leave the rate unset.
func (r *RateResolver) EnsureRate(ctx context.Context, chat Chat) bool {
	if r.EffectiveRate(chat) != nil || r.Fetcher == nil {
		return false
	}
	if _, err := r.RefreshRealtime(ctx, chat); err != nil {
		r.logger.Warn("realtime rate unavailable",
			zap.Stringer("chat", chat.Key),
			zap.Error(err),
		)
		return false
	}
	return true
}
