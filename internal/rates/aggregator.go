// Package rates fetches and averages exchange rates across providers.
package rates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Provider returns the current price of base quoted in quote (e.g. TON/USDT).
type Provider interface {
	Name() string
	GetRate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

// Quote is an aggregated rate snapshot.
type Quote struct {
	AverageRate decimal.Decimal `json:"average_rate"`
	BestRate    decimal.Decimal `json:"best_rate"`
	Timestamp   time.Time       `json:"timestamp"`
}

type cachedQuote struct {
	quote     *Quote
	fetchedAt time.Time
}

// Aggregator averages rates across providers with a TTL cache. Providers that
// error or return a non-positive rate are skipped.
type Aggregator struct {
	providers []Provider
	ttl       time.Duration
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedQuote
}

// NewAggregator creates an aggregator over the given providers.
func NewAggregator(providers []Provider, ttl time.Duration, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		providers: providers,
		ttl:       ttl,
		logger:    logger,
		cache:     make(map[string]cachedQuote),
	}
}

// GetAggregatedRate returns the average and best rate for base/quote across
// all responsive providers, serving from cache within the TTL.
func (a *Aggregator) GetAggregatedRate(ctx context.Context, base, quote string) (*Quote, error) {
	key := base + "-" + quote

	a.mu.Lock()
	if c, ok := a.cache[key]; ok && time.Since(c.fetchedAt) < a.ttl {
		a.mu.Unlock()
		return c.quote, nil
	}
	a.mu.Unlock()

	sum := decimal.Zero
	best := decimal.Zero
	count := 0
	for _, p := range a.providers {
		rate, err := p.GetRate(ctx, base, quote)
		if err != nil {
			a.logger.Warn("rate provider failed",
				zap.String("provider", p.Name()),
				zap.String("pair", key),
				zap.Error(err))
			continue
		}
		if !rate.IsPositive() {
			continue
		}
		sum = sum.Add(rate)
		if rate.GreaterThan(best) {
			best = rate
		}
		count++
	}
	if count == 0 {
		return nil, fmt.Errorf("no rate available for %s from any provider", key)
	}

	q := &Quote{
		AverageRate: sum.Div(decimal.NewFromInt(int64(count))),
		BestRate:    best,
		Timestamp:   time.Now(),
	}

	a.mu.Lock()
	a.cache[key] = cachedQuote{quote: q, fetchedAt: time.Now()}
	a.mu.Unlock()

	return q, nil
}
