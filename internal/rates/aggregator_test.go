package rates

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	name  string
	rate  decimal.Decimal
	err   error
	calls atomic.Int32
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) GetRate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	p.calls.Add(1)
	if p.err != nil {
		return decimal.Zero, p.err
	}
	return p.rate, nil
}

func TestAggregatorAveragesAcrossProviders(t *testing.T) {
	a := NewAggregator([]Provider{
		&stubProvider{name: "a", rate: decimal.NewFromInt(5)},
		&stubProvider{name: "b", rate: decimal.NewFromInt(6)},
	}, time.Minute, zap.NewNop())

	q, err := a.GetAggregatedRate(context.Background(), "TON", "USD")
	require.NoError(t, err)
	assert.True(t, q.AverageRate.Equal(decimal.NewFromFloat(5.5)), q.AverageRate.String())
	assert.True(t, q.BestRate.Equal(decimal.NewFromInt(6)))
}

func TestAggregatorSkipsFailingProviders(t *testing.T) {
	a := NewAggregator([]Provider{
		&stubProvider{name: "down", err: errors.New("unreachable")},
		&stubProvider{name: "zero", rate: decimal.Zero},
		&stubProvider{name: "up", rate: decimal.NewFromInt(5)},
	}, time.Minute, zap.NewNop())

	q, err := a.GetAggregatedRate(context.Background(), "TON", "USD")
	require.NoError(t, err)
	assert.True(t, q.AverageRate.Equal(decimal.NewFromInt(5)))
}

func TestAggregatorErrorsWhenNoProviderResponds(t *testing.T) {
	a := NewAggregator([]Provider{
		&stubProvider{name: "down", err: errors.New("unreachable")},
	}, time.Minute, zap.NewNop())

	_, err := a.GetAggregatedRate(context.Background(), "TON", "USD")
	assert.Error(t, err)
}

func TestAggregatorCachesWithinTTL(t *testing.T) {
	p := &stubProvider{name: "a", rate: decimal.NewFromInt(5)}
	a := NewAggregator([]Provider{p}, time.Minute, zap.NewNop())

	_, err := a.GetAggregatedRate(context.Background(), "TON", "USD")
	require.NoError(t, err)
	_, err = a.GetAggregatedRate(context.Background(), "TON", "USD")
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.calls.Load())

	// A different pair is a cache miss.
	_, err = a.GetAggregatedRate(context.Background(), "BTC", "USD")
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.calls.Load())
}
