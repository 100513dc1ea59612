package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const providerTimeout = 10 * time.Second

// BinanceProvider fetches spot prices from the Binance public ticker API.
type BinanceProvider struct {
	client *http.Client
}

// NewBinanceProvider creates a Binance rate provider.
func NewBinanceProvider() *BinanceProvider {
	return &BinanceProvider{client: &http.Client{Timeout: providerTimeout}}
}

func (b *BinanceProvider) Name() string { return "binance" }

func (b *BinanceProvider) GetRate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	// Binance quotes against USDT; treat USD and USDT as equivalent here.
	if quote == "USD" {
		quote = "USDT"
	}
	baseURLs := []string{"https://api.binance.com", "https://api1.binance.com", "https://api-gcp.binance.com"}
	var lastErr error
	for _, baseURL := range baseURLs {
		url := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s%s", baseURL, base, quote)
		rate, err := b.fetch(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		return rate, nil
	}
	return decimal.Zero, lastErr
}

func (b *BinanceProvider) fetch(ctx context.Context, url string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("binance: status %d", resp.StatusCode)
	}
	var data struct {
		Price string `json:"price"`
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(data.Price)
}

// OKXProvider fetches spot prices from the OKX public ticker API.
type OKXProvider struct {
	client *http.Client
}

// NewOKXProvider creates an OKX rate provider.
func NewOKXProvider() *OKXProvider {
	return &OKXProvider{client: &http.Client{Timeout: providerTimeout}}
}

func (o *OKXProvider) Name() string { return "okx" }

func (o *OKXProvider) GetRate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	if quote == "USD" {
		quote = "USDT"
	}
	url := fmt.Sprintf("https://www.okx.com/api/v5/market/ticker?instId=%s-%s", base, quote)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("okx: status %d", resp.StatusCode)
	}
	var data struct {
		Data []struct {
			Last string `json:"last"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return decimal.Zero, err
	}
	if len(data.Data) == 0 {
		return decimal.Zero, fmt.Errorf("okx: empty ticker response")
	}
	return decimal.NewFromString(data.Data[0].Last)
}
