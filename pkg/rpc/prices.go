package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/ratelimit"
)

var CoinGeckoBaseURL = "https://api.coingecko.com/api/v3"

// CoinGecko is a price source backed by the public CoinGecko API. Requests
// are throttled to stay under the free tier limit.
type CoinGecko struct {
	client  *http.Client
	limiter ratelimit.Limiter
}

func NewCoinGecko(requestsPerMinute int) *CoinGecko {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 10
	}
	return &CoinGecko{
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: ratelimit.New(requestsPerMinute, ratelimit.Per(time.Minute)),
	}
}

// Prices returns the price of every coin id in currency. Ids unknown to
// CoinGecko are absent from the result.
func (c *CoinGecko) Prices(ctx context.Context, ids []string, currency string) (map[string]decimal.Decimal, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	currency = strings.ToLower(currency)

	c.limiter.Take()

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", currency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, CoinGeckoBaseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coingecko: unexpected status %d", resp.StatusCode)
	}

	var result map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("coingecko: decode: %w", err)
	}

	prices := make(map[string]decimal.Decimal, len(result))
	for id, byCurrency := range result {
		if p, ok := byCurrency[currency]; ok {
			prices[id] = p
		}
	}
	return prices, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
