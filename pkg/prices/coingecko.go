// Package prices serves USD quotes for rule evaluation through a
// TTL-bounded cache over the price_quotes table, with single-flight
// coalescing of upstream fetches.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultRequestTimeout = 10 * time.Second

// Client fetches spot quotes from a CoinGecko-compatible endpoint.
type Client struct {
	baseURL string
	cli     *http.Client
}

// NewClient creates a price-provider client for the given API base,
// e.g. "https://api.coingecko.com/api/v3".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		cli:     &http.Client{Timeout: defaultRequestTimeout},
	}
}

// SimplePrices returns USD quotes for the requested provider asset ids.
// Ids the provider does not quote (or quotes with an unparsable value)
// are absent from the result. A transport or HTTP-level failure fails
// the whole call.
func (c *Client) SimplePrices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(assetIDs))
	if len(assetIDs) == 0 {
		return out, nil
	}

	q := url.Values{}
	q.Set("ids", strings.Join(assetIDs, ","))
	q.Set("vs_currencies", "usd")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price fetch: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price fetch: unexpected status %s", resp.Status)
	}

	// Decode with json.Number so quotes survive without a float round
	// trip before they reach decimal form.
	var body map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode price response: %w", err)
	}

	for _, id := range assetIDs {
		entry, ok := body[id]
		if !ok {
			continue
		}
		num, ok := entry["usd"]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(num.String())
		if err != nil {
			continue
		}
		out[id] = price
	}
	return out, nil
}
