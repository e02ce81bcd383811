package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3"
	searchCacheTTL           = time.Hour
)

// SimplePrice is one entry of a /simple/price response.
type SimplePrice struct {
	USD          float64 `json:"usd"`
	USD24hChange float64 `json:"usd_24h_change"`
	USD24hVol    float64 `json:"usd_24h_vol"`
}

// CoinInfo is the subset of a coin document the watchers care about.
type CoinInfo struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// CoinGeckoClient wraps the price API. Lookups that map symbols or contract
// addresses to API-side ids are cached; live prices are always fetched.
type CoinGeckoClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	retry      Retrier
	gate       *HostGate
	cache      *Cache
}

func NewCoinGeckoClient(apiKey string, opts ...func(*CoinGeckoClient)) *CoinGeckoClient {
	c := &CoinGeckoClient{
		apiKey:     apiKey,
		endpoint:   defaultCoinGeckoEndpoint,
		httpClient: NewHTTPClient(),
		retry:      NewRetrier(),
		gate:       NewHostGate(10),
		cache:      NewCache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithPriceEndpoint points the client at a non-default API host.
func WithPriceEndpoint(endpoint string) func(*CoinGeckoClient) {
	return func(c *CoinGeckoClient) {
		c.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// WithPriceHTTPClient swaps the underlying HTTP client.
func WithPriceHTTPClient(hc *http.Client) func(*CoinGeckoClient) {
	return func(c *CoinGeckoClient) {
		c.httpClient = hc
	}
}

// SimplePrices returns current USD price, 24h change and 24h volume for the
// given API-side ids. The response maps id → price data; ids unknown to the
// API are simply absent.
func (c *CoinGeckoClient) SimplePrices(ctx context.Context, ids []string) (map[string]SimplePrice, error) {
	if len(ids) == 0 {
		return map[string]SimplePrice{}, nil
	}
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")
	q.Set("include_24hr_vol", "true")

	var out map[string]SimplePrice
	err := c.retry.Do(ctx, "price api /simple/price", func(ctx context.Context) error {
		return c.getJSON(ctx, "/simple/price?"+q.Encode(), &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SearchCoin resolves a token symbol to its API-side id. The match must be an
// exact (case-insensitive) symbol match; the API orders results by market cap
// so the first exact hit wins. Resolutions are cached.
func (c *CoinGeckoClient) SearchCoin(ctx context.Context, symbol string) (*CoinInfo, error) {
	key := "gc:search:" + strings.ToLower(symbol)
	if v, ok := c.cache.Get(key); ok {
		ci := v.(CoinInfo)
		return &ci, nil
	}

	var resp struct {
		Coins []CoinInfo `json:"coins"`
	}
	err := c.retry.Do(ctx, "price api /search", func(ctx context.Context) error {
		return c.getJSON(ctx, "/search?query="+url.QueryEscape(symbol), &resp)
	})
	if err != nil {
		return nil, err
	}
	for _, coin := range resp.Coins {
		if strings.EqualFold(coin.Symbol, symbol) {
			c.cache.Set(key, coin, searchCacheTTL)
			return &coin, nil
		}
	}
	return nil, fmt.Errorf("no exact symbol match for %q", symbol)
}

// ContractLookup resolves a token contract address on a chain (the API's
// asset-platform id, e.g. "ethereum", "binance-smart-chain", "base") to coin
// info. Resolutions are cached.
func (c *CoinGeckoClient) ContractLookup(ctx context.Context, chain, address string) (*CoinInfo, error) {
	key := "gc:contract:" + chain + ":" + strings.ToLower(address)
	if v, ok := c.cache.Get(key); ok {
		ci := v.(CoinInfo)
		return &ci, nil
	}

	var info CoinInfo
	path := fmt.Sprintf("/coins/%s/contract/%s", url.PathEscape(chain), url.PathEscape(address))
	err := c.retry.Do(ctx, "price api contract lookup", func(ctx context.Context) error {
		return c.getJSON(ctx, path, &info)
	})
	if err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, fmt.Errorf("contract %s not known on %s", address, chain)
	}
	c.cache.Set(key, info, searchCacheTTL)
	return &info, nil
}

func (c *CoinGeckoClient) getJSON(ctx context.Context, path string, out any) error {
	if err := c.gate.Acquire(ctx); err != nil {
		return err
	}
	defer c.gate.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Permanent(fmt.Errorf("price api: %s not found", path))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("price api status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode price api response: %w", err)
	}
	return nil
}
