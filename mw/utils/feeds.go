package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AlertItem is one entry of an alerts feed response.
type AlertItem struct {
	Text     string `json:"text"`
	Level    string `json:"level,omitempty"`
	Type     string `json:"type,omitempty"`
	Source   string `json:"source,omitempty"`
	PostLink string `json:"post_link,omitempty"`
	Time     string `json:"time,omitempty"`
}

// AlertsClient queries the alerts feed for token-level alert items.
type AlertsClient struct {
	endpoint   string
	httpClient *http.Client
	retry      Retrier
}

func NewAlertsClient(endpoint string) *AlertsClient {
	return &AlertsClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: NewHTTPClient(),
		retry:      NewRetrier(),
	}
}

// FetchAlerts returns recent alert items mentioning any of the given tokens
// at the given severity level.
func (c *AlertsClient) FetchAlerts(ctx context.Context, level string, cryptos []string) ([]AlertItem, error) {
	payload := map[string]string{"level": level, "crypto": strings.Join(cryptos, ",")}
	var items []AlertItem
	err := c.retry.Do(ctx, "alerts api", func(ctx context.Context) error {
		return postJSON(ctx, c.httpClient, c.endpoint, payload, &items)
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// AirdropClient queries the airdrop alerts feed.
type AirdropClient struct {
	endpoint   string
	httpClient *http.Client
	retry      Retrier
}

func NewAirdropClient(endpoint string) *AirdropClient {
	return &AirdropClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: NewHTTPClient(),
		retry:      NewRetrier(),
	}
}

// FetchAirdrops returns airdrop announcements posted within the trailing
// window, expressed in minutes. An empty cryptos list asks for everything.
func (c *AirdropClient) FetchAirdrops(ctx context.Context, cryptos []string, window time.Duration) ([]AlertItem, error) {
	payload := map[string]any{
		"crypto": strings.Join(cryptos, ","),
		"time":   int(window.Minutes()),
	}
	var items []AlertItem
	err := c.retry.Do(ctx, "airdrop alerts api", func(ctx context.Context) error {
		return postJSON(ctx, c.httpClient, c.endpoint, payload, &items)
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func postJSON(ctx context.Context, hc *http.Client, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("feed status %d: %s", resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode feed response: %w", err)
	}
	return nil
}
