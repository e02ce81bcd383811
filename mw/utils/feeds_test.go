package utils

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchAlerts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["level"] != "ALERT" {
			t.Errorf("level = %q, want ALERT", payload["level"])
		}
		if payload["crypto"] != "BTC,ETH" {
			t.Errorf("crypto = %q, want BTC,ETH", payload["crypto"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"text":"BTC whale moved 10k","level":"ALERT","type":"whale_alert","source":"feed"}]`))
	}))
	defer server.Close()

	c := NewAlertsClient(server.URL)
	c.retry = Retrier{Attempts: 1, BaseDelay: time.Millisecond}
	items, err := c.FetchAlerts(context.Background(), "ALERT", []string{"BTC", "ETH"})
	if err != nil {
		t.Fatalf("FetchAlerts() = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Text != "BTC whale moved 10k" {
		t.Errorf("text = %q", items[0].Text)
	}
	if items[0].Type != "whale_alert" {
		t.Errorf("type = %q, want whale_alert", items[0].Type)
	}
}

func TestFetchAirdrops(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		// The window travels in minutes.
		if payload["time"].(float64) != 15 {
			t.Errorf("time = %v, want 15", payload["time"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"text":"Project X snapshot today","type":"airdrop"}]`))
	}))
	defer server.Close()

	c := NewAirdropClient(server.URL)
	c.retry = Retrier{Attempts: 1, BaseDelay: time.Millisecond}
	items, err := c.FetchAirdrops(context.Background(), nil, 15*time.Minute)
	if err != nil {
		t.Fatalf("FetchAirdrops() = %v", err)
	}
	if len(items) != 1 || items[0].Text != "Project X snapshot today" {
		t.Errorf("unexpected items: %+v", items)
	}
}

func TestFeedServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewAlertsClient(server.URL)
	c.retry = Retrier{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	if _, err := c.FetchAlerts(context.Background(), "ALERT", []string{"BTC"}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}
