package mw

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func matcherConfig() *Config {
	return &Config{Chains: []*ChainConfig{{Name: "ethereum"}}}
}

func priceMatchEvent(rule *Rule) MatchEvent {
	return MatchEvent{
		Rule: *rule,
		MatchData: MatchData{Matches: []MatchEntry{
			{Condition: CondPriceAbove, Token: "BTC", Value: 105000, Threshold: 100000},
		}},
	}
}

func TestValidateMatch(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*MatchEvent)
		wantErr bool
	}{
		{
			name:    "valid price match",
			mutate:  func(*MatchEvent) {},
			wantErr: false,
		},
		{
			name:    "missing rule id",
			mutate:  func(ev *MatchEvent) { ev.Rule.RuleID = "" },
			wantErr: true,
		},
		{
			name:    "unknown channel",
			mutate:  func(ev *MatchEvent) { ev.Rule.NotifyChannel = "pigeon" },
			wantErr: true,
		},
		{
			name:    "missing notify id",
			mutate:  func(ev *MatchEvent) { ev.Rule.NotifyID = "" },
			wantErr: true,
		},
		{
			name:    "no matches",
			mutate:  func(ev *MatchEvent) { ev.MatchData.Matches = nil },
			wantErr: true,
		},
		{
			name: "empty condition",
			mutate: func(ev *MatchEvent) {
				ev.MatchData.Matches[0].Condition = ""
			},
			wantErr: true,
		},
		{
			name: "price condition without token",
			mutate: func(ev *MatchEvent) {
				ev.MatchData.Matches[0].Token = ""
			},
			wantErr: true,
		},
		{
			name: "trade without wallet",
			mutate: func(ev *MatchEvent) {
				ev.MatchData.Matches[0] = MatchEntry{Condition: string(TxTokenTrade)}
			},
			wantErr: true,
		},
		{
			name: "nft trade without wallet",
			mutate: func(ev *MatchEvent) {
				ev.MatchData.Matches[0] = MatchEntry{Condition: string(TxNftTrade)}
			},
			wantErr: true,
		},
		{
			name: "alert without message",
			mutate: func(ev *MatchEvent) {
				ev.MatchData.Matches[0] = MatchEntry{Condition: CondAlert}
			},
			wantErr: true,
		},
		{
			name: "balance change needs nothing extra",
			mutate: func(ev *MatchEvent) {
				ev.MatchData.Matches[0] = MatchEntry{Condition: string(TxBalanceChange), Wallet: "0xabc"}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := priceMatchEvent(validTestRule())
			tt.mutate(&ev)
			err := validateMatch(&ev)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateMatch() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMatcherDeliversNotification(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	m := NewMatcher(b, matcherConfig(), zerolog.Nop())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	got := make(chan Notification, 4)
	err := b.Subscribe(ctx, topicSendNotify(WatchToken), func(_ string, payload []byte) {
		var n Notification
		if json.Unmarshal(payload, &n) == nil {
			got <- n
		}
	})
	if err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}

	rule := validTestRule()
	rule.Metadata = map[string]any{"reply_markup": map[string]any{"inline_keyboard": []any{}}}
	if err := b.Publish(ctx, topicRuleMatched(WatchToken), priceMatchEvent(rule)); err != nil {
		t.Fatalf("Publish() = %v", err)
	}

	var n Notification
	select {
	case n = <-got:
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}

	if n.ID == "" {
		t.Error("notification carries no id")
	}
	if n.User != rule.NotifyID || n.Channel != ChannelTelegram {
		t.Errorf("user/channel = %s/%s", n.User, n.Channel)
	}
	want := "<b>BTC</b> price above $100,000.00 (current: $105,000.00)"
	if n.Message != want {
		t.Errorf("message = %q, want %q", n.Message, want)
	}
	if n.Metadata.ParseMode != "HTML" || !n.Metadata.DisableWebPagePreview {
		t.Errorf("metadata = %+v", n.Metadata)
	}
	if n.Metadata.RuleID != rule.RuleID || n.Metadata.WatchType != WatchToken {
		t.Errorf("metadata rule/type = %s/%s", n.Metadata.RuleID, n.Metadata.WatchType)
	}
	if n.Status != NotifyPending {
		t.Errorf("status = %q, want pending", n.Status)
	}
	if _, ok := n.ReplyMarkup["inline_keyboard"]; !ok {
		t.Errorf("reply markup lost: %+v", n.ReplyMarkup)
	}
}

func TestMatcherSuppressesRepeat(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	m := NewMatcher(b, matcherConfig(), zerolog.Nop())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	got := make(chan Notification, 4)
	err := b.Subscribe(ctx, topicSendNotify(WatchToken), func(_ string, payload []byte) {
		var n Notification
		if json.Unmarshal(payload, &n) == nil {
			got <- n
		}
	})
	if err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}

	ev := priceMatchEvent(validTestRule())
	if err := b.Publish(ctx, topicRuleMatched(WatchToken), ev); err != nil {
		t.Fatal(err)
	}
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("first match not delivered")
	}

	// identical match data inside the window stays quiet
	if err := b.Publish(ctx, topicRuleMatched(WatchToken), ev); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-got:
		t.Fatalf("repeat match should be suppressed, got %q", n.Message)
	case <-time.After(300 * time.Millisecond):
	}

	// changed match data goes out
	ev.MatchData.Matches[0].Value = 110000
	if err := b.Publish(ctx, topicRuleMatched(WatchToken), ev); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-got:
		want := "<b>BTC</b> price above $100,000.00 (current: $110,000.00)"
		if n.Message != want {
			t.Errorf("message = %q, want %q", n.Message, want)
		}
	case <-time.After(time.Second):
		t.Fatal("changed match not delivered")
	}
}

func TestMatcherDedupFailsOpen(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()
	m := NewMatcher(b, matcherConfig(), zerolog.Nop())

	mr.Close()
	ev := priceMatchEvent(validTestRule())
	dup, err := m.repeatedMatch(ctx, WatchToken, &ev)
	if err == nil {
		t.Fatal("expected an error with the broker down")
	}
	if dup {
		t.Error("broker failure must not suppress delivery")
	}
}

func TestMatcherDropsInvalidAndMalformed(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()
	m := NewMatcher(b, matcherConfig(), zerolog.Nop())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	got := make(chan Notification, 4)
	err := b.Subscribe(ctx, topicSendNotify(WatchToken), func(_ string, payload []byte) {
		var n Notification
		if json.Unmarshal(payload, &n) == nil {
			got <- n
		}
	})
	if err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}

	// no matches inside
	bad := MatchEvent{Rule: *validTestRule()}
	if err := b.Publish(ctx, topicRuleMatched(WatchToken), bad); err != nil {
		t.Fatal(err)
	}
	// not even JSON
	mr.Publish(topicRuleMatched(WatchToken), "{definitely not json")

	select {
	case n := <-got:
		t.Fatalf("nothing should be delivered, got %q", n.Message)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNotifyLastKey(t *testing.T) {
	if got := notifyLastKey(WatchToken, "rule-1"); got != "notify:last:token:rule-1" {
		t.Errorf("notifyLastKey() = %q", got)
	}
}

func TestReplyMarkup(t *testing.T) {
	tests := []struct {
		name     string
		meta     map[string]any
		expected bool
	}{
		{"nil metadata", nil, false},
		{"no markup", map[string]any{"note": "x"}, false},
		{"markup present", map[string]any{"reply_markup": map[string]any{"inline_keyboard": []any{}}}, true},
		{"markup wrong shape", map[string]any{"reply_markup": "yes"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := replyMarkup(tt.meta)
			if (got != nil) != tt.expected {
				t.Errorf("replyMarkup() = %v, want present=%v", got, tt.expected)
			}
		})
	}
}
