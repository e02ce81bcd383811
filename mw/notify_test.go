package mw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeAdapter struct {
	mux   sync.Mutex
	name  string
	fails int
	err   error
	sent  []Notification
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Send(_ context.Context, n *Notification) error {
	a.mux.Lock()
	defer a.mux.Unlock()
	if a.fails > 0 {
		a.fails--
		return errors.New("transient send failure")
	}
	if a.err != nil {
		return a.err
	}
	a.sent = append(a.sent, *n)
	return nil
}

func (a *fakeAdapter) sentCount() int {
	a.mux.Lock()
	defer a.mux.Unlock()
	return len(a.sent)
}

func testNotifyConfig() NotifyConfig {
	return NotifyConfig{
		DedupWindowSeconds: 300,
		DedupMaxMessages:   10,
		MaxRetries:         2,
		RetryDelaySeconds:  0,
		Quotas:             QuotaConfig{Telegram: 30, Web: 100, Discord: 50},
	}
}

// statusSink collects the delivery outcomes announced on the status topics.
type statusSink struct {
	sent chan StatusEvent
	fail chan StatusEvent
	dupe chan StatusEvent
}

func newStatusSink(t *testing.T, b *Broker) *statusSink {
	t.Helper()
	s := &statusSink{
		sent: make(chan StatusEvent, 8),
		fail: make(chan StatusEvent, 8),
		dupe: make(chan StatusEvent, 8),
	}
	ctx := context.Background()
	collect := func(ch chan StatusEvent) Handler {
		return func(_ string, payload []byte) {
			var ev StatusEvent
			if json.Unmarshal(payload, &ev) == nil {
				ch <- ev
			}
		}
	}
	if err := b.Subscribe(ctx, topicNotifySent(WatchToken), collect(s.sent)); err != nil {
		t.Fatalf("Subscribe(sent) = %v", err)
	}
	if err := b.Subscribe(ctx, topicNotifyFailed(WatchToken), collect(s.fail)); err != nil {
		t.Fatalf("Subscribe(failed) = %v", err)
	}
	if err := b.Subscribe(ctx, topicNotifyDupe(WatchToken), collect(s.dupe)); err != nil {
		t.Fatalf("Subscribe(duplicate) = %v", err)
	}
	return s
}

func awaitStatus(t *testing.T, ch chan StatusEvent, what string) StatusEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s status event", what)
		return StatusEvent{}
	}
}

func testNotification(msg string) Notification {
	return Notification{
		ID:      "n-1",
		User:    "12345",
		Channel: ChannelTelegram,
		Message: msg,
		Metadata: NotifyMeta{
			RuleID:    "rule-1",
			UserID:    "user-1",
			WatchType: WatchToken,
			ParseMode: "HTML",
		},
		Status: NotifyPending,
	}
}

func startDispatcher(t *testing.T, cfg NotifyConfig) (*Dispatcher, *Broker, *fakeAdapter, *statusSink) {
	t.Helper()
	b, _ := newTestBroker(t)
	d := NewDispatcher(b, cfg, newMetrics(), zerolog.Nop())
	adapter := &fakeAdapter{name: ChannelTelegram}
	d.RegisterAdapter(adapter)
	sink := newStatusSink(t, b)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	return d, b, adapter, sink
}

func TestDispatcherDelivers(t *testing.T) {
	_, b, adapter, sink := startDispatcher(t, testNotifyConfig())
	ctx := context.Background()

	n := testNotification("hello there")
	if err := b.Publish(ctx, topicSendNotify(WatchToken), n); err != nil {
		t.Fatalf("Publish() = %v", err)
	}

	ev := awaitStatus(t, sink.sent, "sent")
	if ev.RuleID != "rule-1" || ev.User != "12345" || ev.Channel != ChannelTelegram {
		t.Errorf("status = %+v", ev)
	}
	if ev.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", ev.Attempt)
	}
	if adapter.sentCount() != 1 {
		t.Errorf("adapter sent %d, want 1", adapter.sentCount())
	}

	// The sent marker makes the delivery idempotent.
	hash := hashText(n.Channel + "|" + n.User + "|" + n.Message)
	status, err := b.Get(ctx, notifyStatusKey(n.Channel, n.User, hash))
	if err != nil {
		t.Fatalf("status key missing: %v", err)
	}
	if status != NotifySent {
		t.Errorf("status key = %q, want sent", status)
	}
}

func TestDispatcherSuppressesDuplicate(t *testing.T) {
	_, b, adapter, sink := startDispatcher(t, testNotifyConfig())
	ctx := context.Background()

	n := testNotification("same message twice")
	if err := b.Publish(ctx, topicSendNotify(WatchToken), n); err != nil {
		t.Fatal(err)
	}
	awaitStatus(t, sink.sent, "first delivery")

	if err := b.Publish(ctx, topicSendNotify(WatchToken), n); err != nil {
		t.Fatal(err)
	}
	ev := awaitStatus(t, sink.dupe, "duplicate")
	if ev.User != "12345" {
		t.Errorf("duplicate status = %+v", ev)
	}
	if adapter.sentCount() != 1 {
		t.Errorf("adapter sent %d, want 1", adapter.sentCount())
	}
}

func TestDispatcherRateLimits(t *testing.T) {
	cfg := testNotifyConfig()
	cfg.Quotas.Telegram = 1
	_, b, adapter, sink := startDispatcher(t, cfg)
	ctx := context.Background()

	if err := b.Publish(ctx, topicSendNotify(WatchToken), testNotification("first")); err != nil {
		t.Fatal(err)
	}
	awaitStatus(t, sink.sent, "first delivery")

	// A different message, so dedup lets it through. The quota does not.
	if err := b.Publish(ctx, topicSendNotify(WatchToken), testNotification("second")); err != nil {
		t.Fatal(err)
	}
	ev := awaitStatus(t, sink.fail, "rate limited")
	if ev.Error != "Rate limit exceeded" {
		t.Errorf("error = %q, want Rate limit exceeded", ev.Error)
	}
	if adapter.sentCount() != 1 {
		t.Errorf("adapter sent %d, want 1", adapter.sentCount())
	}
}

func TestDispatcherNegativeQuotaDisablesLimit(t *testing.T) {
	cfg := testNotifyConfig()
	cfg.Quotas.Telegram = -1
	_, b, adapter, sink := startDispatcher(t, cfg)
	ctx := context.Background()

	for _, msg := range []string{"first", "second", "third"} {
		if err := b.Publish(ctx, topicSendNotify(WatchToken), testNotification(msg)); err != nil {
			t.Fatal(err)
		}
		awaitStatus(t, sink.sent, msg+" delivery")
	}
	if adapter.sentCount() != 3 {
		t.Errorf("adapter sent %d, want 3", adapter.sentCount())
	}
	select {
	case ev := <-sink.fail:
		t.Fatalf("disabled quota still limited: %+v", ev)
	default:
	}
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	_, b, adapter, sink := startDispatcher(t, testNotifyConfig())
	adapter.mux.Lock()
	adapter.fails = 1
	adapter.mux.Unlock()

	if err := b.Publish(context.Background(), topicSendNotify(WatchToken), testNotification("flaky")); err != nil {
		t.Fatal(err)
	}
	ev := awaitStatus(t, sink.sent, "recovered delivery")
	if ev.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", ev.Attempt)
	}
}

func TestDispatcherGivesUpAfterRetries(t *testing.T) {
	_, b, adapter, sink := startDispatcher(t, testNotifyConfig())
	adapter.mux.Lock()
	adapter.err = errors.New("channel gone")
	adapter.mux.Unlock()
	ctx := context.Background()

	if err := b.Publish(ctx, topicSendNotify(WatchToken), testNotification("doomed")); err != nil {
		t.Fatal(err)
	}
	ev := awaitStatus(t, sink.fail, "failed")
	if ev.Attempt != 2 {
		t.Errorf("attempt = %d, want the full retry budget", ev.Attempt)
	}

	// The payload lands on the failed trail for operators.
	size, err := b.LLen(ctx, failedListKey)
	if err != nil {
		t.Fatalf("LLen() = %v", err)
	}
	if size != 1 {
		t.Errorf("failed trail length = %d, want 1", size)
	}
	items, err := b.LRange(ctx, failedListKey, 0, -1)
	if err != nil {
		t.Fatalf("LRange() = %v", err)
	}
	var recorded Notification
	if err := json.Unmarshal([]byte(items[0]), &recorded); err != nil {
		t.Fatalf("decode recorded failure: %v", err)
	}
	if recorded.Message != "doomed" {
		t.Errorf("recorded message = %q", recorded.Message)
	}
}

func TestDispatcherIdempotentOnSentMarker(t *testing.T) {
	_, b, adapter, sink := startDispatcher(t, testNotifyConfig())
	ctx := context.Background()

	n := testNotification("already delivered once")
	hash := hashText(n.Channel + "|" + n.User + "|" + n.Message)
	if err := b.Set(ctx, notifyStatusKey(n.Channel, n.User, hash), NotifySent, time.Minute); err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(ctx, topicSendNotify(WatchToken), n); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-sink.sent:
		t.Fatalf("suppressed delivery still announced: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
	if adapter.sentCount() != 0 {
		t.Errorf("adapter sent %d, want 0", adapter.sentCount())
	}
}

func TestDispatcherDropsUndeliverable(t *testing.T) {
	_, b, adapter, sink := startDispatcher(t, testNotifyConfig())
	ctx := context.Background()

	missingUser := testNotification("no user")
	missingUser.User = ""
	badChannel := testNotification("no such channel")
	badChannel.Channel = "pigeon"
	for _, n := range []Notification{missingUser, badChannel} {
		if err := b.Publish(ctx, topicSendNotify(WatchToken), n); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case ev := <-sink.sent:
		t.Fatalf("undeliverable notification delivered: %+v", ev)
	case <-sink.fail:
		t.Fatal("undeliverable notification should be dropped silently")
	case <-time.After(300 * time.Millisecond):
	}
	if adapter.sentCount() != 0 {
		t.Errorf("adapter sent %d, want 0", adapter.sentCount())
	}
}

func TestDispatcherDedupFailureDeliversAnyway(t *testing.T) {
	b, mr := newTestBroker(t)
	d := NewDispatcher(b, testNotifyConfig(), newMetrics(), zerolog.Nop())
	adapter := &fakeAdapter{name: ChannelTelegram}
	d.RegisterAdapter(adapter)

	mr.Close()
	n := testNotification("broker down")
	d.handleNotify(context.Background(), WatchToken, mustJSON(t, n))
	if adapter.sentCount() != 1 {
		t.Errorf("broker failure must not block delivery, sent %d", adapter.sentCount())
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// telegramBotServer answers the bot client's getMe handshake and hands
// sendMessage to the test.
func telegramBotServer(t *testing.T, send http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/bot123:abc/getMe", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"marketwatch","username":"marketwatch_bot"}}`)
	})
	mux.HandleFunc("/bot123:abc/sendMessage", send)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestTelegramAdapterSend(t *testing.T) {
	var mux sync.Mutex
	var gotForm url.Values
	server := telegramBotServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		mux.Lock()
		gotForm = r.PostForm
		mux.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1}}`)
	})

	a := newTelegramAdapter(NotifyConfig{BotHost: server.URL, BotToken: "123:abc"})
	n := testNotification("<b>BTC</b> price above $100,000.00")
	n.Metadata.DisableWebPagePreview = true
	n.ReplyMarkup = map[string]any{"inline_keyboard": []any{}}

	if err := a.Send(context.Background(), &n); err != nil {
		t.Fatalf("Send() = %v", err)
	}
	mux.Lock()
	defer mux.Unlock()
	if gotForm.Get("chat_id") != "12345" || gotForm.Get("text") != n.Message {
		t.Errorf("form = %v", gotForm)
	}
	if gotForm.Get("parse_mode") != "HTML" {
		t.Errorf("parse_mode = %q", gotForm.Get("parse_mode"))
	}
	if gotForm.Get("disable_web_page_preview") != "true" {
		t.Errorf("disable_web_page_preview = %q", gotForm.Get("disable_web_page_preview"))
	}
	if gotForm.Get("reply_markup") == "" {
		t.Error("reply_markup missing from payload")
	}
}

func TestTelegramAdapterChannelUsername(t *testing.T) {
	var mux sync.Mutex
	var gotChat string
	server := telegramBotServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mux.Lock()
		gotChat = r.PostForm.Get("chat_id")
		mux.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1}}`)
	})

	a := newTelegramAdapter(NotifyConfig{BotHost: server.URL, BotToken: "123:abc"})
	n := testNotification("channel post")
	n.User = "@market_feed"

	if err := a.Send(context.Background(), &n); err != nil {
		t.Fatalf("Send() = %v", err)
	}
	mux.Lock()
	defer mux.Unlock()
	if gotChat != "@market_feed" {
		t.Errorf("chat_id = %q, want the channel username", gotChat)
	}
}

func TestTelegramAdapterRejections(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"api says not ok", http.StatusOK, `{"ok":false,"error_code":400,"description":"chat not found"}`},
		{"http error", http.StatusBadGateway, `upstream broken`},
		{"garbage body", http.StatusOK, `{not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := telegramBotServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			a := newTelegramAdapter(NotifyConfig{BotHost: server.URL, BotToken: "123:abc"})
			n := testNotification("x")
			if err := a.Send(context.Background(), &n); err == nil {
				t.Error("Send() should fail")
			}
		})
	}
}

func TestTelegramAdapterHandshakeFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bot123:abc/getMe", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	a := newTelegramAdapter(NotifyConfig{BotHost: server.URL, BotToken: "123:abc"})
	n := testNotification("x")
	if err := a.Send(context.Background(), &n); err == nil {
		t.Error("Send() should surface a failed handshake")
	}
}

func TestDispatcherQuotaFor(t *testing.T) {
	d := NewDispatcher(nil, testNotifyConfig(), nil, zerolog.Nop())
	if got := d.quotaFor(ChannelTelegram); got != 30 {
		t.Errorf("telegram quota = %d", got)
	}
	if got := d.quotaFor(ChannelWeb); got != 100 {
		t.Errorf("web quota = %d", got)
	}
	if got := d.quotaFor(ChannelDiscord); got != 50 {
		t.Errorf("discord quota = %d", got)
	}
}
