package mw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/firstset/marketwatch/mw/utils"
)

const (
	rateWindow = time.Minute

	failedListKey = "notify:failed:recent"
	failedListMax = 100
)

func notifyRecentKey(channel, user string) string {
	return "notify:recent:" + channel + ":" + user
}

func notifyStatusKey(channel, user, hash string) string {
	return "notify:status:" + channel + ":" + user + ":" + hash
}

func rateLimitKey(channel, user string) string {
	return "rate_limit:" + channel + ":" + user
}

// ChannelAdapter delivers one rendered notification to its destination.
type ChannelAdapter interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Dispatcher consumes send_notify messages and walks each through dedup,
// rate limiting, idempotency, and delivery with retries. Every terminal
// outcome is announced on a status topic.
type Dispatcher struct {
	broker   *Broker
	cfg      NotifyConfig
	adapters map[string]ChannelAdapter
	stats    *metrics
	log      zerolog.Logger
}

func NewDispatcher(broker *Broker, cfg NotifyConfig, stats *metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		broker: broker,
		cfg:    cfg,
		adapters: map[string]ChannelAdapter{
			ChannelTelegram: newTelegramAdapter(cfg),
			ChannelWeb:      &logAdapter{name: ChannelWeb, log: log},
			ChannelDiscord:  &logAdapter{name: ChannelDiscord, log: log},
		},
		stats: stats,
		log:   log,
	}
}

// RegisterAdapter replaces the delivery path for the adapter's channel.
func (d *Dispatcher) RegisterAdapter(a ChannelAdapter) {
	d.adapters[a.Name()] = a
}

func (d *Dispatcher) Start(ctx context.Context) error {
	for _, t := range AllWatchTypes() {
		t := t
		err := d.broker.Subscribe(ctx, topicSendNotify(t), func(_ string, payload []byte) {
			d.handleNotify(ctx, t, payload)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handleNotify(ctx context.Context, t WatchType, payload []byte) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		d.log.Warn().Err(err).Str("channel", topicSendNotify(t)).Msg("dropping malformed notification payload")
		return
	}
	if n.User == "" || n.Message == "" || !knownChannel(n.Channel) {
		d.log.Warn().Str("channel", n.Channel).Str("user", n.User).Msg("dropping undeliverable notification")
		return
	}

	hash := hashText(n.Channel + "|" + n.User + "|" + n.Message)

	dup, err := d.recentDuplicate(ctx, &n, hash)
	if err != nil {
		d.log.Warn().Err(err).Msg("dedup set unavailable, delivering anyway")
	}
	if dup {
		d.log.Debug().Str("channel", n.Channel).Str("user", n.User).Msg("duplicate notification dropped")
		d.publishStatus(ctx, topicNotifyDupe(t), &n, 0, "")
		d.stats.incNotify(n.Channel, "duplicate")
		return
	}

	limited, err := d.overRateLimit(ctx, &n)
	if err != nil {
		d.log.Warn().Err(err).Msg("rate limit state unavailable, delivering anyway")
	}
	if limited {
		d.log.Warn().Str("channel", n.Channel).Str("user", n.User).Msg("⛔ rate limit exceeded")
		d.publishStatus(ctx, topicNotifyFailed(t), &n, 0, "Rate limit exceeded")
		d.stats.incNotify(n.Channel, "rate_limited")
		return
	}

	statusKey := notifyStatusKey(n.Channel, n.User, hash)
	if prev, err := d.broker.Get(ctx, statusKey); err == nil && prev == NotifySent {
		d.log.Debug().Str("channel", n.Channel).Str("user", n.User).Msg("already sent, suppressing")
		return
	}

	attempt, err := d.deliver(ctx, d.adapters[n.Channel], &n)
	if err != nil {
		d.log.Error().Err(err).Str("channel", n.Channel).Str("user", n.User).Msg("💥 delivery failed")
		d.publishStatus(ctx, topicNotifyFailed(t), &n, attempt, err.Error())
		d.stats.incNotify(n.Channel, "failed")
		d.recordFailure(ctx, payload)
		return
	}
	if err = d.broker.Set(ctx, statusKey, NotifySent, d.cfg.DedupWindow()); err != nil {
		d.log.Warn().Err(err).Msg("could not mark notification sent")
	}
	d.publishStatus(ctx, topicNotifySent(t), &n, attempt, "")
	d.stats.incNotify(n.Channel, "sent")
	d.log.Info().Str("channel", n.Channel).Str("user", n.User).Int("attempt", attempt).
		Msg("📨 notification delivered")
}

// recentDuplicate checks and updates the per-channel-and-user dedup set,
// trimming it back to the configured size after adding.
func (d *Dispatcher) recentDuplicate(ctx context.Context, n *Notification, hash string) (bool, error) {
	key := notifyRecentKey(n.Channel, n.User)
	member, err := d.broker.SIsMember(ctx, key, hash)
	if err != nil {
		return false, err
	}
	if member {
		return true, nil
	}
	if err = d.broker.SAdd(ctx, key, hash); err != nil {
		return false, err
	}
	if err = d.broker.Expire(ctx, key, d.cfg.DedupWindow()); err != nil {
		return false, err
	}
	size, err := d.broker.SCard(ctx, key)
	if err != nil {
		return false, err
	}
	if excess := size - int64(d.cfg.DedupMaxMessages); excess > 0 {
		if _, err = d.broker.SPopN(ctx, key, excess); err != nil {
			return false, err
		}
	}
	return false, nil
}

// overRateLimit counts this user's deliveries on this channel over the last
// minute, purging expired slots as it goes.
func (d *Dispatcher) overRateLimit(ctx context.Context, n *Notification) (bool, error) {
	key := rateLimitKey(n.Channel, n.User)
	fields, err := d.broker.HGetAll(ctx, key)
	if err != nil {
		return false, err
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow).UnixNano()
	count := 0
	var stale []string
	for f := range fields {
		ts, err := strconv.ParseInt(f, 10, 64)
		if err != nil || ts < cutoff {
			stale = append(stale, f)
			continue
		}
		count++
	}
	if len(stale) > 0 {
		if err = d.broker.HDel(ctx, key, stale...); err != nil {
			d.log.Debug().Err(err).Msg("could not purge stale rate limit slots")
		}
	}

	// A negative quota disables the cap for the channel.
	if quota := d.quotaFor(n.Channel); quota >= 0 && count >= quota {
		return true, nil
	}
	slot := strconv.FormatInt(now.UnixNano(), 10)
	if err = d.broker.HSet(ctx, key, slot, slot); err != nil {
		return false, err
	}
	if err = d.broker.Expire(ctx, key, 2*rateWindow); err != nil {
		return false, err
	}
	return false, nil
}

func (d *Dispatcher) quotaFor(channel string) int {
	switch channel {
	case ChannelWeb:
		return d.cfg.Quotas.Web
	case ChannelDiscord:
		return d.cfg.Quotas.Discord
	}
	return d.cfg.Quotas.Telegram
}

// deliver tries the channel adapter up to the retry budget and returns the
// attempt count that succeeded.
func (d *Dispatcher) deliver(ctx context.Context, adapter ChannelAdapter, n *Notification) (int, error) {
	if adapter == nil {
		return 0, fmt.Errorf("no adapter for channel %s", n.Channel)
	}
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		if lastErr = adapter.Send(ctx, n); lastErr == nil {
			return attempt, nil
		}
		d.log.Warn().Err(lastErr).Str("channel", n.Channel).Int("attempt", attempt).
			Msg("delivery attempt failed")
		if attempt == d.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(d.cfg.RetryDelay()):
		}
	}
	return d.cfg.MaxRetries, fmt.Errorf("gave up after %d attempts: %w", d.cfg.MaxRetries, lastErr)
}

func (d *Dispatcher) publishStatus(ctx context.Context, topic string, n *Notification, attempt int, errText string) {
	ev := StatusEvent{
		RuleID:    n.Metadata.RuleID,
		User:      n.User,
		Channel:   n.Channel,
		WatchType: n.Metadata.WatchType,
		Attempt:   attempt,
		Error:     errText,
		At:        time.Now().UTC(),
	}
	if err := d.broker.Publish(ctx, topic, ev); err != nil {
		d.log.Error().Err(err).Str("topic", topic).Msg("could not publish delivery status")
	}
}

// recordFailure keeps a bounded trail of undeliverable notifications for
// operators to inspect.
func (d *Dispatcher) recordFailure(ctx context.Context, payload []byte) {
	if err := d.broker.LPush(ctx, failedListKey, string(payload)); err != nil {
		d.log.Debug().Err(err).Msg("could not record failed notification")
		return
	}
	if size, err := d.broker.LLen(ctx, failedListKey); err == nil && size > failedListMax {
		if _, err = d.broker.RPop(ctx, failedListKey); err != nil && !errors.Is(err, ErrNotFound) {
			d.log.Debug().Err(err).Msg("could not trim failed notification trail")
		}
	}
}

// telegramAdapter delivers through the Bot API client. The bot handle is
// rebuilt per send, one-shot; a failed handshake surfaces as a delivery error
// and rides the dispatcher's retry budget like any other failure.
type telegramAdapter struct {
	endpoint string
	token    string
	hc       *http.Client
}

func newTelegramAdapter(cfg NotifyConfig) *telegramAdapter {
	endpoint := tgbotapi.APIEndpoint
	if cfg.BotHost != "" {
		endpoint = strings.TrimRight(cfg.BotHost, "/") + "/bot%s/%s"
	}
	return &telegramAdapter{
		endpoint: endpoint,
		token:    cfg.BotToken,
		hc:       utils.NewHTTPClient(),
	}
}

func (a *telegramAdapter) Name() string { return ChannelTelegram }

func (a *telegramAdapter) Send(_ context.Context, n *Notification) error {
	bot, err := tgbotapi.NewBotAPIWithClient(a.token, a.endpoint, a.hc)
	if err != nil {
		return fmt.Errorf("telegram handshake: %w", err)
	}

	var mc tgbotapi.MessageConfig
	if chatID, convErr := strconv.ParseInt(n.User, 10, 64); convErr == nil {
		mc = tgbotapi.NewMessage(chatID, n.Message)
	} else {
		mc = tgbotapi.NewMessageToChannel(n.User, n.Message)
	}
	mc.ParseMode = n.Metadata.ParseMode
	mc.DisableWebPagePreview = n.Metadata.DisableWebPagePreview
	if n.ReplyMarkup != nil {
		mc.ReplyMarkup = n.ReplyMarkup
	}

	if _, err = bot.Send(mc); err != nil {
		return fmt.Errorf("sendMessage: %w", err)
	}
	return nil
}

// logAdapter stands in for channels without a wired delivery backend.
type logAdapter struct {
	name string
	log  zerolog.Logger
}

func (a *logAdapter) Name() string { return a.name }

func (a *logAdapter) Send(_ context.Context, n *Notification) error {
	a.log.Info().Str("channel", a.name).Str("user", n.User).Str("message", n.Message).
		Msg("📝 delivery logged only, channel has no backend")
	return nil
}
