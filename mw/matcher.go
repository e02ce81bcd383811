package mw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// matchDedupTTL is how long an identical repeat of a rule's match data
// stays suppressed.
const matchDedupTTL = 60 * time.Second

func notifyLastKey(t WatchType, ruleID string) string {
	return "notify:last:" + string(t) + ":" + ruleID
}

// Matcher consumes rule_matched events, screens out repeats, renders the
// notification body, and hands it to the dispatcher's channel.
type Matcher struct {
	broker *Broker
	render *renderer
	log    zerolog.Logger
}

func NewMatcher(broker *Broker, cfg *Config, log zerolog.Logger) *Matcher {
	return &Matcher{broker: broker, render: newRenderer(cfg), log: log}
}

func (m *Matcher) Start(ctx context.Context) error {
	for _, t := range AllWatchTypes() {
		t := t
		err := m.broker.Subscribe(ctx, topicRuleMatched(t), func(_ string, payload []byte) {
			m.handleMatch(ctx, t, payload)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Matcher) handleMatch(ctx context.Context, t WatchType, payload []byte) {
	var ev MatchEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Warn().Err(err).Str("channel", topicRuleMatched(t)).Msg("dropping malformed match payload")
		return
	}
	if err := validateMatch(&ev); err != nil {
		m.log.Warn().Err(err).Str("rule", ev.Rule.RuleID).Msg("dropping invalid match")
		return
	}

	dup, err := m.repeatedMatch(ctx, t, &ev)
	if err != nil {
		m.log.Warn().Err(err).Str("rule", ev.Rule.RuleID).Msg("match dedup unavailable, delivering anyway")
	}
	if dup {
		m.log.Debug().Str("rule", ev.Rule.RuleID).Msg("suppressing repeat match")
		return
	}

	msg, err := m.render.message(t, &ev)
	if err != nil || msg == "" {
		m.log.Warn().Err(err).Str("rule", ev.Rule.RuleID).Msg("nothing to render for match")
		return
	}

	n := Notification{
		ID:      uuid.NewString(),
		User:    ev.Rule.NotifyID,
		Channel: ev.Rule.NotifyChannel,
		Message: msg,
		Metadata: NotifyMeta{
			RuleID:                ev.Rule.RuleID,
			UserID:                ev.Rule.UserID,
			WatchType:             t,
			ParseMode:             "HTML",
			DisableWebPagePreview: true,
		},
		ReplyMarkup: replyMarkup(ev.Rule.Metadata),
		CreatedAt:   time.Now().UTC(),
		Status:      NotifyPending,
	}
	if err = m.broker.Publish(ctx, topicSendNotify(t), n); err != nil {
		m.log.Error().Err(err).Str("rule", ev.Rule.RuleID).Msg("could not publish notification")
	}
}

// validateMatch enforces the minimum shape a notification can be built
// from. Anything thinner is dropped, never retried.
func validateMatch(ev *MatchEvent) error {
	if ev.Rule.RuleID == "" {
		return errors.New("match carries no rule_id")
	}
	if !knownChannel(ev.Rule.NotifyChannel) || ev.Rule.NotifyID == "" {
		return fmt.Errorf("rule %s has no deliverable notify target", ev.Rule.RuleID)
	}
	if len(ev.MatchData.Matches) == 0 {
		return errors.New("match data carries no matches")
	}
	for i := range ev.MatchData.Matches {
		entry := &ev.MatchData.Matches[i]
		if entry.Condition == "" {
			return fmt.Errorf("match %d carries no condition", i)
		}
		switch entry.Condition {
		case CondPriceAbove, CondPriceBelow, CondPriceChange, CondPriceChange24h:
			if entry.Token == "" {
				return fmt.Errorf("%s match %d names no token", entry.Condition, i)
			}
		case string(TxTokenTrade), string(TxNftTrade):
			if entry.Wallet == "" {
				return fmt.Errorf("%s match %d names no wallet", entry.Condition, i)
			}
		case CondAlert:
			if entry.Message == "" {
				return fmt.Errorf("alert match %d carries no message", i)
			}
		}
	}
	return nil
}

// repeatedMatch compares this match data against the rule's previous one
// and refreshes the stored copy when it differs. On broker failure repeat
// suppression degrades to off.
func (m *Matcher) repeatedMatch(ctx context.Context, t WatchType, ev *MatchEvent) (bool, error) {
	body, err := canonicalJSON(ev.MatchData)
	if err != nil {
		return false, err
	}
	key := notifyLastKey(t, ev.Rule.RuleID)
	prev, err := m.broker.Get(ctx, key)
	switch {
	case err == nil && prev == body:
		return true, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return false, err
	}
	if err = m.broker.Set(ctx, key, body, matchDedupTTL); err != nil {
		return false, err
	}
	return false, nil
}

// replyMarkup lifts an inline keyboard out of the rule metadata when the
// author attached one.
func replyMarkup(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	if rm, ok := meta["reply_markup"].(map[string]any); ok {
		return rm
	}
	return nil
}
