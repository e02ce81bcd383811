package mw

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/firstset/marketwatch/mw/utils"
)

const airdropSeenCap = 4096

type airdropSource interface {
	FetchAirdrops(ctx context.Context, cryptos []string, window time.Duration) ([]utils.AlertItem, error)
}

// AirdropJob polls the airdrop feed and matches announcements against
// airdrop rules. Announcements that already went out are remembered by text
// hash so overlapping feed windows cannot repeat them.
type AirdropJob struct {
	cfg  AirdropWatcherConfig
	feed airdropSource
	log  zerolog.Logger

	mux      sync.Mutex
	notified map[string]struct{}
	order    []string
}

func NewAirdropJob(cfg AirdropWatcherConfig, feed airdropSource, log zerolog.Logger) *AirdropJob {
	return &AirdropJob{
		cfg:      cfg,
		feed:     feed,
		log:      log,
		notified: make(map[string]struct{}),
	}
}

func (j *AirdropJob) Type() WatchType         { return WatchAirdrop }
func (j *AirdropJob) Interval() time.Duration { return j.cfg.Interval() }

// InitCache is a no-op: the feed is global, there is no per-target state to
// warm.
func (j *AirdropJob) InitCache(context.Context, []string, map[string]TargetData) {}

func (j *AirdropJob) Tick(ctx context.Context, targets []string, rulesByTarget map[string][]Rule) []MatchEvent {
	rules := dedupeRules(targets, rulesByTarget)
	if len(rules) == 0 {
		return nil
	}

	cryptos := make([]string, 0, len(targets))
	for _, t := range targets {
		if t != "*" {
			cryptos = append(cryptos, t)
		}
	}
	items, err := j.feed.FetchAirdrops(ctx, cryptos, j.cfg.Window())
	if err != nil {
		j.log.Warn().Err(err).Msg("airdrop fetch failed, skipping this tick")
		return nil
	}
	fresh := j.freshItems(items)
	if len(fresh) == 0 {
		return nil
	}

	var out []MatchEvent
	for i := range rules {
		rule := rules[i]
		if matches := evaluateAirdropRule(&rule, fresh); len(matches) > 0 {
			out = append(out, MatchEvent{Rule: rule, MatchData: MatchData{Matches: matches}})
		}
	}

	// every rule saw this batch, only now does it count as notified
	j.markNotified(fresh)
	return out
}

// evaluateAirdropRule matches announcements by wildcard or case-insensitive
// substring on the rule's targets.
func evaluateAirdropRule(rule *Rule, items []utils.AlertItem) []MatchEntry {
	wildcard := false
	for _, t := range rule.Target {
		if t == "*" {
			wildcard = true
			break
		}
	}
	var out []MatchEntry
	for _, item := range items {
		if !wildcard {
			if _, ok := mentionedTarget(item.Text, rule.Target); !ok {
				continue
			}
		}
		data := map[string]any{"text": item.Text}
		if item.PostLink != "" {
			data["post_link"] = item.PostLink
		}
		out = append(out, MatchEntry{Condition: CondAlert, Message: item.Text, Data: data})
	}
	return out
}

func (j *AirdropJob) freshItems(items []utils.AlertItem) []utils.AlertItem {
	j.mux.Lock()
	defer j.mux.Unlock()
	fresh := make([]utils.AlertItem, 0, len(items))
	for _, item := range items {
		if item.Text == "" {
			continue
		}
		if _, seen := j.notified[hashText(item.Text)]; !seen {
			fresh = append(fresh, item)
		}
	}
	return fresh
}

func (j *AirdropJob) markNotified(items []utils.AlertItem) {
	j.mux.Lock()
	defer j.mux.Unlock()
	for _, item := range items {
		h := hashText(item.Text)
		if _, ok := j.notified[h]; ok {
			continue
		}
		j.notified[h] = struct{}{}
		j.order = append(j.order, h)
	}
	for len(j.order) > airdropSeenCap {
		delete(j.notified, j.order[0])
		j.order = j.order[1:]
	}
}
