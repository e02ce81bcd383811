package mw

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/firstset/marketwatch/mw/utils"
)

// Thresholds for unconditional price-movement matches, in percent.
const (
	tickChangePct = 5.0
	dayChangePct  = 10.0
)

type priceSource interface {
	SimplePrices(ctx context.Context, ids []string) (map[string]utils.SimplePrice, error)
}

type alertSource interface {
	FetchAlerts(ctx context.Context, level string, cryptos []string) ([]utils.AlertItem, error)
}

// TokenJob polls the price and alerts APIs each tick and evaluates every
// token rule. It keeps the per-token last price so tick-over-tick moves can
// be reported.
type TokenJob struct {
	cfg    TokenWatcherConfig
	prices priceSource
	alerts alertSource
	log    zerolog.Logger

	mux       sync.Mutex
	lastPrice map[string]float64
}

func NewTokenJob(cfg TokenWatcherConfig, prices priceSource, alerts alertSource, log zerolog.Logger) *TokenJob {
	return &TokenJob{
		cfg:       cfg,
		prices:    prices,
		alerts:    alerts,
		log:       log,
		lastPrice: make(map[string]float64),
	}
}

func (j *TokenJob) Type() WatchType         { return WatchToken }
func (j *TokenJob) Interval() time.Duration { return j.cfg.Interval() }

// InitCache warms the last-price baseline for new targets so their first
// tick does not report a bogus move. Resolved price-API ids ride in through
// the registering rule's target data.
func (j *TokenJob) InitCache(ctx context.Context, targets []string, data map[string]TargetData) {
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		id := strings.ToLower(t)
		if td, ok := data[t]; ok && td.CoinGcID != "" {
			id = td.CoinGcID
		}
		ids = append(ids, id)
	}
	prices, err := j.prices.SimplePrices(ctx, ids)
	if err != nil {
		j.log.Debug().Err(err).Msg("price baseline warmup failed")
		return
	}
	j.mux.Lock()
	for id, sp := range prices {
		j.lastPrice[strings.ToLower(id)] = sp.USD
	}
	j.mux.Unlock()
}

func (j *TokenJob) Tick(ctx context.Context, targets []string, rulesByTarget map[string][]Rule) []MatchEvent {
	rules := dedupeRules(targets, rulesByTarget)
	if len(rules) == 0 {
		return nil
	}

	ids := make([]string, 0, len(targets))
	seen := make(map[string]struct{}, len(targets))
	for _, rule := range rules {
		for _, target := range rule.Target {
			id := priceID(&rule, target)
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)

	priceByID := make(map[string]utils.SimplePrice)
	if prices, err := j.prices.SimplePrices(ctx, ids); err != nil {
		j.log.Warn().Err(err).Msg("price fetch failed, skipping price conditions this tick")
	} else {
		for id, sp := range prices {
			priceByID[strings.ToLower(id)] = sp
		}
	}

	alerts, err := j.alerts.FetchAlerts(ctx, "0", targets)
	if err != nil {
		j.log.Warn().Err(err).Msg("alerts fetch failed, skipping alert conditions this tick")
		alerts = nil
	}

	var out []MatchEvent
	for i := range rules {
		rule := rules[i]
		var matches []MatchEntry
		for _, target := range rule.Target {
			id := strings.ToLower(priceID(&rule, target))
			sp, have := priceByID[id]
			if !have {
				continue
			}
			prev, havePrev := j.prevPrice(id)
			matches = append(matches, evaluatePriceConditions(&rule, target, sp, prev, havePrev)...)
		}
		matches = append(matches, evaluateAlerts(&rule, alerts)...)
		if len(matches) > 0 {
			out = append(out, MatchEvent{Rule: rule, MatchData: MatchData{Matches: matches}})
		}
	}

	// the baseline moves only after every rule saw this tick's prices
	j.mux.Lock()
	for id, sp := range priceByID {
		j.lastPrice[id] = sp.USD
	}
	j.mux.Unlock()
	return out
}

func (j *TokenJob) prevPrice(id string) (float64, bool) {
	j.mux.Lock()
	defer j.mux.Unlock()
	v, ok := j.lastPrice[id]
	return v, ok
}

// priceID picks the price-API identifier for one target: the resolved
// coin_gc_id when the rule carries one, the lowercased symbol otherwise.
func priceID(rule *Rule, target string) string {
	if td, ok := rule.TargetData[target]; ok && td.CoinGcID != "" {
		return td.CoinGcID
	}
	return strings.ToLower(target)
}

// dedupeRules flattens the per-target rule lists into one rule per id,
// ordered by first appearance so ticks are deterministic.
func dedupeRules(targets []string, rulesByTarget map[string][]Rule) []Rule {
	var out []Rule
	seen := make(map[string]struct{})
	for _, target := range targets {
		for _, r := range rulesByTarget[target] {
			if _, ok := seen[r.RuleID]; ok {
				continue
			}
			seen[r.RuleID] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

func evaluatePriceConditions(rule *Rule, token string, sp utils.SimplePrice, prev float64, havePrev bool) []MatchEntry {
	var out []MatchEntry
	if thr, ok := rule.CondGt(); ok && sp.USD > thr {
		out = append(out, MatchEntry{Condition: CondPriceAbove, Token: token, Value: sp.USD, Threshold: thr})
	}
	if thr, ok := rule.CondLt(); ok && sp.USD < thr {
		out = append(out, MatchEntry{Condition: CondPriceBelow, Token: token, Value: sp.USD, Threshold: thr})
	}
	if havePrev && prev > 0 {
		pct := (sp.USD - prev) / prev * 100
		if math.Abs(pct) >= tickChangePct {
			out = append(out, MatchEntry{Condition: CondPriceChange, Token: token, OldPrice: prev, NewPrice: sp.USD, Value: pct})
		}
	}
	if math.Abs(sp.USD24hChange) >= dayChangePct {
		out = append(out, MatchEntry{Condition: CondPriceChange24h, Token: token, Value: sp.USD24hChange, CurrentPrice: sp.USD})
	}
	return out
}

// evaluateAlerts emits one match per feed item mentioning any of the rule's
// targets, subject to the rule's optional alert filter.
func evaluateAlerts(rule *Rule, alerts []utils.AlertItem) []MatchEntry {
	if len(alerts) == 0 {
		return nil
	}
	filter := rule.AlertFilter()
	var out []MatchEntry
	for _, a := range alerts {
		token, ok := mentionedTarget(a.Text, rule.Target)
		if !ok || !alertPassesFilter(a, filter) {
			continue
		}
		data := map[string]any{"text": a.Text}
		if a.Level != "" {
			data["level"] = a.Level
		}
		if a.Source != "" {
			data["source"] = a.Source
		}
		if a.PostLink != "" {
			data["post_link"] = a.PostLink
		}
		out = append(out, MatchEntry{Condition: CondAlert, Token: token, Message: a.Text, Data: data})
	}
	return out
}

func mentionedTarget(text string, targets []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, t := range targets {
		if strings.Contains(lower, strings.ToLower(t)) {
			return t, true
		}
	}
	return "", false
}

func alertPassesFilter(a utils.AlertItem, filter map[string]any) bool {
	if filter == nil {
		return true
	}
	if want, ok := filter["level"].(string); ok && want != "" && !strings.EqualFold(a.Level, want) {
		return false
	}
	if want, ok := filter["type"].(string); ok && want != "" && !strings.EqualFold(a.Type, want) {
		return false
	}
	if want, ok := filter["source"].(string); ok && want != "" && !strings.EqualFold(a.Source, want) {
		return false
	}
	return true
}
