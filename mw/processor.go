package mw

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/firstset/marketwatch/mw/utils"
)

// ruleStore is the slice of the store the processor needs.
type ruleStore interface {
	Deactivate(ctx context.Context, ruleID string) (bool, error)
	UpdateStatus(ctx context.Context, ruleID, status string, cause error) error
	GetActive(ctx context.Context, t WatchType) ([]Rule, error)
}

// coinResolver maps token targets to price-API identifiers.
type coinResolver interface {
	SearchCoin(ctx context.Context, symbol string) (*utils.CoinInfo, error)
	ContractLookup(ctx context.Context, chain, address string) (*utils.CoinInfo, error)
}

// Processor bridges persisted rules into the broker's live-watch index: it
// consumes register events, validates, explodes rules into per-target hash
// entries, and announces activation.
type Processor struct {
	broker *Broker
	store  ruleStore
	prices coinResolver
	stats  *metrics
	log    zerolog.Logger
}

func NewProcessor(broker *Broker, store ruleStore, prices coinResolver, stats *metrics, log zerolog.Logger) *Processor {
	return &Processor{broker: broker, store: store, prices: prices, stats: stats, log: log}
}

// Start subscribes to every register channel and then replays active rules
// from the store so a crash never loses the live index.
func (p *Processor) Start(ctx context.Context) error {
	for _, t := range AllWatchTypes() {
		t := t
		err := p.broker.Subscribe(ctx, topicRegisterRule(t), func(_ string, payload []byte) {
			p.handleRegister(ctx, t, payload)
		})
		if err != nil {
			return err
		}
	}
	return p.Replay(ctx)
}

// Replay re-announces every active rule. Handlers tolerate duplicates, a
// replayed rule overwrites its own hash field with identical content.
func (p *Processor) Replay(ctx context.Context) error {
	rules, err := p.store.GetActive(ctx, "")
	if err != nil {
		return fmt.Errorf("load active rules: %w", err)
	}
	for i := range rules {
		r := rules[i]
		if err = p.broker.Publish(ctx, topicRegisterRule(r.WatchType), r); err != nil {
			p.log.Error().Err(err).Str("rule", r.RuleID).Msg("could not replay rule")
		}
	}
	p.log.Info().Int("rules", len(rules)).Msg("🔁 replayed active rules from the store")
	return nil
}

func (p *Processor) handleRegister(ctx context.Context, t WatchType, payload []byte) {
	var rule Rule
	if err := json.Unmarshal(payload, &rule); err != nil {
		p.log.Warn().Err(err).Str("channel", topicRegisterRule(t)).Msg("dropping malformed rule payload")
		return
	}
	if rule.WatchType != t {
		p.log.Warn().Str("rule", rule.RuleID).Str("watch_type", string(rule.WatchType)).
			Msg("rule arrived on the wrong channel, dropping")
		return
	}

	rule.Normalize()
	if err := rule.Validate(); err != nil {
		p.rejectRule(ctx, &rule, err)
		return
	}
	if rule.WatchType == WatchToken {
		if err := p.resolveTokenTargets(ctx, &rule); err != nil {
			p.rejectRule(ctx, &rule, err)
			return
		}
	}

	body, err := json.Marshal(rule)
	if err != nil {
		p.log.Error().Err(err).Str("rule", rule.RuleID).Msg("could not encode rule")
		return
	}
	for _, target := range rule.Target {
		if err = p.broker.HSet(ctx, watchHashKey(rule.WatchType, target), rule.RuleID, string(body)); err != nil {
			p.log.Error().Err(err).Str("rule", rule.RuleID).Str("target", target).
				Msg("could not index rule, leaving it unactivated")
			return
		}
	}

	if err = p.store.UpdateStatus(ctx, rule.RuleID, StatusActive, nil); err != nil {
		p.log.Error().Err(err).Str("rule", rule.RuleID).Msg("could not mark rule active in the store")
	}
	if err = p.broker.Publish(ctx, topicRuleActivated(rule.WatchType), ActivatedEvent{
		RuleID:    rule.RuleID,
		WatchType: rule.WatchType,
		Target:    rule.Target,
	}); err != nil {
		p.log.Error().Err(err).Str("rule", rule.RuleID).Msg("could not announce activation")
	}
	p.stats.incRule(rule.WatchType, "activated")
	p.log.Info().Str("rule", rule.RuleID).Str("watch_type", string(rule.WatchType)).
		Strs("target", rule.Target).Msg("✅ rule activated")
}

// rejectRule deactivates an invalid rule and records why. Nothing is
// published for it.
func (p *Processor) rejectRule(ctx context.Context, rule *Rule, cause error) {
	p.stats.incRule(rule.WatchType, "rejected")
	p.log.Warn().Err(cause).Str("rule", rule.RuleID).Msg("rejecting invalid rule")
	if rule.RuleID == "" {
		return
	}
	if _, err := p.store.Deactivate(ctx, rule.RuleID); err != nil {
		p.log.Error().Err(err).Str("rule", rule.RuleID).Msg("could not deactivate invalid rule")
	}
	if err := p.store.UpdateStatus(ctx, rule.RuleID, StatusInvalid, cause); err != nil {
		p.log.Debug().Err(err).Str("rule", rule.RuleID).Msg("could not record rejection")
	}
}

// resolveTokenTargets fills in any target_data entry missing its price-API
// id. Contract addresses are looked up on ethereum, symbols through search.
// A token rule whose target cannot be resolved is invalid.
func (p *Processor) resolveTokenTargets(ctx context.Context, rule *Rule) error {
	if rule.TargetData == nil {
		rule.TargetData = make(map[string]TargetData)
	}
	for _, target := range rule.Target {
		td := rule.TargetData[target]
		if td.CoinGcID != "" {
			continue
		}
		var (
			info *utils.CoinInfo
			err  error
		)
		if strings.HasPrefix(strings.ToLower(target), "0x") {
			info, err = p.prices.ContractLookup(ctx, "ethereum", target)
		} else {
			info, err = p.prices.SearchCoin(ctx, target)
		}
		if err != nil {
			return fmt.Errorf("target %s does not resolve to a price API id: %w", target, err)
		}
		td.CoinGcID = info.ID
		if td.Symbol == "" {
			td.Symbol = strings.ToUpper(info.Symbol)
		}
		if td.Name == "" {
			td.Name = info.Name
		}
		rule.TargetData[target] = td
	}
	return nil
}
