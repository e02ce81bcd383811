package mw

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// WatchType selects which watcher family a rule belongs to.
type WatchType string

const (
	WatchToken   WatchType = "token"
	WatchWallet  WatchType = "wallet"
	WatchAirdrop WatchType = "airdrop"
)

func AllWatchTypes() []WatchType {
	return []WatchType{WatchToken, WatchWallet, WatchAirdrop}
}

func (t WatchType) Known() bool {
	switch t {
	case WatchToken, WatchWallet, WatchAirdrop:
		return true
	}
	return false
}

const (
	ChannelTelegram = "telegram"
	ChannelWeb      = "web"
	ChannelDiscord  = "discord"
)

func knownChannel(c string) bool {
	switch c {
	case ChannelTelegram, ChannelWeb, ChannelDiscord:
		return true
	}
	return false
}

// Rule statuses as persisted in the store.
const (
	StatusActive      = "active"
	StatusInvalid     = "invalid"
	StatusDeactivated = "deactivated"
)

// Wallet target kinds.
const (
	KindEVM    = "evm"
	KindSolana = "solana"
)

// TargetData enriches one target string: the resolved price-API id for
// tokens, the address and chain family for wallets.
type TargetData struct {
	Symbol   string `json:"symbol,omitempty" bson:"symbol,omitempty"`
	Name     string `json:"name,omitempty" bson:"name,omitempty"`
	CoinGcID string `json:"coin_gc_id,omitempty" bson:"coin_gc_id,omitempty"`
	Address  string `json:"address,omitempty" bson:"address,omitempty"`
	Kind     string `json:"kind,omitempty" bson:"kind,omitempty"`
}

// Rule is the primary aggregate: what to watch, the condition to evaluate,
// and where to deliver when it fires.
type Rule struct {
	RuleID        string                `json:"rule_id" bson:"rule_id"`
	UserID        string                `json:"user_id" bson:"user_id"`
	UserName      string                `json:"user_name,omitempty" bson:"user_name,omitempty"`
	WatchType     WatchType             `json:"watch_type" bson:"watch_type"`
	Target        []string              `json:"target" bson:"target"`
	TargetData    map[string]TargetData `json:"target_data,omitempty" bson:"target_data,omitempty"`
	Condition     map[string]any        `json:"condition,omitempty" bson:"condition,omitempty"`
	NotifyChannel string                `json:"notify_channel" bson:"notify_channel"`
	NotifyID      string                `json:"notify_id" bson:"notify_id"`
	Metadata      map[string]any        `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Active        bool                  `json:"active" bson:"active"`
	CreatedAt     time.Time             `json:"created_at,omitempty" bson:"created_at,omitempty"`
	LastUpdated   time.Time             `json:"last_updated,omitempty" bson:"last_updated,omitempty"`
	Status        string                `json:"status,omitempty" bson:"status,omitempty"`
	LastError     string                `json:"last_error,omitempty" bson:"last_error,omitempty"`
}

// Normalize canonicalizes a rule before validation. An airdrop rule with no
// targets watches everything.
func (r *Rule) Normalize() {
	if r.WatchType == WatchAirdrop && len(r.Target) == 0 {
		r.Target = []string{"*"}
	}
	for i, t := range r.Target {
		r.Target[i] = strings.TrimSpace(t)
	}
}

// Validate checks the fields a rule must carry before it can be activated.
func (r *Rule) Validate() error {
	if r.RuleID == "" {
		return fmt.Errorf("missing rule_id")
	}
	if r.UserID == "" {
		return fmt.Errorf("missing user_id")
	}
	if !r.WatchType.Known() {
		return fmt.Errorf("unknown watch_type %q", r.WatchType)
	}
	if len(r.Target) == 0 {
		return fmt.Errorf("empty target")
	}
	for _, t := range r.Target {
		if t == "" {
			return fmt.Errorf("blank entry in target list")
		}
	}
	if !knownChannel(r.NotifyChannel) {
		return fmt.Errorf("unsupported notify_channel %q", r.NotifyChannel)
	}
	if r.NotifyID == "" {
		return fmt.Errorf("missing notify_id")
	}
	if err := validateCondition(r.Condition); err != nil {
		return err
	}
	return nil
}

// validateCondition accepts an absent condition, the catch-all
// {type: "any"}, and mappings whose gt/lt bounds are numeric.
func validateCondition(cond map[string]any) error {
	if cond == nil {
		return nil
	}
	if t, ok := cond["type"].(string); ok && t == "any" {
		return nil
	}
	for _, k := range []string{"gt", "lt"} {
		if v, present := cond[k]; present {
			if _, ok := numericVal(v); !ok {
				return fmt.Errorf("condition %s must be numeric, got %T", k, v)
			}
		}
	}
	return nil
}

// CondGt returns the price-above threshold when the condition carries one.
func (r *Rule) CondGt() (float64, bool) {
	if r.Condition == nil {
		return 0, false
	}
	return numericVal(r.Condition["gt"])
}

// CondLt returns the price-below threshold when the condition carries one.
func (r *Rule) CondLt() (float64, bool) {
	if r.Condition == nil {
		return 0, false
	}
	return numericVal(r.Condition["lt"])
}

// AlertFilter returns the nested alert filter {level, type, source}, if any.
func (r *Rule) AlertFilter() map[string]any {
	if r.Condition == nil {
		return nil
	}
	if m, ok := r.Condition["alert"].(map[string]any); ok {
		return m
	}
	return nil
}

// WantsEvent reports whether the rule's condition admits a wallet event
// kind. A rule with no events filter takes everything.
func (r *Rule) WantsEvent(kind TxKind) bool {
	if r.Condition == nil {
		return true
	}
	raw, present := r.Condition["events"]
	if !present {
		return true
	}
	list, ok := raw.([]any)
	if !ok {
		return true
	}
	for _, v := range list {
		if s, ok := v.(string); ok && TxKind(s) == kind {
			return true
		}
	}
	return false
}

// numericVal coerces the numeric shapes a decoded JSON condition can hold.
func numericVal(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// TxKind tags a reconstructed wallet activity item.
type TxKind string

const (
	TxBalanceChange TxKind = "balance_change"
	TxNativeIn      TxKind = "native_transfer_in"
	TxNativeOut     TxKind = "native_transfer_out"
	TxTokenIn       TxKind = "token_transfer_in"
	TxTokenOut      TxKind = "token_transfer_out"
	TxTokenTrade    TxKind = "token_trade"
	TxNftIn         TxKind = "nft_transfer_in"
	TxNftOut        TxKind = "nft_transfer_out"
	TxNftTrade      TxKind = "nft_trade"
)

// TxEvent is one wallet activity item reconstructed by a chain tracker.
// Which fields are populated depends on Kind.
type TxEvent struct {
	Kind        TxKind `json:"kind"`
	Chain       string `json:"chain,omitempty"`
	Wallet      string `json:"wallet,omitempty"`
	Hash        string `json:"hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`

	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
	Contract string   `json:"contract,omitempty"`
	Symbol   string   `json:"symbol,omitempty"`
	Decimals uint8    `json:"decimals,omitempty"`
	Amount   *big.Int `json:"amount,omitempty"`
	Balance  *big.Int `json:"balance,omitempty"`

	OldBalance *big.Int `json:"old_balance,omitempty"`
	NewBalance *big.Int `json:"new_balance,omitempty"`
	Delta      *big.Int `json:"delta,omitempty"`

	TokenIn          string   `json:"token_in,omitempty"`
	TokenInSymbol    string   `json:"token_in_symbol,omitempty"`
	TokenInDecimals  uint8    `json:"token_in_decimals,omitempty"`
	AmountIn         *big.Int `json:"amount_in,omitempty"`
	TokenOut         string   `json:"token_out,omitempty"`
	TokenOutSymbol   string   `json:"token_out_symbol,omitempty"`
	TokenOutDecimals uint8    `json:"token_out_decimals,omitempty"`
	AmountOut        *big.Int `json:"amount_out,omitempty"`
	Side             string   `json:"side,omitempty"`
	Dex              string   `json:"dex,omitempty"`

	Collection         string   `json:"collection,omitempty"`
	TokenID            string   `json:"token_id,omitempty"`
	Direction          string   `json:"direction,omitempty"`
	Counterparty       string   `json:"counterparty,omitempty"`
	PriceToken         string   `json:"price_token,omitempty"`
	PriceTokenDecimals uint8    `json:"price_token_decimals,omitempty"`
	PriceTokenAmount   *big.Int `json:"price_token_amount,omitempty"`
}

// MatchData carries every condition hit produced by one evaluation of one
// rule.
type MatchData struct {
	Matches []MatchEntry `json:"matches"`
}

// MatchEntry is one condition hit. Condition is the discriminator; the other
// fields are populated per condition, mirroring TxEvent for wallet activity.
type MatchEntry struct {
	Condition string `json:"condition"`

	Token        string  `json:"token,omitempty"`
	Value        float64 `json:"value,omitempty"`
	Threshold    float64 `json:"threshold,omitempty"`
	OldPrice     float64 `json:"old_price,omitempty"`
	NewPrice     float64 `json:"new_price,omitempty"`
	CurrentPrice float64 `json:"current_price,omitempty"`

	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`

	Wallet      string `json:"wallet,omitempty"`
	Chain       string `json:"chain,omitempty"`
	Hash        string `json:"hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`

	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
	Contract string   `json:"contract,omitempty"`
	Symbol   string   `json:"symbol,omitempty"`
	Decimals uint8    `json:"decimals,omitempty"`
	Amount   *big.Int `json:"amount,omitempty"`
	Balance  *big.Int `json:"balance,omitempty"`

	OldBalance *big.Int `json:"old_balance,omitempty"`
	NewBalance *big.Int `json:"new_balance,omitempty"`
	Delta      *big.Int `json:"delta,omitempty"`

	TokenIn          string   `json:"token_in,omitempty"`
	TokenInSymbol    string   `json:"token_in_symbol,omitempty"`
	TokenInDecimals  uint8    `json:"token_in_decimals,omitempty"`
	AmountIn         *big.Int `json:"amount_in,omitempty"`
	TokenOut         string   `json:"token_out,omitempty"`
	TokenOutSymbol   string   `json:"token_out_symbol,omitempty"`
	TokenOutDecimals uint8    `json:"token_out_decimals,omitempty"`
	AmountOut        *big.Int `json:"amount_out,omitempty"`
	Side             string   `json:"side,omitempty"`
	Dex              string   `json:"dex,omitempty"`

	Collection         string   `json:"collection,omitempty"`
	TokenID            string   `json:"token_id,omitempty"`
	Direction          string   `json:"direction,omitempty"`
	Counterparty       string   `json:"counterparty,omitempty"`
	PriceToken         string   `json:"price_token,omitempty"`
	PriceTokenDecimals uint8    `json:"price_token_decimals,omitempty"`
	PriceTokenAmount   *big.Int `json:"price_token_amount,omitempty"`
}

// matchFromEvent lifts a tracker event into a match entry, the event kind
// becoming the condition tag.
func matchFromEvent(ev TxEvent) MatchEntry {
	return MatchEntry{
		Condition:          string(ev.Kind),
		Wallet:             ev.Wallet,
		Chain:              ev.Chain,
		Hash:               ev.Hash,
		BlockNumber:        ev.BlockNumber,
		From:               ev.From,
		To:                 ev.To,
		Contract:           ev.Contract,
		Symbol:             ev.Symbol,
		Decimals:           ev.Decimals,
		Amount:             ev.Amount,
		Balance:            ev.Balance,
		OldBalance:         ev.OldBalance,
		NewBalance:         ev.NewBalance,
		Delta:              ev.Delta,
		TokenIn:            ev.TokenIn,
		TokenInSymbol:      ev.TokenInSymbol,
		TokenInDecimals:    ev.TokenInDecimals,
		AmountIn:           ev.AmountIn,
		TokenOut:           ev.TokenOut,
		TokenOutSymbol:     ev.TokenOutSymbol,
		TokenOutDecimals:   ev.TokenOutDecimals,
		AmountOut:          ev.AmountOut,
		Side:               ev.Side,
		Dex:                ev.Dex,
		Collection:         ev.Collection,
		TokenID:            ev.TokenID,
		Direction:          ev.Direction,
		Counterparty:       ev.Counterparty,
		PriceToken:         ev.PriceToken,
		PriceTokenDecimals: ev.PriceTokenDecimals,
		PriceTokenAmount:   ev.PriceTokenAmount,
	}
}

// Condition tags carried by match entries.
const (
	CondPriceAbove     = "price_above"
	CondPriceBelow     = "price_below"
	CondPriceChange    = "price_change"
	CondPriceChange24h = "price_change_24h"
	CondAlert          = "alert"
)

// MatchEvent is the payload of <t>_watch:rule_matched.
type MatchEvent struct {
	Rule      Rule      `json:"rule"`
	MatchData MatchData `json:"match_data"`
	MatchedAt time.Time `json:"matched_at,omitempty"`
}

// DeactivateEvent is the payload of <t>_watch:deactivate_rule.
type DeactivateEvent struct {
	RuleID    string    `json:"rule_id"`
	UserID    string    `json:"user_id,omitempty"`
	WatchType WatchType `json:"watch_type"`
	Target    []string  `json:"target,omitempty"`
}

// ActivatedEvent is the payload of <t>_watch:rule_activated.
type ActivatedEvent struct {
	RuleID    string    `json:"rule_id"`
	WatchType WatchType `json:"watch_type"`
	Target    []string  `json:"target"`
}

// Notification statuses.
const (
	NotifyPending = "pending"
	NotifySent    = "sent"
	NotifyFailed  = "failed"
)

// NotifyMeta travels with a notification for observability and adapter
// hints.
type NotifyMeta struct {
	RuleID                string    `json:"rule_id"`
	UserID                string    `json:"user_id"`
	WatchType             WatchType `json:"watch_type"`
	ParseMode             string    `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool      `json:"disable_web_page_preview,omitempty"`
}

// Notification is the payload of <t>_watch:send_notify.
type Notification struct {
	ID          string         `json:"id,omitempty"`
	User        string         `json:"user"`
	Channel     string         `json:"channel"`
	Message     string         `json:"message"`
	Metadata    NotifyMeta     `json:"metadata"`
	ReplyMarkup map[string]any `json:"reply_markup,omitempty"`
	CreatedAt   time.Time      `json:"created_at,omitempty"`
	Status      string         `json:"status,omitempty"`
}

// StatusEvent is the payload of notify_sent, notify_failed, and
// notify_duplicate.
type StatusEvent struct {
	RuleID    string    `json:"rule_id,omitempty"`
	User      string    `json:"user"`
	Channel   string    `json:"channel"`
	WatchType WatchType `json:"watch_type,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Broker topic names, one family per watch type.
func topicRegisterRule(t WatchType) string   { return string(t) + "_watch:register_rule" }
func topicDeactivateRule(t WatchType) string { return string(t) + "_watch:deactivate_rule" }
func topicRuleActivated(t WatchType) string  { return string(t) + "_watch:rule_activated" }
func topicRuleMatched(t WatchType) string    { return string(t) + "_watch:rule_matched" }
func topicSendNotify(t WatchType) string     { return string(t) + "_watch:send_notify" }
func topicNotifySent(t WatchType) string     { return string(t) + "_watch:notify_sent" }
func topicNotifyFailed(t WatchType) string   { return string(t) + "_watch:notify_failed" }
func topicNotifyDupe(t WatchType) string     { return string(t) + "_watch:notify_duplicate" }

// watchHashKey names the broker hash holding the live rules for one target.
func watchHashKey(t WatchType, target string) string {
	return "watch:active:" + string(t) + ":" + target
}

// hashText returns a short stable fingerprint of s.
func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalJSON renders v with sorted keys at every level so equal documents
// always produce equal strings.
func canonicalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var scratch any
	if err = json.Unmarshal(b, &scratch); err != nil {
		return "", err
	}
	b, err = json.Marshal(scratch)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
