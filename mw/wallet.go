package mw

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// txSeenCap bounds each tracker's cross-tick transaction dedup set.
const txSeenCap = 8192

// seenSet is a bounded insertion-ordered set. When full, the oldest entry
// falls out first.
type seenSet struct {
	mux   sync.Mutex
	limit int
	items map[string]struct{}
	order []string
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{limit: limit, items: make(map[string]struct{}, limit)}
}

func (s *seenSet) seen(key string) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	_, ok := s.items[key]
	return ok
}

func (s *seenSet) add(key string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.items[key]; ok {
		return
	}
	s.items[key] = struct{}{}
	s.order = append(s.order, key)
	for len(s.order) > s.limit {
		delete(s.items, s.order[0])
		s.order = s.order[1:]
	}
}

// WalletSnapshot is one wallet's state after a tracker pass.
type WalletSnapshot struct {
	Chain        string
	Wallet       string
	Balance      *big.Int
	Transactions []TxEvent
	LastUpdated  time.Time
}

// WalletTracker watches wallets on one chain. Implementations are long-lived
// and keep their own per-wallet state between ticks.
type WalletTracker interface {
	Chain() string
	Kind() string
	GetWalletData(ctx context.Context, wallets []string) map[string]*WalletSnapshot
}

// WalletJob drives every chain tracker from one watcher loop: it fans the
// watched wallets out to the trackers for their kind, merges the resulting
// events, and evaluates each rule against the wallets it targets.
type WalletJob struct {
	cfg      WalletWatcherConfig
	trackers []WalletTracker
	log      zerolog.Logger

	mux   sync.Mutex
	kinds map[string]string
}

func NewWalletJob(cfg WalletWatcherConfig, trackers []WalletTracker, log zerolog.Logger) *WalletJob {
	return &WalletJob{cfg: cfg, trackers: trackers, log: log, kinds: make(map[string]string)}
}

func (j *WalletJob) Type() WatchType         { return WatchWallet }
func (j *WalletJob) Interval() time.Duration { return j.cfg.Interval() }

// InitCache runs one silent pass over the new wallets so every tracker has a
// balance and block position to diff against. Activity predating the rule is
// swallowed here rather than notified.
func (j *WalletJob) InitCache(ctx context.Context, targets []string, _ map[string]TargetData) {
	j.collect(ctx, targets)
	j.log.Debug().Int("wallets", len(targets)).Msg("primed wallet baselines")
}

func (j *WalletJob) Tick(ctx context.Context, targets []string, rulesByTarget map[string][]Rule) []MatchEvent {
	rules := dedupeRules(targets, rulesByTarget)
	if len(rules) == 0 {
		return nil
	}
	events := j.collect(ctx, targets)
	if len(events) == 0 {
		return nil
	}

	var out []MatchEvent
	for i := range rules {
		rule := rules[i]
		var matches []MatchEntry
		for _, w := range rule.Target {
			for _, ev := range events[w] {
				if !rule.WantsEvent(ev.Kind) {
					continue
				}
				matches = append(matches, matchFromEvent(ev))
			}
		}
		if len(matches) > 0 {
			out = append(out, MatchEvent{Rule: rule, MatchData: MatchData{Matches: matches}})
		}
	}
	return out
}

// collect fans the wallets out to every tracker of the matching kind and
// merges events per wallet in tracker order, so one wallet active on several
// chains yields one combined stream.
func (j *WalletJob) collect(ctx context.Context, targets []string) map[string][]TxEvent {
	byKind := make(map[string][]string)
	for _, t := range targets {
		k := j.kindOf(t)
		byKind[k] = append(byKind[k], t)
	}

	results := make([]map[string]*WalletSnapshot, len(j.trackers))
	var wg sync.WaitGroup
	for i, tr := range j.trackers {
		wallets := byKind[tr.Kind()]
		if len(wallets) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, tr WalletTracker) {
			defer wg.Done()
			results[i] = tr.GetWalletData(ctx, wallets)
		}(i, tr)
	}
	wg.Wait()

	merged := make(map[string][]TxEvent)
	for _, snaps := range results {
		for w, snap := range snaps {
			if snap == nil || len(snap.Transactions) == 0 {
				continue
			}
			merged[w] = append(merged[w], snap.Transactions...)
		}
	}
	return merged
}

// kindOf memoizes wallet categorization: 0x-prefixed 20-byte hex addresses
// are EVM, anything else is treated as a Solana account.
func (j *WalletJob) kindOf(wallet string) string {
	j.mux.Lock()
	defer j.mux.Unlock()
	if k, ok := j.kinds[wallet]; ok {
		return k
	}
	k := KindSolana
	if strings.HasPrefix(wallet, "0x") && len(wallet) == 42 {
		k = KindEVM
	}
	j.kinds[wallet] = k
	return k
}
