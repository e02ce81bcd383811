package mw

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	workerStatusKey = "worker:status"
	workerStatusTTL = 60 * time.Second
)

// watchJob is the per-type behavior a watcher drives: how often to tick, how
// to warm per-target state, and how to turn targets plus live rules into
// match events.
type watchJob interface {
	Type() WatchType
	Interval() time.Duration
	InitCache(ctx context.Context, targets []string, data map[string]TargetData)
	Tick(ctx context.Context, targets []string, rulesByTarget map[string][]Rule) []MatchEvent
}

// Watcher owns one watching set and runs its job's tick loop. Targets join
// the set through register events and leave when their rule hash empties.
type Watcher struct {
	job    watchJob
	broker *Broker
	stats  *metrics
	log    zerolog.Logger

	mux     sync.RWMutex
	targets map[string]struct{}

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newWatcher(job watchJob, broker *Broker, stats *metrics, log zerolog.Logger) *Watcher {
	return &Watcher{
		job:     job,
		broker:  broker,
		stats:   stats,
		log:     log,
		targets: make(map[string]struct{}),
	}
}

func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.running.Store(true)
	go w.loop(ctx)
}

func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Watcher) Wait() {
	if w.done != nil {
		<-w.done
	}
}

func (w *Watcher) Running() bool { return w.running.Load() }

func (w *Watcher) Targets() []string {
	w.mux.RLock()
	defer w.mux.RUnlock()
	out := make([]string, 0, len(w.targets))
	for t := range w.targets {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) targetCount() int {
	w.mux.RLock()
	defer w.mux.RUnlock()
	return len(w.targets)
}

// addTargets returns the subset that was not already watched.
func (w *Watcher) addTargets(targets []string) []string {
	w.mux.Lock()
	defer w.mux.Unlock()
	added := make([]string, 0, len(targets))
	for _, t := range targets {
		if _, ok := w.targets[t]; !ok {
			w.targets[t] = struct{}{}
			added = append(added, t)
		}
	}
	return added
}

func (w *Watcher) removeTarget(target string) {
	w.mux.Lock()
	delete(w.targets, target)
	w.mux.Unlock()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer w.running.Store(false)
	interval := w.job.Interval()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	w.log.Info().Str("interval", interval.String()).Msgf("🚀 %s watcher started", w.job.Type())
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msgf("%s watcher stopped", w.job.Type())
			return
		case <-tick.C:
			w.runTick(ctx)
		}
	}
}

// runTick loads the live rules for every watched target, hands them to the
// job, and publishes whatever matched. Per-target failures skip that target
// only.
func (w *Watcher) runTick(ctx context.Context) {
	started := time.Now()
	targets := w.Targets()
	if len(targets) == 0 {
		return
	}

	distinct := make(map[string]struct{})
	rulesByTarget := make(map[string][]Rule, len(targets))
	for _, target := range targets {
		fields, err := w.broker.HGetAll(ctx, watchHashKey(w.job.Type(), target))
		if err != nil {
			w.log.Warn().Err(err).Str("target", target).Msg("could not load rules, skipping target this tick")
			continue
		}
		if len(fields) == 0 {
			w.removeTarget(target)
			continue
		}
		list := make([]Rule, 0, len(fields))
		for id, doc := range fields {
			var r Rule
			if err = json.Unmarshal([]byte(doc), &r); err != nil {
				w.log.Warn().Err(err).Str("rule", id).Msg("dropping undecodable rule document")
				continue
			}
			list = append(list, r)
			distinct[r.RuleID] = struct{}{}
		}
		rulesByTarget[target] = list
	}
	w.stats.setRules(w.job.Type(), float64(len(distinct)))

	for _, ev := range w.job.Tick(ctx, targets, rulesByTarget) {
		if ev.MatchedAt.IsZero() {
			ev.MatchedAt = time.Now().UTC()
		}
		if err := w.broker.Publish(ctx, topicRuleMatched(w.job.Type()), ev); err != nil {
			w.log.Error().Err(err).Str("rule", ev.Rule.RuleID).Msg("could not publish match")
			continue
		}
		for _, m := range ev.MatchData.Matches {
			w.stats.incMatch(w.job.Type(), m.Condition)
		}
	}
	w.stats.observeTick(string(w.job.Type()), time.Since(started))
}

// handleRegister folds a rule into the watching set and re-persists it under
// each target key. Invalid rules are the processor's problem; the watcher
// just ignores them.
func (w *Watcher) handleRegister(ctx context.Context, payload []byte) {
	var rule Rule
	if err := json.Unmarshal(payload, &rule); err != nil {
		w.log.Warn().Err(err).Msgf("%s watcher dropping malformed rule payload", w.job.Type())
		return
	}
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		w.log.Debug().Err(err).Str("rule", rule.RuleID).Msg("ignoring invalid rule")
		return
	}

	body, err := json.Marshal(rule)
	if err != nil {
		return
	}
	for _, target := range rule.Target {
		if err = w.broker.HSet(ctx, watchHashKey(rule.WatchType, target), rule.RuleID, string(body)); err != nil {
			w.log.Warn().Err(err).Str("target", target).Msg("could not persist watch entry")
		}
	}

	if added := w.addTargets(rule.Target); len(added) > 0 {
		go w.job.InitCache(ctx, added, rule.TargetData)
		w.log.Info().Strs("new", added).Int("targets", w.targetCount()).
			Msgf("👀 %s watcher picked up new targets", w.job.Type())
	}
}

// handleDeactivate removes the rule from every target hash it names (or all
// watched targets when it names none) and prunes targets left empty.
func (w *Watcher) handleDeactivate(ctx context.Context, payload []byte) {
	var ev DeactivateEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		w.log.Warn().Err(err).Msgf("%s watcher dropping malformed deactivate payload", w.job.Type())
		return
	}
	if ev.RuleID == "" {
		return
	}
	targets := ev.Target
	if len(targets) == 0 {
		targets = w.Targets()
	}
	for _, target := range targets {
		key := watchHashKey(w.job.Type(), target)
		if err := w.broker.HDel(ctx, key, ev.RuleID); err != nil {
			w.log.Warn().Err(err).Str("target", target).Msg("could not remove watch entry")
			continue
		}
		if n, err := w.broker.HLen(ctx, key); err == nil && n == 0 {
			w.removeTarget(target)
		}
	}
	w.log.Info().Str("rule", ev.RuleID).Msgf("🗑 %s watcher dropped rule", w.job.Type())
}

type workerStatus struct {
	Active      bool      `json:"active"`
	TargetCount int       `json:"target_count"`
	LastCheck   time.Time `json:"last_check"`
}

// Pool boots the three watchers, routes their register/deactivate
// subscriptions, reports health, and recreates any watcher found dead.
// Subscriptions are owned by the pool so a recreated watcher never leaves a
// stale handler behind.
type Pool struct {
	broker *Broker
	cfg    SupervisorConfig
	stats  *metrics
	log    zerolog.Logger

	mux      sync.Mutex
	watchers map[WatchType]*Watcher
	jobs     map[WatchType]watchJob

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPool(broker *Broker, jobs []watchJob, cfg SupervisorConfig, stats *metrics, log zerolog.Logger) *Pool {
	p := &Pool{
		broker:   broker,
		cfg:      cfg,
		stats:    stats,
		log:      log,
		watchers: make(map[WatchType]*Watcher, len(jobs)),
		jobs:     make(map[WatchType]watchJob, len(jobs)),
	}
	for _, job := range jobs {
		p.jobs[job.Type()] = job
	}
	return p
}

func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for t, job := range p.jobs {
		t := t
		w := newWatcher(job, p.broker, p.stats, p.log)
		p.watchers[t] = w

		err := p.broker.Subscribe(p.ctx, topicRegisterRule(t), func(_ string, payload []byte) {
			p.current(t).handleRegister(p.ctx, payload)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s register: %w", t, err)
		}
		err = p.broker.Subscribe(p.ctx, topicDeactivateRule(t), func(_ string, payload []byte) {
			p.current(t).handleDeactivate(p.ctx, payload)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s deactivate: %w", t, err)
		}

		w.Start(p.ctx)
		p.stats.setWatcherUp(string(t), true)
	}

	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.healthLoop(p.ctx)
	}()
	return nil
}

func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.mux.Lock()
	watchers := make([]*Watcher, 0, len(p.watchers))
	for _, w := range p.watchers {
		watchers = append(watchers, w)
	}
	p.mux.Unlock()
	for _, w := range watchers {
		w.Wait()
	}
	if p.done != nil {
		<-p.done
	}
}

func (p *Pool) current(t WatchType) *Watcher {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.watchers[t]
}

// healthLoop publishes per-watcher status and recreates anything found not
// running.
func (p *Pool) healthLoop(ctx context.Context) {
	tick := time.NewTicker(p.cfg.HealthInterval())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			statuses := make(map[string]workerStatus, len(p.jobs))
			for t := range p.jobs {
				w := p.current(t)
				st := workerStatus{
					Active:      w.Running(),
					TargetCount: w.targetCount(),
					LastCheck:   time.Now().UTC(),
				}
				statuses[string(t)] = st
				p.stats.setWatcherUp(string(t), st.Active)
				if !st.Active {
					p.log.Warn().Msgf("💥 %s watcher is not running, recreating", t)
					p.restart(ctx, t)
				}
			}
			body, err := json.Marshal(statuses)
			if err == nil {
				if err = p.broker.Set(ctx, workerStatusKey, string(body), workerStatusTTL); err != nil {
					p.log.Warn().Err(err).Msg("could not record worker status")
				}
			}
		}
	}
}

// restart replaces a dead watcher after the configured backoff. The old
// watching set is rebuilt from register traffic and from targets re-read by
// the new loop.
func (p *Pool) restart(ctx context.Context, t WatchType) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(p.cfg.RestartBackoff()):
	}

	p.mux.Lock()
	old := p.watchers[t]
	w := newWatcher(p.jobs[t], p.broker, p.stats, p.log)
	if old != nil {
		w.addTargets(old.Targets())
	}
	p.watchers[t] = w
	p.mux.Unlock()

	if old != nil {
		old.Stop()
		old.Wait()
	}
	w.Start(p.ctx)
	p.stats.incRestart(string(t) + "_watcher")
	p.log.Info().Msgf("♻️ %s watcher recreated", t)
}
