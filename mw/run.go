package mw

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/firstset/marketwatch/mw/utils"
)

// Run wires the whole pipeline together from a config file and blocks until
// ctx is canceled. Startup order matters: the watcher pool and the
// downstream consumers subscribe before the processor replays persisted
// rules, so nothing replayed is missed.
func Run(ctx context.Context, configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	broker, err := NewBroker(cfg.Redis.URL, log.With().Str("component", "broker").Logger())
	if err != nil {
		return err
	}
	if err = broker.Ping(ctx); err != nil {
		_ = broker.Close()
		return fmt.Errorf("broker unreachable: %w", err)
	}

	store, err := NewStore(ctx, cfg.Mongo.URI, cfg.Mongo.Database, log.With().Str("component", "store").Logger())
	if err != nil {
		_ = broker.Close()
		return err
	}

	var stats *metrics
	if cfg.Prometheus.Enabled {
		stats = newMetrics()
		go stats.serve(ctx, cfg.Prometheus.Listen, log.With().Str("component", "prometheus").Logger())
	}

	var priceOpts []func(*utils.CoinGeckoClient)
	if cfg.PriceAPI.Endpoint != "" {
		priceOpts = append(priceOpts, utils.WithPriceEndpoint(cfg.PriceAPI.Endpoint))
	}
	prices := utils.NewCoinGeckoClient(cfg.PriceAPI.APIKey, priceOpts...)
	alertsFeed := utils.NewAlertsClient(cfg.AlertsAPI.Endpoint)
	airdropFeed := utils.NewAirdropClient(cfg.AirdropAPI.Endpoint)

	var trackers []WalletTracker
	for _, chain := range cfg.Chains {
		tracker, err := NewEVMTracker(chain, cfg.Watchers.Wallet, log.With().Str("chain", chain.Name).Logger())
		if err != nil {
			log.Error().Err(err).Str("chain", chain.Name).Msg("could not connect chain, skipping")
			continue
		}
		trackers = append(trackers, tracker)
	}
	if cfg.Solana.RPC != "" {
		trackers = append(trackers, NewSolanaTracker(cfg.Solana, cfg.Watchers.Wallet,
			log.With().Str("chain", chainSolana).Logger()))
	}

	jobs := []watchJob{
		NewTokenJob(cfg.Watchers.Token, prices, alertsFeed, log.With().Str("watcher", "token").Logger()),
		NewWalletJob(cfg.Watchers.Wallet, trackers, log.With().Str("watcher", "wallet").Logger()),
		NewAirdropJob(cfg.Watchers.Airdrop, airdropFeed, log.With().Str("watcher", "airdrop").Logger()),
	}

	pool := NewPool(broker, jobs, cfg.Supervisor, stats, log.With().Str("component", "pool").Logger())
	if err = pool.Start(ctx); err != nil {
		return shutdownAfter(err, pool, broker, store)
	}
	matcher := NewMatcher(broker, cfg, log.With().Str("component", "matcher").Logger())
	if err = matcher.Start(ctx); err != nil {
		return shutdownAfter(err, pool, broker, store)
	}
	dispatcher := NewDispatcher(broker, cfg.Notify, stats, log.With().Str("component", "dispatcher").Logger())
	if err = dispatcher.Start(ctx); err != nil {
		return shutdownAfter(err, pool, broker, store)
	}
	processor := NewProcessor(broker, store, prices, stats, log.With().Str("component", "processor").Logger())
	if err = processor.Start(ctx); err != nil {
		return shutdownAfter(err, pool, broker, store)
	}

	if cfg.Healthcheck.Enabled {
		go healthcheckPings(ctx, cfg.Healthcheck, log.With().Str("component", "healthcheck").Logger())
	}

	log.Info().Int("chains", len(trackers)).Msg("🚀 marketwatch started")
	<-ctx.Done()

	log.Info().Msg("🛑 shutting down")
	return shutdownAfter(nil, pool, broker, store)
}

// shutdownAfter tears the process down in dependency order: watch loops
// first, then the broker (which ends every subscription), then the store.
func shutdownAfter(cause error, pool *Pool, broker *Broker, store *Store) error {
	pool.Stop()
	_ = broker.Close()
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = store.Close(closeCtx)
	return cause
}

// healthcheckPings reports liveness to an external monitor for as long as
// the process is up.
func healthcheckPings(ctx context.Context, cfg HealthcheckConfig, log zerolog.Logger) {
	hc := utils.NewHTTPClient()
	ping := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.PingURL, nil)
		if err != nil {
			log.Warn().Err(err).Msg("bad healthcheck ping url")
			return
		}
		resp, err := hc.Do(req)
		if err != nil {
			log.Warn().Err(err).Msg("could not ping healthcheck endpoint")
			return
		}
		_ = resp.Body.Close()
		log.Debug().Msg("🏓 sent healthcheck ping")
	}

	tick := time.NewTicker(cfg.PingRate * time.Second)
	defer tick.Stop()
	ping()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			ping()
		}
	}
}
