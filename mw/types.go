package mw

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-yaml/yaml"
)

const (
	defaultTokenInterval   = 30
	defaultWalletInterval  = 5
	defaultAirdropInterval = 900
	defaultAirdropWindow   = 15

	defaultMaxConcurrentWallets = 10
	defaultStartBlockOffset     = 100

	defaultDedupWindow      = 300
	defaultDedupMaxMessages = 10
	defaultNotifyRetries    = 3
	defaultNotifyRetryDelay = 5

	defaultQuotaTelegram = 30
	defaultQuotaWeb      = 100
	defaultQuotaDiscord  = 50

	defaultHealthInterval = 30
	defaultRestartBackoff = 5
)

// Config holds the settings for the monitor: broker and store endpoints,
// external data sources, chain RPCs, watcher cadence, and notification
// behavior.
type Config struct {
	Redis RedisConfig `yaml:"redis"`
	Mongo MongoConfig `yaml:"mongo"`

	PriceAPI   PriceAPIConfig `yaml:"price_api"`
	AlertsAPI  FeedConfig     `yaml:"alerts_api"`
	AirdropAPI FeedConfig     `yaml:"airdrop_api"`

	Chains []*ChainConfig `yaml:"chains"`
	Solana SolanaConfig   `yaml:"solana"`

	Watchers WatchersConfig `yaml:"watchers"`
	Notify   NotifyConfig   `yaml:"notify"`

	Supervisor SupervisorConfig `yaml:"supervisor"`

	Prometheus  PrometheusConfig  `yaml:"prometheus"`
	Healthcheck HealthcheckConfig `yaml:"healthcheck"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type PriceAPIConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

type FeedConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// ChainConfig describes one EVM chain the wallet watcher can track.
type ChainConfig struct {
	Name               string `yaml:"name"`
	ChainID            int64  `yaml:"chain_id"`
	RPC                string `yaml:"rpc"`
	NativeSymbol       string `yaml:"native_symbol"`
	ExplorerAddressURL string `yaml:"explorer_address_url"`
	ExplorerTxURL      string `yaml:"explorer_tx_url"`
}

type SolanaConfig struct {
	RPC                string `yaml:"rpc"`
	ExplorerAddressURL string `yaml:"explorer_address_url"`
	ExplorerTxURL      string `yaml:"explorer_tx_url"`
}

type WatchersConfig struct {
	Token   TokenWatcherConfig   `yaml:"token"`
	Wallet  WalletWatcherConfig  `yaml:"wallet"`
	Airdrop AirdropWatcherConfig `yaml:"airdrop"`
}

type TokenWatcherConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

func (c TokenWatcherConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

type WalletWatcherConfig struct {
	IntervalSeconds      int `yaml:"interval_seconds"`
	MaxConcurrentWallets int `yaml:"max_concurrent_wallets"`
	StartBlockOffset     int `yaml:"start_block_offset"`
}

func (c WalletWatcherConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

type AirdropWatcherConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	WindowMinutes   int `yaml:"window_minutes"`
}

func (c AirdropWatcherConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c AirdropWatcherConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// NotifyConfig controls the dispatcher: the Telegram bot endpoint, dedup
// window, retry policy, and per-channel minute quotas.
type NotifyConfig struct {
	BotHost  string `yaml:"bot_host"`
	BotToken string `yaml:"bot_token"`

	DedupWindowSeconds int `yaml:"dedup_window_seconds"`
	DedupMaxMessages   int `yaml:"dedup_max_messages"`
	MaxRetries         int `yaml:"max_retries"`
	RetryDelaySeconds  int `yaml:"retry_delay_seconds"`

	Quotas QuotaConfig `yaml:"quotas"`
}

func (c NotifyConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

func (c NotifyConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// QuotaConfig caps messages per channel per minute. A negative value disables
// the cap for that channel.
type QuotaConfig struct {
	Telegram int `yaml:"telegram"`
	Web      int `yaml:"web"`
	Discord  int `yaml:"discord"`
}

type SupervisorConfig struct {
	HealthIntervalSeconds int `yaml:"health_interval_seconds"`
	RestartBackoffSeconds int `yaml:"restart_backoff_seconds"`
}

func (c SupervisorConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

func (c SupervisorConfig) RestartBackoff() time.Duration {
	return time.Duration(c.RestartBackoffSeconds) * time.Second
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// HealthcheckConfig holds the information needed to send pings to a healthcheck endpoint
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	PingURL string `yaml:"ping_url"`
	// PingRate is in seconds
	PingRate time.Duration `yaml:"ping_rate"`
}

// validateConfig is a non-exhaustive check for common problems with the
// configuration, and fills in defaults for anything left unset.
func validateConfig(c *Config) (fatal bool, problems []string) {
	problems = make([]string, 0)

	if c.Redis.URL == "" {
		fatal = true
		problems = append(problems, "error: redis.url is required")
	}
	if c.Mongo.URI == "" {
		fatal = true
		problems = append(problems, "error: mongo.uri is required")
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "marketwatch"
	}

	if c.Notify.BotToken == "" {
		problems = append(problems, "warning: notify.bot_token is empty, telegram delivery will fail")
	}
	if c.Notify.BotHost == "" {
		c.Notify.BotHost = "https://api.telegram.org"
	}
	if _, err := url.Parse(c.Notify.BotHost); err != nil {
		fatal = true
		problems = append(problems, fmt.Sprintf("error: The bot host URL %s does not appear to be valid", c.Notify.BotHost))
	}

	if c.Watchers.Token.IntervalSeconds <= 0 {
		c.Watchers.Token.IntervalSeconds = defaultTokenInterval
	}
	if c.Watchers.Wallet.IntervalSeconds <= 0 {
		c.Watchers.Wallet.IntervalSeconds = defaultWalletInterval
	}
	if c.Watchers.Wallet.MaxConcurrentWallets <= 0 {
		c.Watchers.Wallet.MaxConcurrentWallets = defaultMaxConcurrentWallets
	}
	if c.Watchers.Wallet.StartBlockOffset <= 0 {
		c.Watchers.Wallet.StartBlockOffset = defaultStartBlockOffset
	}
	if c.Watchers.Airdrop.IntervalSeconds <= 0 {
		c.Watchers.Airdrop.IntervalSeconds = defaultAirdropInterval
	}
	if c.Watchers.Airdrop.WindowMinutes <= 0 {
		c.Watchers.Airdrop.WindowMinutes = defaultAirdropWindow
	}
	if c.Watchers.Token.IntervalSeconds < 10 {
		problems = append(problems, "warning: a token interval under ten seconds is likely to hit price API rate limits")
	}

	if c.Notify.DedupWindowSeconds <= 0 {
		c.Notify.DedupWindowSeconds = defaultDedupWindow
	}
	if c.Notify.DedupMaxMessages <= 0 {
		c.Notify.DedupMaxMessages = defaultDedupMaxMessages
	}
	if c.Notify.MaxRetries <= 0 {
		c.Notify.MaxRetries = defaultNotifyRetries
	}
	if c.Notify.RetryDelaySeconds <= 0 {
		c.Notify.RetryDelaySeconds = defaultNotifyRetryDelay
	}
	if c.Notify.Quotas.Telegram == 0 {
		c.Notify.Quotas.Telegram = defaultQuotaTelegram
	}
	if c.Notify.Quotas.Web == 0 {
		c.Notify.Quotas.Web = defaultQuotaWeb
	}
	if c.Notify.Quotas.Discord == 0 {
		c.Notify.Quotas.Discord = defaultQuotaDiscord
	}

	if c.Supervisor.HealthIntervalSeconds <= 0 {
		c.Supervisor.HealthIntervalSeconds = defaultHealthInterval
	}
	if c.Supervisor.RestartBackoffSeconds <= 0 {
		c.Supervisor.RestartBackoffSeconds = defaultRestartBackoff
	}

	seen := make(map[int64]bool)
	for _, chain := range c.Chains {
		if chain.RPC == "" {
			fatal = true
			problems = append(problems, fmt.Sprintf("error: chain %s has no rpc endpoint", chain.Name))
		}
		if chain.Name == "" {
			chain.Name = fmt.Sprintf("chain-%d", chain.ChainID)
		}
		if chain.NativeSymbol == "" {
			chain.NativeSymbol = "ETH"
		}
		if seen[chain.ChainID] {
			problems = append(problems, fmt.Sprintf("warning: chain id %d appears more than once", chain.ChainID))
		}
		seen[chain.ChainID] = true
	}
	if len(c.Chains) == 0 && c.Solana.RPC == "" {
		problems = append(problems, "warning: no chain rpcs configured, wallet rules will not match anything")
	}

	if c.Prometheus.Enabled && c.Prometheus.Listen == "" {
		c.Prometheus.Listen = ":28686"
	}
	if c.Healthcheck.Enabled && c.Healthcheck.PingRate == 0 {
		c.Healthcheck.PingRate = 60
	}

	return
}

// loadConfig creates a new Config from a file.
func loadConfig(yamlFile string) (*Config, error) {
	//#nosec -- variable specified on command line
	f, e := os.OpenFile(yamlFile, os.O_RDONLY, 0600)
	if e != nil {
		return nil, e
	}
	i, e := f.Stat()
	if e != nil {
		_ = f.Close()
		return nil, e
	}
	b := make([]byte, int(i.Size()))
	_, e = f.Read(b)
	_ = f.Close()
	if e != nil {
		return nil, e
	}
	c := &Config{}
	e = yaml.Unmarshal(b, c)
	if e != nil {
		return nil, e
	}

	fatal, problems := validateConfig(c)
	for _, p := range problems {
		fmt.Fprintln(os.Stderr, p)
	}
	if fatal {
		return nil, errors.New("configuration is invalid, refusing to start")
	}
	return c, nil
}

// ChainByID returns the configured EVM chain matching id, or nil.
func (c *Config) ChainByID(id int64) *ChainConfig {
	for _, chain := range c.Chains {
		if chain.ChainID == id {
			return chain
		}
	}
	return nil
}

// ChainByName returns the configured EVM chain matching name
// (case-insensitive), or nil.
func (c *Config) ChainByName(name string) *ChainConfig {
	for _, chain := range c.Chains {
		if strings.EqualFold(chain.Name, name) {
			return chain
		}
	}
	return nil
}
