package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenMetadataCache caches token metadata with a TTL.
type TokenMetadataCache struct {
	data  map[string]*TokenMetadata
	ttl   time.Duration
	mutex sync.RWMutex
}

// TokenMetadata is the display metadata of a mint.
type TokenMetadata struct {
	Symbol    string
	Name      string
	Decimals  int
	UpdatedAt time.Time
}

// WalletConfig is one configured wallet.
type WalletConfig struct {
	Address string `yaml:"address"`
	Label   string `yaml:"label"`
}

// TokenConfig is one configured token.
type TokenConfig struct {
	Address string `yaml:"address"`
	Symbol  string `yaml:"symbol"`
	Name    string `yaml:"name"`
	Decimal int    `yaml:"decimal"`
}

// InstrumentConfig names one instrument for every upstream.
type InstrumentConfig struct {
	ID             string `yaml:"id"`
	Symbol         string `yaml:"symbol"`
	CoinGeckoID    string `yaml:"coingecko_id"`
	ExchangeSymbol string `yaml:"exchange_symbol"`
	Mint           string `yaml:"mint"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type RefreshConfig struct {
	PriceInterval   time.Duration `yaml:"price_interval"`
	WalletInterval  time.Duration `yaml:"wallet_interval"`
	SourceTimeout   time.Duration `yaml:"source_timeout"`
	MaxParallel     int           `yaml:"max_parallel"`
	HistoryCapacity int           `yaml:"history_capacity"`
	MaxTracked      int           `yaml:"max_tracked"`
	// AlertThreshold is a percent move; 0 disables alerts.
	AlertThreshold float64       `yaml:"alert_threshold"`
	AlertWindow    time.Duration `yaml:"alert_window"`
}

type PricingConfig struct {
	// ReferenceQuoteRate is the SOL/USD rate used for bonding-curve pricing
	// until a live SOL price is available.
	ReferenceQuoteRate float64 `yaml:"reference_quote_rate"`
	QuoteInstrument    string  `yaml:"quote_instrument"`
}

type RPCConfig struct {
	Endpoints []string      `yaml:"endpoints"`
	Timeout   time.Duration `yaml:"timeout"`
}

type RealtimeConfig struct {
	URL      string   `yaml:"url"`
	APIKey   string   `yaml:"-"`
	Users    []string `yaml:"users"`
	AMQPURL  string   `yaml:"amqp_url"`
	Exchange string   `yaml:"exchange"`
	Prefetch int      `yaml:"prefetch"`
}

// Enabled reports whether any change transport is configured.
func (r RealtimeConfig) Enabled() bool {
	return r.URL != "" || r.AMQPURL != ""
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"-"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// APIKeys are only read from the environment.
type APIKeys struct {
	CoinMarketCap string
	CoinGecko     string
}

// Config holds every setting of the service.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Refresh     RefreshConfig      `yaml:"refresh"`
	Sources     []string           `yaml:"sources"`
	Pricing     PricingConfig      `yaml:"pricing"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	RPC         RPCConfig          `yaml:"rpc"`
	Wallets     []WalletConfig     `yaml:"wallets"`
	Tokens      []TokenConfig      `yaml:"tokens"`
	Realtime    RealtimeConfig     `yaml:"realtime"`
	Postgres    PostgresConfig     `yaml:"postgres"`
	Redis       RedisConfig        `yaml:"redis"`
	Keys        APIKeys            `yaml:"-"`
	cache       *TokenMetadataCache
}

// DefaultSources is the trust order used when the file names none.
var DefaultSources = []string{"coinmarketcap", "coingecko", "binance", "dexscreener", "jupiter", "pumpfun"}

// Default returns a configuration that works without a file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Refresh: RefreshConfig{
			PriceInterval:   15 * time.Second,
			WalletInterval:  30 * time.Second,
			SourceTimeout:   8 * time.Second,
			MaxParallel:     5,
			HistoryCapacity: 30,
			MaxTracked:      200,
			AlertWindow:     time.Minute,
		},
		Sources: append([]string(nil), DefaultSources...),
		Pricing: PricingConfig{QuoteInstrument: "SOL"},
		RPC: RPCConfig{
			Endpoints: []string{"https://api.mainnet-beta.solana.com"},
			Timeout:   10 * time.Second,
		},
		Realtime: RealtimeConfig{Exchange: "row_changes", Prefetch: 16},
		Redis:    RedisConfig{TTL: 5 * time.Minute},
		cache:    NewTokenMetadataCache(time.Hour),
	}
}

// NewTokenMetadataCache creates an empty cache.
func NewTokenMetadataCache(ttl time.Duration) *TokenMetadataCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TokenMetadataCache{
		data: make(map[string]*TokenMetadata),
		ttl:  ttl,
	}
}

// Get returns the cached metadata of mint.
func (c *TokenMetadataCache) Get(mint string) (*TokenMetadata, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	metadata, ok := c.data[mint]
	if !ok {
		return nil, false
	}
	// expired
	if time.Since(metadata.UpdatedAt) > c.ttl {
		return nil, false
	}
	return metadata, true
}

// Set caches metadata for mint.
func (c *TokenMetadataCache) Set(mint string, metadata *TokenMetadata) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	metadata.UpdatedAt = time.Now()
	c.data[mint] = metadata
}

// LoadConfig loads the YAML file. A missing file yields the defaults;
// environment variables override the file.
func LoadConfig(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes config to a YAML file.
func SaveConfig(filename string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

func (c *Config) applyEnv() error {
	c.Keys.CoinMarketCap = os.Getenv("COINMARKETCAP_API_KEY")
	c.Keys.CoinGecko = os.Getenv("COINGECKO_API_KEY")

	if list := getString("SOLANA_RPC_ENDPOINTS", ""); list != "" {
		c.RPC.Endpoints = splitList(list)
	}
	// Helius first
	if endpoint, apiKey := os.Getenv("HELIUS_RPC_ENDPOINT"), os.Getenv("HELIUS_API_KEY"); endpoint != "" && apiKey != "" {
		helius := fmt.Sprintf("%s/?api-key=%s", strings.TrimSuffix(endpoint, "/"), apiKey)
		c.RPC.Endpoints = append([]string{helius}, c.RPC.Endpoints...)
	}

	c.Server.Addr = getString("HTTP_ADDR", c.Server.Addr)
	c.Postgres.DSN = getString("DATABASE_DSN", c.Postgres.DSN)
	c.Redis.Addr = getString("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Realtime.URL = getString("SUPABASE_REALTIME_URL", c.Realtime.URL)
	c.Realtime.APIKey = os.Getenv("SUPABASE_ANON_KEY")
	c.Realtime.AMQPURL = getString("AMQP_URL", c.Realtime.AMQPURL)

	rate, err := getFloat("REFERENCE_QUOTE_RATE", c.Pricing.ReferenceQuoteRate)
	if err != nil {
		return err
	}
	c.Pricing.ReferenceQuoteRate = rate
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Refresh.PriceInterval <= 0 {
		errs = append(errs, errors.New("refresh.price_interval must be positive"))
	}
	if c.Refresh.WalletInterval <= 0 {
		errs = append(errs, errors.New("refresh.wallet_interval must be positive"))
	}
	if c.Refresh.SourceTimeout <= 0 {
		errs = append(errs, errors.New("refresh.source_timeout must be positive"))
	}
	if c.Refresh.MaxParallel <= 0 {
		errs = append(errs, errors.New("refresh.max_parallel must be positive"))
	}
	if c.Refresh.HistoryCapacity <= 0 {
		errs = append(errs, errors.New("refresh.history_capacity must be positive"))
	}
	if c.Refresh.AlertThreshold < 0 {
		errs = append(errs, errors.New("refresh.alert_threshold must not be negative"))
	}
	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("sources must name at least one price source"))
	}
	if c.Pricing.ReferenceQuoteRate < 0 {
		errs = append(errs, errors.New("pricing.reference_quote_rate must not be negative"))
	}
	if len(c.RPC.Endpoints) == 0 {
		errs = append(errs, errors.New("rpc.endpoints must not be empty"))
	}
	for i, inst := range c.Instruments {
		if inst.ID == "" {
			errs = append(errs, fmt.Errorf("instruments[%d].id is required", i))
		}
	}
	if c.Realtime.Enabled() && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("realtime needs postgres.dsn to re-fetch collections"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) metadataCache() *TokenMetadataCache {
	if c.cache == nil {
		c.cache = NewTokenMetadataCache(time.Hour)
	}
	return c.cache
}

// GetTokenMetadata returns cached metadata, falling back to the configured tokens.
func (c *Config) GetTokenMetadata(mint string) *TokenMetadata {
	if metadata, ok := c.metadataCache().Get(mint); ok {
		return metadata
	}

	for _, token := range c.Tokens {
		if token.Address == mint {
			metadata := &TokenMetadata{
				Symbol:   token.Symbol,
				Name:     token.Name,
				Decimals: token.Decimal,
			}
			c.metadataCache().Set(mint, metadata)
			return metadata
		}
	}

	return nil
}

// SetTokenMetadata caches metadata for mint.
func (c *Config) SetTokenMetadata(mint string, metadata *TokenMetadata) {
	c.metadataCache().Set(mint, metadata)
}

// Lookup returns symbol and name for a mint.
func (c *Config) Lookup(mint string) (string, string, bool) {
	m := c.GetTokenMetadata(mint)
	if m == nil {
		return "", "", false
	}
	return m.Symbol, m.Name, true
}

// Remember caches metadata learned at runtime.
func (c *Config) Remember(mint, symbol, name string) {
	c.SetTokenMetadata(mint, &TokenMetadata{Symbol: symbol, Name: name})
}

// GetWalletAddresses lists the configured wallet addresses.
func (c *Config) GetWalletAddresses() []string {
	addresses := make([]string, len(c.Wallets))
	for i, w := range c.Wallets {
		addresses[i] = w.Address
	}
	return addresses
}

// TrackedIDs lists the configured instruments plus the configured tokens.
func (c *Config) TrackedIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; ok || id == "" {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	add(c.Pricing.QuoteInstrument)
	for _, inst := range c.Instruments {
		add(inst.ID)
	}
	for _, t := range c.Tokens {
		add(t.Address)
	}
	return ids
}

func getString(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func getFloat(key string, fallback float64) (float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("convert %s value %q to float: %w", key, value, err)
	}
	return parsed, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
