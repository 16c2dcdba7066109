package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Engine modes.
const (
	ModeNative = "native"
	ModeChain  = "chain"
)

// Config captures the runtime settings for the bank daemon.
type Config struct {
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	GRPC          GRPCConfig          `yaml:"grpc"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
	Engine        EngineConfig        `yaml:"engine"`
	Indexer       IndexerConfig       `yaml:"indexer"`
	Keeper        KeeperConfig        `yaml:"keeper"`
}

type HTTPConfig struct {
	ListenAddress  string        `yaml:"listen"`
	MaxConnections int           `yaml:"maxConnections"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	CORS           CORSConfig    `yaml:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

// GRPCConfig describes the gRPC listener and its TLS material.
type GRPCConfig struct {
	Enabled         bool           `yaml:"enabled"`
	ListenAddress   string         `yaml:"listen"`
	TLS             TLSConfig      `yaml:"tls"`
	Auth            GRPCAuthConfig `yaml:"auth"`
	RateLimitPerMin int            `yaml:"rate_limit_per_min"`
}

type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// GRPCAuthConfig lists the authenticators accepted for gRPC writes.
type GRPCAuthConfig struct {
	APITokens []string       `yaml:"api_tokens"`
	MTLS      MTLSAuthConfig `yaml:"mtls"`
	// Accounts maps each api token or common name to the addresses it may
	// act for. "*" grants every address.
	Accounts map[string][]string `yaml:"accounts"`
}

type MTLSAuthConfig struct {
	AllowedCommonNames []string `yaml:"allowed_common_names"`
}

// AuthConfig configures JWT bearer validation for the HTTP API.
type AuthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HMACSecret string        `yaml:"hmacSecret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ScopeClaim string        `yaml:"scopeClaim"`
	ClockSkew  time.Duration `yaml:"clockSkew"`
	enabledSet bool          `yaml:"-"`
}

func (a *AuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawAuthConfig struct {
		Enabled    *bool         `yaml:"enabled"`
		HMACSecret string        `yaml:"hmacSecret"`
		Issuer     string        `yaml:"issuer"`
		Audience   string        `yaml:"audience"`
		ScopeClaim string        `yaml:"scopeClaim"`
		ClockSkew  time.Duration `yaml:"clockSkew"`
	}
	var raw rawAuthConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	a.enabledSet = raw.Enabled != nil
	a.Enabled = raw.Enabled != nil && *raw.Enabled
	a.HMACSecret = raw.HMACSecret
	a.Issuer = raw.Issuer
	a.Audience = raw.Audience
	a.ScopeClaim = raw.ScopeClaim
	a.ClockSkew = raw.ClockSkew
	return nil
}

type RateLimitConfig struct {
	ID                string         `yaml:"id"`
	RequestsPerMinute float64        `yaml:"requestsPerMinute"`
	RatePerSecond     float64        `yaml:"ratePerSecond"`
	Burst             int            `yaml:"burst"`
	DefaultTokens     int            `yaml:"defaultTokens"`
	Tokens            map[string]int `yaml:"tokens"`
}

// Rate returns the configured rate in requests per second.
func (r RateLimitConfig) Rate() float64 {
	if r.RatePerSecond > 0 {
		return r.RatePerSecond
	}
	return r.RequestsPerMinute / 60.0
}

type ObservabilityConfig struct {
	ServiceName   string            `yaml:"serviceName"`
	Metrics       bool              `yaml:"metrics"`
	Tracing       bool              `yaml:"tracing"`
	LogRequests   bool              `yaml:"logRequests"`
	MetricsPrefix string            `yaml:"metricsPrefix"`
	OTLPEndpoint  string            `yaml:"otlpEndpoint"`
	OTLPInsecure  bool              `yaml:"otlpInsecure"`
	OTLPHeaders   map[string]string `yaml:"otlpHeaders"`
}

// LoggingConfig enables file output with rotation. An empty File logs to
// stdout only.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

type EngineConfig struct {
	Mode   string       `yaml:"mode"`
	Native NativeConfig `yaml:"native"`
	Chain  ChainConfig  `yaml:"chain"`
}

// Storage backends for the native engine.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// NativeConfig runs the bank in process. An empty DataDir keeps state in
// memory.
type NativeConfig struct {
	Backend            string         `yaml:"backend"`
	DataDir            string         `yaml:"dataDir"`
	Bank               string         `yaml:"bank"`
	Router             string         `yaml:"router"`
	Manager            string         `yaml:"manager"`
	Owner              string         `yaml:"owner"`
	RiskConfig         string         `yaml:"riskConfig"`
	RouterFeeBps       uint64         `yaml:"routerFeeBps"`
	MaxBorrowPerWindow string         `yaml:"maxBorrowPerWindow"`
	WindowSeconds      uint64         `yaml:"windowSeconds"`
	FeedHistory        int            `yaml:"feedHistory"`
	Markets            []MarketConfig `yaml:"markets"`
}

// ChainConfig points the daemon at a deployed bank and router.
type ChainConfig struct {
	Endpoint      string         `yaml:"endpoint"`
	Keystore      string         `yaml:"keystore"`
	PassphraseEnv string         `yaml:"passphraseEnv"`
	Bank          string         `yaml:"bank"`
	Router        string         `yaml:"router"`
	ReceiptPoll   time.Duration  `yaml:"receiptPoll"`
	FeedHistory   int            `yaml:"feedHistory"`
	Markets       []MarketConfig `yaml:"markets"`
}

// MarketConfig is a pool key plus, in native mode, its bootstrap state.
type MarketConfig struct {
	Currency0   string `yaml:"currency0"`
	Currency1   string `yaml:"currency1"`
	Fee         uint32 `yaml:"fee"`
	TickSpacing int32  `yaml:"tickSpacing"`
	Hooks       string `yaml:"hooks"`
	Tick        int32  `yaml:"tick"`
	Liquidity   string `yaml:"liquidity"`
}

type IndexerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
}

type KeeperConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Schedule       string        `yaml:"schedule"`
	Workers        int           `yaml:"workers"`
	CloseFactorBps uint64        `yaml:"closeFactorBps"`
	Liquidator     string        `yaml:"liquidator"`
	Timeout        time.Duration `yaml:"timeout"`
}

// Environment variables that override file settings.
const (
	EnvEnvironment  = "BANKD_ENV"
	EnvHTTPListen   = "BANKD_HTTP_LISTEN"
	EnvGRPCListen   = "BANKD_GRPC_LISTEN"
	EnvAuthSecret   = "BANKD_AUTH_HMAC_SECRET"
	EnvEngineMode   = "BANKD_ENGINE_MODE"
	EnvDataDir      = "BANKD_DATA_DIR"
	EnvChainRPC     = "BANKD_CHAIN_ENDPOINT"
	EnvIndexerDSN   = "BANKD_INDEXER_DSN"
	EnvKeeperEnable = "BANKD_KEEPER_ENABLED"
)

var ErrAuthSecretMissing = errors.New("auth.hmacSecret is required when auth is enabled")

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			ListenAddress:  ":8080",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		GRPC: GRPCConfig{
			ListenAddress:   ":50053",
			RateLimitPerMin: 600,
		},
		Auth: AuthConfig{
			Enabled:    true,
			ScopeClaim: "scope",
			ClockSkew:  2 * time.Minute,
			enabledSet: true,
		},
		Observability: ObservabilityConfig{
			ServiceName:   "bankd",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "bankd",
			OTLPInsecure:  true,
		},
		Engine: EngineConfig{
			Mode: ModeNative,
			Native: NativeConfig{
				Bank:          "0x00000000000000000000000000000000000000b0",
				Router:        "0x00000000000000000000000000000000000000c0",
				Manager:       "0x00000000000000000000000000000000000000a0",
				WindowSeconds: 3_600,
			},
		},
		Indexer: IndexerConfig{
			Driver: "sqlite",
			DSN:    "bank-events.db",
		},
		Keeper: KeeperConfig{
			Schedule: "@every 30s",
		},
	}
}

// Load reads the YAML configuration from disk, applies environment
// overrides and validates the result. An empty path loads the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*dst = value
		}
	}
	str(EnvEnvironment, &cfg.Environment)
	str(EnvHTTPListen, &cfg.HTTP.ListenAddress)
	str(EnvGRPCListen, &cfg.GRPC.ListenAddress)
	str(EnvAuthSecret, &cfg.Auth.HMACSecret)
	str(EnvEngineMode, &cfg.Engine.Mode)
	str(EnvDataDir, &cfg.Engine.Native.DataDir)
	str(EnvChainRPC, &cfg.Engine.Chain.Endpoint)
	str(EnvIndexerDSN, &cfg.Indexer.DSN)
	if value, ok := lookup(EnvKeeperEnable); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvKeeperEnable, err)
		}
		cfg.Keeper.Enabled = parsed
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.HTTP.ListenAddress = strings.TrimSpace(cfg.HTTP.ListenAddress)
	if cfg.HTTP.ListenAddress == "" {
		cfg.HTTP.ListenAddress = ":8080"
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 10 * time.Second
	}
	cfg.HTTP.CORS.AllowedOrigins = trimAll(cfg.HTTP.CORS.AllowedOrigins)

	cfg.GRPC.ListenAddress = strings.TrimSpace(cfg.GRPC.ListenAddress)
	if cfg.GRPC.ListenAddress == "" {
		cfg.GRPC.ListenAddress = ":50053"
	}
	cfg.GRPC.TLS.CertPath = strings.TrimSpace(cfg.GRPC.TLS.CertPath)
	cfg.GRPC.TLS.KeyPath = strings.TrimSpace(cfg.GRPC.TLS.KeyPath)
	cfg.GRPC.TLS.ClientCAPath = strings.TrimSpace(cfg.GRPC.TLS.ClientCAPath)
	cfg.GRPC.Auth.APITokens = trimAll(cfg.GRPC.Auth.APITokens)
	cfg.GRPC.Auth.MTLS.AllowedCommonNames = trimAll(cfg.GRPC.Auth.MTLS.AllowedCommonNames)
	if len(cfg.GRPC.Auth.Accounts) > 0 {
		accounts := make(map[string][]string, len(cfg.GRPC.Auth.Accounts))
		for credential, addrs := range cfg.GRPC.Auth.Accounts {
			normalized := make([]string, 0, len(addrs))
			for _, addr := range trimAll(addrs) {
				normalized = append(normalized, strings.ToLower(addr))
			}
			accounts[strings.TrimSpace(credential)] = normalized
		}
		cfg.GRPC.Auth.Accounts = accounts
	}

	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	if !cfg.Auth.enabledSet {
		cfg.Auth.Enabled = true
		cfg.Auth.enabledSet = true
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}

	if strings.TrimSpace(cfg.Observability.ServiceName) == "" {
		cfg.Observability.ServiceName = "bankd"
	}

	for i := range cfg.RateLimits {
		cfg.RateLimits[i].ID = strings.TrimSpace(cfg.RateLimits[i].ID)
	}

	cfg.Engine.Mode = strings.ToLower(strings.TrimSpace(cfg.Engine.Mode))
	if cfg.Engine.Mode == "" {
		cfg.Engine.Mode = ModeNative
	}
	cfg.Engine.Native.DataDir = strings.TrimSpace(cfg.Engine.Native.DataDir)
	cfg.Engine.Native.Backend = strings.ToLower(strings.TrimSpace(cfg.Engine.Native.Backend))
	if cfg.Engine.Native.Backend == "" {
		cfg.Engine.Native.Backend = BackendLevelDB
	}
	if cfg.Engine.Native.DataDir == "" {
		cfg.Engine.Native.Backend = BackendMemory
	}
	cfg.Engine.Native.RiskConfig = strings.TrimSpace(cfg.Engine.Native.RiskConfig)
	cfg.Engine.Chain.Endpoint = strings.TrimSpace(cfg.Engine.Chain.Endpoint)
	cfg.Engine.Chain.Keystore = strings.TrimSpace(cfg.Engine.Chain.Keystore)
	if cfg.Engine.Chain.PassphraseEnv == "" {
		cfg.Engine.Chain.PassphraseEnv = "BANKD_KEYSTORE_PASSPHRASE"
	}

	cfg.Indexer.Driver = strings.ToLower(strings.TrimSpace(cfg.Indexer.Driver))
	cfg.Indexer.DSN = strings.TrimSpace(cfg.Indexer.DSN)
	cfg.Keeper.Liquidator = strings.ToLower(strings.TrimSpace(cfg.Keeper.Liquidator))
}

func (cfg *Config) validate() error {
	if cfg.HTTP.MaxConnections < 0 {
		return fmt.Errorf("http.maxConnections must not be negative")
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return ErrAuthSecretMissing
	}
	seen := make(map[string]struct{}, len(cfg.RateLimits))
	for i, limit := range cfg.RateLimits {
		if limit.ID == "" {
			return fmt.Errorf("rateLimits[%d].id is required", i)
		}
		if _, dup := seen[limit.ID]; dup {
			return fmt.Errorf("rateLimits[%d]: duplicate id %q", i, limit.ID)
		}
		seen[limit.ID] = struct{}{}
		if limit.Rate() <= 0 {
			return fmt.Errorf("rateLimits[%d]: rate must be positive", i)
		}
	}
	if cfg.GRPC.Enabled {
		if err := cfg.GRPC.validate(); err != nil {
			return fmt.Errorf("grpc: %w", err)
		}
	}
	switch cfg.Engine.Mode {
	case ModeNative:
		if err := cfg.Engine.Native.validate(); err != nil {
			return fmt.Errorf("engine.native: %w", err)
		}
	case ModeChain:
		if err := cfg.Engine.Chain.validate(); err != nil {
			return fmt.Errorf("engine.chain: %w", err)
		}
	default:
		return fmt.Errorf("engine.mode must be %q or %q, got %q", ModeNative, ModeChain, cfg.Engine.Mode)
	}
	if cfg.Indexer.Enabled && cfg.Indexer.DSN == "" {
		return fmt.Errorf("indexer.dsn is required when the indexer is enabled")
	}
	if cfg.Keeper.Enabled {
		if !common.IsHexAddress(cfg.Keeper.Liquidator) {
			return fmt.Errorf("keeper.liquidator must be a hex address")
		}
		if cfg.Keeper.CloseFactorBps > 10_000 {
			return fmt.Errorf("keeper.closeFactorBps must not exceed 10000")
		}
	}
	return nil
}

func (cfg GRPCConfig) validate() error {
	hasCert := cfg.TLS.CertPath != ""
	hasKey := cfg.TLS.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("tls cert and key must either both be provided or both be empty")
	}
	if !cfg.TLS.AllowInsecure && !hasCert {
		return fmt.Errorf("tls cert and key are required unless allow_insecure=true")
	}
	if cfg.TLS.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	if len(cfg.Auth.MTLS.AllowedCommonNames) > 0 && cfg.TLS.ClientCAPath == "" {
		return fmt.Errorf("mtls.allowed_common_names requires tls.client_ca to be configured")
	}
	if len(cfg.Auth.APITokens) == 0 && len(cfg.Auth.MTLS.AllowedCommonNames) == 0 {
		return fmt.Errorf("at least one api token or mTLS common name must be configured")
	}
	return cfg.Auth.validateAccounts()
}

func (cfg GRPCAuthConfig) validateAccounts() error {
	known := make(map[string]struct{}, len(cfg.APITokens)+len(cfg.MTLS.AllowedCommonNames))
	for _, credential := range append(append([]string{}, cfg.APITokens...), cfg.MTLS.AllowedCommonNames...) {
		known[strings.TrimSpace(credential)] = struct{}{}
	}
	for credential, addrs := range cfg.Accounts {
		if _, ok := known[strings.TrimSpace(credential)]; !ok {
			return errors.New("grpc.auth.accounts references an unknown api token or common name")
		}
		if len(addrs) == 0 {
			return errors.New("grpc.auth.accounts entries must list at least one address")
		}
		for _, addr := range addrs {
			addr = strings.TrimSpace(addr)
			if addr != "*" && !common.IsHexAddress(addr) {
				return fmt.Errorf("grpc.auth.accounts: %q is not a hex address", addr)
			}
		}
	}
	for credential := range known {
		if _, ok := cfg.Accounts[credential]; !ok {
			return errors.New("grpc.auth.accounts must bind every api token and common name")
		}
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func (cfg NativeConfig) validate() error {
	for name, addr := range map[string]string{"bank": cfg.Bank, "router": cfg.Router, "manager": cfg.Manager, "owner": cfg.Owner} {
		if !common.IsHexAddress(strings.TrimSpace(addr)) {
			return fmt.Errorf("%s must be a hex address", name)
		}
	}
	switch cfg.Backend {
	case BackendMemory, BackendLevelDB, BackendBolt:
	default:
		return fmt.Errorf("backend must be one of %s, %s or %s", BackendMemory, BackendLevelDB, BackendBolt)
	}
	if cfg.RouterFeeBps > 10_000 {
		return fmt.Errorf("routerFeeBps must not exceed 10000")
	}
	return validateMarkets(cfg.Markets, false)
}

func (cfg ChainConfig) validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if !common.IsHexAddress(strings.TrimSpace(cfg.Bank)) || !common.IsHexAddress(strings.TrimSpace(cfg.Router)) {
		return fmt.Errorf("bank and router must be hex addresses")
	}
	return validateMarkets(cfg.Markets, true)
}

func validateMarkets(markets []MarketConfig, needHooks bool) error {
	for i, m := range markets {
		if !common.IsHexAddress(strings.TrimSpace(m.Currency0)) || !common.IsHexAddress(strings.TrimSpace(m.Currency1)) {
			return fmt.Errorf("markets[%d]: currencies must be hex addresses", i)
		}
		if needHooks && !common.IsHexAddress(strings.TrimSpace(m.Hooks)) {
			return fmt.Errorf("markets[%d]: hooks must be a hex address", i)
		}
		if m.TickSpacing <= 0 {
			return fmt.Errorf("markets[%d]: tickSpacing must be positive", i)
		}
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
