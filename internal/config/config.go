// Package config loads per-service configuration from the environment,
// following the same helper conventions used across our other stream
// services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Config carries everything the three processes need. Each entry point
// validates only the sections it uses.
type Config struct {
	// Document store
	MongoURI     string
	MongoDB      string
	MongoTimeout time.Duration

	// Cache store
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Hive
	HiveAPINodes        []string
	HiveServerAccount   string
	HiveServerSub       string
	HiveOperatorAccount string
	InterestingAccounts []string
	WatchedWitnesses    []string
	MessagePrefix       string
	HiveSignerURL       string
	HiveSignerToken     string

	// LND
	LNDHost         string
	LNDTLSCertPath  string
	LNDMacaroonPath string
	LNDNodeAlias    string

	// Exchange
	ExchangeName      string
	ExchangeAPIKey    string
	ExchangeAPISecret string
	ExchangeBaseURL   string
	ExchangeQuote     string
	UseSwapAPI        bool

	// Notification
	NotifyBotURL    string
	NotifyBotToken  string
	NotifyChatID    string
	NotifyExtraBots map[string]string
	SilencedSources []string

	// Policy
	PolicyAccount    string
	PolicyRefreshTTL time.Duration

	// Bad-actor and dev-mode lists
	BlockedAccounts []string
	DevAllowList    []string

	// Misc
	DevMode    bool
	HealthPort int
}

// Per-call timeouts: every outbound call carries a deadline.
const (
	HiveRPCTimeout      = 10 * time.Second
	LNDUnaryTimeout     = 30 * time.Second
	MongoTimeout        = 10 * time.Second
	MongoTimeoutDev     = 10 * time.Minute
	ExchangeRESTTimeout = 15 * time.Second
	NotifyConnTimeout   = 10 * time.Second
	NotifyReadTimeout   = 30 * time.Second
)

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	devMode := getBoolEnv("DEV_MODE", false)

	prefix := "v4vapp"
	if devMode {
		prefix = "v4vapp_dev"
	}
	mongoTimeout := MongoTimeout
	if devMode {
		mongoTimeout = MongoTimeoutDev
	}

	cfg := &Config{
		MongoURI:     getEnvOrDefault("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:      getEnvOrDefault("MONGO_DB", "v4vapp"),
		MongoTimeout: getDurationEnv("MONGO_TIMEOUT", mongoTimeout),

		RedisAddr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		HiveAPINodes:        getEnvSlice("HIVE_API_NODES", []string{"https://api.hive.blog"}),
		HiveServerAccount:   getEnvOrDefault("HIVE_SERVER_ACCOUNT", ""),
		HiveServerSub:       getEnvOrDefault("HIVE_SERVER_SUB", "server"),
		HiveOperatorAccount: getEnvOrDefault("HIVE_OPERATOR_ACCOUNT", ""),
		InterestingAccounts: getEnvSlice("HIVE_INTERESTING_ACCOUNTS", nil),
		WatchedWitnesses:    getEnvSlice("HIVE_WATCHED_WITNESSES", nil),
		MessagePrefix:       getEnvOrDefault("MESSAGE_PREFIX", prefix),
		HiveSignerURL:       getEnvOrDefault("HIVE_SIGNER_URL", ""),
		HiveSignerToken:     os.Getenv("HIVE_SIGNER_TOKEN"),

		LNDHost:         getEnvOrDefault("LND_HOST", "localhost:10009"),
		LNDTLSCertPath:  getEnvOrDefault("LND_TLS_CERT", ""),
		LNDMacaroonPath: getEnvOrDefault("LND_MACAROON", ""),
		LNDNodeAlias:    getEnvOrDefault("LND_NODE_ALIAS", "voltage"),

		ExchangeName:      getEnvOrDefault("EXCHANGE_NAME", "binance"),
		ExchangeAPIKey:    os.Getenv("EXCHANGE_API_KEY"),
		ExchangeAPISecret: os.Getenv("EXCHANGE_API_SECRET"),
		ExchangeBaseURL:   getEnvOrDefault("EXCHANGE_BASE_URL", "https://api.binance.com"),
		ExchangeQuote:     getEnvOrDefault("EXCHANGE_QUOTE_ASSET", "BTC"),
		UseSwapAPI:        getBoolEnv("EXCHANGE_USE_SWAP_API", false),

		NotifyBotURL:    getEnvOrDefault("NOTIFY_BOT_URL", ""),
		NotifyBotToken:  os.Getenv("NOTIFY_BOT_TOKEN"),
		NotifyChatID:    getEnvOrDefault("NOTIFY_CHAT_ID", ""),
		NotifyExtraBots: getEnvMap("NOTIFY_EXTRA_BOTS"),
		SilencedSources: getEnvSlice("NOTIFY_SILENCED", nil),

		PolicyAccount:    getEnvOrDefault("POLICY_ACCOUNT", ""),
		PolicyRefreshTTL: getDurationEnv("POLICY_REFRESH_TTL", time.Minute),

		BlockedAccounts: getEnvSlice("BLOCKED_ACCOUNTS", nil),
		DevAllowList:    getEnvSlice("DEV_ALLOW_LIST", nil),

		DevMode:    devMode,
		HealthPort: getIntEnv("HEALTH_PORT", 8080),
	}

	if cfg.HiveServerAccount == "" {
		return nil, errors.New("HIVE_SERVER_ACCOUNT is required")
	}
	if cfg.PolicyAccount == "" {
		cfg.PolicyAccount = cfg.HiveServerAccount
	}
	if len(cfg.InterestingAccounts) == 0 {
		cfg.InterestingAccounts = []string{cfg.HiveServerAccount}
	}
	return cfg, nil
}

// IsBlocked reports whether an account is on the bad-actor list.
func (c *Config) IsBlocked(account string) bool {
	for _, a := range c.BlockedAccounts {
		if a == account {
			return true
		}
	}
	return false
}

// DevAllowed reports whether a transfer involving the account may be
// processed in dev mode. Outside dev mode everything is allowed.
func (c *Config) DevAllowed(account string) bool {
	if !c.DevMode {
		return true
	}
	for _, a := range c.DevAllowList {
		if a == account {
			return true
		}
	}
	return false
}

// Helper functions for environment variable parsing.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return result
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return result
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return result
}

// getEnvMap parses "name=value,name2=value2" pairs.
func getEnvMap(key string) map[string]string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		name, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && name != "" {
			out[name] = val
		}
	}
	return out
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
