package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresServerAccount(t *testing.T) {
	t.Setenv("HIVE_SERVER_ACCOUNT", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HIVE_SERVER_ACCOUNT", "v4vapp")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "mongodb://localhost:27017", cfg.MongoURI)
	assert.Equal(t, "v4vapp", cfg.MongoDB)
	assert.Equal(t, []string{"https://api.hive.blog"}, cfg.HiveAPINodes)
	assert.Equal(t, "v4vapp", cfg.MessagePrefix)
	assert.Equal(t, "server", cfg.HiveServerSub)
	assert.Equal(t, "voltage", cfg.LNDNodeAlias)
	assert.Equal(t, "binance", cfg.ExchangeName)
	assert.Equal(t, "BTC", cfg.ExchangeQuote)
	assert.Equal(t, 8080, cfg.HealthPort)
	assert.False(t, cfg.DevMode)

	// Unset lists fall back to the server account.
	assert.Equal(t, "v4vapp", cfg.PolicyAccount)
	assert.Equal(t, []string{"v4vapp"}, cfg.InterestingAccounts)
}

func TestLoadDevModeSwitchesPrefixAndTimeout(t *testing.T) {
	t.Setenv("HIVE_SERVER_ACCOUNT", "v4vapp")
	t.Setenv("DEV_MODE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, "v4vapp_dev", cfg.MessagePrefix)
	assert.Equal(t, MongoTimeoutDev, cfg.MongoTimeout)
}

func TestLoadParsesListsAndOverrides(t *testing.T) {
	t.Setenv("HIVE_SERVER_ACCOUNT", "v4vapp")
	t.Setenv("HIVE_API_NODES", "https://api.hive.blog, https://api.deathwing.me ,")
	t.Setenv("BLOCKED_ACCOUNTS", "mallory,grinch")
	t.Setenv("NOTIFY_EXTRA_BOTS", "ops=-100123, audit=-100456")
	t.Setenv("POLICY_REFRESH_TTL", "5m")
	t.Setenv("MESSAGE_PREFIX", "v4vtest")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://api.hive.blog", "https://api.deathwing.me"}, cfg.HiveAPINodes)
	assert.Equal(t, []string{"mallory", "grinch"}, cfg.BlockedAccounts)
	assert.Equal(t, map[string]string{"ops": "-100123", "audit": "-100456"}, cfg.NotifyExtraBots)
	assert.Equal(t, 5*time.Minute, cfg.PolicyRefreshTTL)
	assert.Equal(t, "v4vtest", cfg.MessagePrefix)
}

func TestLoadIgnoresMalformedNumericValues(t *testing.T) {
	t.Setenv("HIVE_SERVER_ACCOUNT", "v4vapp")
	t.Setenv("HEALTH_PORT", "not-a-port")
	t.Setenv("POLICY_REFRESH_TTL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HealthPort)
	assert.Equal(t, time.Minute, cfg.PolicyRefreshTTL)
}

func TestIsBlocked(t *testing.T) {
	cfg := &Config{BlockedAccounts: []string{"mallory"}}
	assert.True(t, cfg.IsBlocked("mallory"))
	assert.False(t, cfg.IsBlocked("alice"))
}

func TestDevAllowed(t *testing.T) {
	cfg := &Config{}
	assert.True(t, cfg.DevAllowed("anyone"), "everything passes outside dev mode")

	cfg = &Config{DevMode: true, DevAllowList: []string{"alice"}}
	assert.True(t, cfg.DevAllowed("alice"))
	assert.False(t, cfg.DevAllowed("bob"))
}
