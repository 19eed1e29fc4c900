package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every variable the loader consults so the host
// environment cannot leak into a test. t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"CONFIG", "EMAIL_DOMAIN", "URL", "SUPPORT_EMAIL", "POSTFIX_SERVER", "DB_URI", "FLASK_SECRET",
		"DB_DRIVER", "DB_PATH", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD",
		"DB_NAME", "DB_SSLMODE", "MAILGUN_API_KEY", "MAILGUN_DOMAIN",
		"MAILGUN_FROM_ADDRESS", "DKIM_PRIVATE_KEY_PATH",
		"ALIASRELAY_RELAY_DOMAIN", "ALIASRELAY_RELAY_REPLYPREFIXES",
		"ALIASRELAY_UPSTREAM_TRANSPORT", "ALIASRELAY_NOTICE_TRANSPORT",
		"ALIASRELAY_UPSTREAM_TIMEOUT", "ALIASRELAY_RELAY_SITEURL", "ALIASRELAY_RELAY_UNSUBSCRIBESECRET",
		"ALIASRELAY_DATABASE_URI", "ALIASRELAY_DATABASE_DRIVER",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALIASRELAY_RELAY_DOMAIN", "Relay.Test")
	t.Setenv("ALIASRELAY_RELAY_UNSUBSCRIBESECRET", testSecret)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "relay.test", cfg.Relay.Domain)
	assert.Equal(t, "https://relay.test", cfg.Relay.SiteURL)
	assert.Equal(t, testSecret, cfg.Relay.UnsubscribeSecret)
	assert.Equal(t, []string{"reply+", "ra+"}, cfg.Relay.ReplyPrefixes)
	assert.Equal(t, 1000, cfg.Relay.HandleAttempts)
	assert.Equal(t, "noreply@relay.test", cfg.Relay.NoticeFrom)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "aliasrelay.db", cfg.DSN())
	assert.Equal(t, "sqlite3://aliasrelay.db", cfg.MigrateURL())
	assert.Equal(t, "smtp", cfg.Upstream.Transport)
	assert.Equal(t, 25, cfg.Upstream.Port)
	assert.Equal(t, 60*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 30*time.Second, cfg.MailServer.ReadTimeout)
	assert.Equal(t, "upstream", cfg.Notice.Transport)
	assert.Equal(t, "dkim", cfg.DKIM.Selector)
}

func TestLoadConfig_RequiresDomain(t *testing.T) {
	clearEnv(t)

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay.domain")
}

func TestLoadConfig_RequiresUnsubscribeSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALIASRELAY_RELAY_DOMAIN", "relay.test")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay.unsubscribesecret")
}

func TestLoadConfig_RejectsPlainSiteURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALIASRELAY_RELAY_DOMAIN", "relay.test")
	t.Setenv("ALIASRELAY_RELAY_UNSUBSCRIBESECRET", testSecret)
	t.Setenv("ALIASRELAY_RELAY_SITEURL", "http://relay.test")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay.siteurl")
}

func TestLoadConfig_SqliteURI(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALIASRELAY_RELAY_DOMAIN", "relay.test")
	t.Setenv("ALIASRELAY_RELAY_UNSUBSCRIBESECRET", testSecret)
	t.Setenv("ALIASRELAY_DATABASE_URI", "sqlite:///data/relay.sqlite")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "data/relay.sqlite", cfg.DSN())
	assert.Equal(t, "sqlite3://data/relay.sqlite", cfg.MigrateURL())
}

func TestLoadConfig_LegacyEnvVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("EMAIL_DOMAIN", "sl.test")
	t.Setenv("URL", "https://sl.test")
	t.Setenv("POSTFIX_SERVER", "10.0.0.5")
	t.Setenv("DB_URI", "postgres://relay:pw@db:5432/relay?sslmode=disable")
	t.Setenv("FLASK_SECRET", testSecret)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "sl.test", cfg.Relay.Domain)
	assert.Equal(t, "https://sl.test", cfg.Relay.SiteURL)
	assert.Equal(t, "10.0.0.5", cfg.Upstream.Host)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://relay:pw@db:5432/relay?sslmode=disable", cfg.DSN())
	assert.Equal(t, cfg.DSN(), cfg.MigrateURL())
}

func TestLoadConfig_LegacySqliteURI(t *testing.T) {
	clearEnv(t)
	t.Setenv("EMAIL_DOMAIN", "sl.test")
	t.Setenv("DB_URI", "sqlite:///var/lib/relay.sqlite")
	t.Setenv("FLASK_SECRET", testSecret)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "var/lib/relay.sqlite", cfg.DSN())
	assert.Equal(t, "sqlite3://var/lib/relay.sqlite", cfg.MigrateURL())
}

func TestLoadConfig_DotenvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "relay.env")
	require.NoError(t, os.WriteFile(path, []byte("EMAIL_DOMAIN=dotenv.test\nFLASK_SECRET="+testSecret+"\nALIASRELAY_RELAY_REPLYPREFIXES=r+,back+\n"), 0o600))
	t.Setenv("CONFIG", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "dotenv.test", cfg.Relay.Domain)
	assert.Equal(t, []string{"r+", "back+"}, cfg.Relay.ReplyPrefixes)
}

func TestLoadConfig_MissingDotenvFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG", filepath.Join(t.TempDir(), "missing.env"))

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		var c Config
		c.Relay.Domain = "relay.test"
		c.Relay.ReplyPrefixes = []string{"reply+"}
		c.Relay.HandleAttempts = 10
		c.Relay.SiteURL = "https://relay.test"
		c.Relay.UnsubscribeSecret = testSecret
		c.Upstream.Transport = "smtp"
		c.Notice.Transport = "upstream"
		return &c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no prefixes", func(c *Config) { c.Relay.ReplyPrefixes = nil }, true},
		{"prefix with at", func(c *Config) { c.Relay.ReplyPrefixes = []string{"a@b"} }, true},
		{"zero attempts", func(c *Config) { c.Relay.HandleAttempts = 0 }, true},
		{"relative site url", func(c *Config) { c.Relay.SiteURL = "/" }, true},
		{"http site url", func(c *Config) { c.Relay.SiteURL = "http://relay.test" }, true},
		{"site url with path", func(c *Config) { c.Relay.SiteURL = "https://relay.test/mail" }, false},
		{"short secret", func(c *Config) { c.Relay.UnsubscribeSecret = "secret" }, true},
		{"unknown transport", func(c *Config) { c.Upstream.Transport = "carrier-pigeon" }, true},
		{"ses transport", func(c *Config) { c.Upstream.Transport = "ses" }, false},
		{"mailgun without key", func(c *Config) { c.Notice.Transport = "mailgun" }, true},
		{"mailgun with key", func(c *Config) {
			c.Notice.Transport = "mailgun"
			c.Mailgun.APIKey = "key"
			c.Mailgun.Domain = "mg.relay.test"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
