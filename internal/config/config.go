package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the relay and its admin server
type Config struct {
	// Database Configuration
	Database struct {
		Driver   string
		Path     string // For SQLite
		Host     string // For PostgreSQL
		Port     int    // For PostgreSQL
		User     string // For PostgreSQL
		Password string // For PostgreSQL
		Name     string // For PostgreSQL
		SSLMode  string // For PostgreSQL
		URI      string // Full URL, overrides the fields above when set
	}

	// Relay behaviour
	Relay struct {
		Domain            string
		SiteURL           string // base of unsubscribe links, https
		ReplyPrefixes     []string
		NoticeFrom        string
		SupportAddress    string
		UnsubscribeSecret string // keys the tokens in unsubscribe links
		MaxMessageBytes   int64
		HandleAttempts    int
	}

	// Mail Server Configuration
	MailServer struct {
		Host         string
		Port         int
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
		MetricsAddr  string
	}

	// Admin Server Configuration
	AdminServer struct {
		Host         string
		Port         int
		PasswordHash string
	}

	// Upstream is the local transfer agent relayed mail is handed to
	Upstream struct {
		Transport string // smtp or ses
		Host      string
		Port      int
		Timeout   time.Duration
	}

	SES struct {
		Region          string
		AccessKeyID     string
		SecretAccessKey string
	}

	DKIM struct {
		Selector string
		KeyFile  string
	}

	// Mailgun Configuration (optional)
	Mailgun struct {
		APIKey      string
		Domain      string
		FromAddress string
	}

	Notice struct {
		Transport string // upstream or mailgun
	}

	// Redis caches alias lookups when Addr is set
	Redis struct {
		Addr     string
		Password string
		DB       int
		TTL      time.Duration
	}

	Log struct {
		Level       string
		Development bool
		File        string
		MaxSize     int
		MaxBackups  int
		MaxAge      int
		Compress    bool
	}
}

// LoadConfig loads the configuration from dotenv, config files and environment variables
func LoadConfig() (*Config, error) {
	if err := loadDotenv(); err != nil {
		return nil, err
	}

	v := viper.New()

	// Set default values
	setDefaults(v)

	// Read config file
	v.SetConfigName("config")            // name of config file (without extension)
	v.SetConfigType("yaml")              // type of config file
	v.AddConfigPath(".")                 // current directory
	v.AddConfigPath("$HOME/.aliasrelay") // home directory
	v.AddConfigPath("/etc/aliasrelay/")  // system directory

	// Read config file (if exists)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - that's ok, we'll use env vars and defaults
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	// Environment variables
	v.SetEnvPrefix("ALIASRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map legacy env vars for backward compatibility
	mapLegacyEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Relay.Domain = strings.ToLower(strings.TrimSpace(cfg.Relay.Domain))
	if cfg.Relay.Domain != "" {
		if cfg.Relay.NoticeFrom == "" {
			cfg.Relay.NoticeFrom = "noreply@" + cfg.Relay.Domain
		}
		if cfg.Relay.SiteURL == "" {
			cfg.Relay.SiteURL = "https://" + cfg.Relay.Domain
		}
	}

	// a sqlite URI names the same file for gorm and for migrations
	if cfg.Database.Driver != "postgres" && cfg.Database.URI != "" {
		cfg.Database.Path = sqlitePath(cfg.Database.URI)
		cfg.Database.URI = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotenv loads the file named by CONFIG, or ./.env when it exists
func loadDotenv() error {
	if path := os.Getenv("CONFIG"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	}
	return nil
}

// Validate checks the settings the relay cannot run without
func (c *Config) Validate() error {
	if c.Relay.Domain == "" {
		return errors.New("relay.domain is required")
	}
	if len(c.Relay.ReplyPrefixes) == 0 {
		return errors.New("relay.replyprefixes must not be empty")
	}
	for _, p := range c.Relay.ReplyPrefixes {
		if p == "" || strings.Contains(p, "@") {
			return fmt.Errorf("invalid reply prefix %q", p)
		}
	}
	if c.Relay.HandleAttempts <= 0 {
		return errors.New("relay.handleattempts must be positive")
	}
	if u, err := url.Parse(c.Relay.SiteURL); err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("relay.siteurl must be an absolute https URL, got %q", c.Relay.SiteURL)
	}
	if len(c.Relay.UnsubscribeSecret) < 16 {
		return errors.New("relay.unsubscribesecret must be at least 16 characters")
	}
	switch c.Upstream.Transport {
	case "smtp", "ses":
	default:
		return fmt.Errorf("unknown upstream transport: %s", c.Upstream.Transport)
	}
	switch c.Notice.Transport {
	case "upstream", "mailgun":
	default:
		return fmt.Errorf("unknown notice transport: %s", c.Notice.Transport)
	}
	if c.Notice.Transport == "mailgun" && (c.Mailgun.APIKey == "" || c.Mailgun.Domain == "") {
		return errors.New("mailgun notices need mailgun.apikey and mailgun.domain")
	}
	return nil
}

// DSN returns the gorm connection string for the configured driver
func (c *Config) DSN() string {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URI != "" {
			return c.Database.URI
		}
		return fmt.Sprintf("host=%s port=%d user=%s dbname=%s password=%s sslmode=%s",
			c.Database.Host, c.Database.Port, c.Database.User,
			c.Database.Name, c.Database.Password, c.Database.SSLMode)
	default:
		return c.Database.Path
	}
}

// MigrateURL returns the golang-migrate database URL for the configured driver
func (c *Config) MigrateURL() string {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URI != "" {
			return c.Database.URI
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			c.Database.User, c.Database.Password, c.Database.Host,
			c.Database.Port, c.Database.Name, c.Database.SSLMode)
	default:
		return fmt.Sprintf("sqlite3://%s", c.Database.Path)
	}
}

func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "aliasrelay.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "aliasrelay")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.password", "")
	v.SetDefault("database.uri", "")

	// Relay defaults
	v.SetDefault("relay.domain", "")
	v.SetDefault("relay.siteurl", "")
	v.SetDefault("relay.replyprefixes", []string{"reply+", "ra+"})
	v.SetDefault("relay.noticefrom", "")
	v.SetDefault("relay.supportaddress", "")
	v.SetDefault("relay.unsubscribesecret", "")
	v.SetDefault("relay.maxmessagebytes", 25*1024*1024) // 25MB
	v.SetDefault("relay.handleattempts", 1000)

	// Mail server defaults
	v.SetDefault("mailserver.host", "0.0.0.0")
	v.SetDefault("mailserver.port", 20381)
	v.SetDefault("mailserver.readtimeout", "30s")
	v.SetDefault("mailserver.writetimeout", "30s")
	v.SetDefault("mailserver.metricsaddr", ":9381")

	// Admin server defaults
	v.SetDefault("adminserver.host", "0.0.0.0")
	v.SetDefault("adminserver.port", 8080)
	v.SetDefault("adminserver.passwordhash", "")

	// Upstream defaults
	v.SetDefault("upstream.transport", "smtp")
	v.SetDefault("upstream.host", "localhost")
	v.SetDefault("upstream.port", 25)
	v.SetDefault("upstream.timeout", "60s")

	v.SetDefault("ses.region", "")
	v.SetDefault("ses.accesskeyid", "")
	v.SetDefault("ses.secretaccesskey", "")

	v.SetDefault("dkim.selector", "dkim")
	v.SetDefault("dkim.keyfile", "")

	v.SetDefault("mailgun.apikey", "")
	v.SetDefault("mailgun.domain", "")
	v.SetDefault("mailgun.fromaddress", "")

	v.SetDefault("notice.transport", "upstream")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "60s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxsize", 100)
	v.SetDefault("log.maxbackups", 3)
	v.SetDefault("log.maxage", 28)
	v.SetDefault("log.compress", true)
}

// mapLegacyEnvVars maps old environment variable names to new configuration paths
func mapLegacyEnvVars(v *viper.Viper) {
	legacy := map[string]string{
		// names used by the original deployment
		"EMAIL_DOMAIN":   "relay.domain",
		"URL":            "relay.siteurl",
		"SUPPORT_EMAIL":  "relay.supportaddress",
		"FLASK_SECRET":   "relay.unsubscribesecret",
		"POSTFIX_SERVER": "upstream.host",
		"DB_URI":         "database.uri",

		"DB_DRIVER":   "database.driver",
		"DB_PATH":     "database.path",
		"DB_HOST":     "database.host",
		"DB_PORT":     "database.port",
		"DB_USER":     "database.user",
		"DB_PASSWORD": "database.password",
		"DB_NAME":     "database.name",
		"DB_SSLMODE":  "database.sslmode",

		"MAILGUN_API_KEY":      "mailgun.apikey",
		"MAILGUN_DOMAIN":       "mailgun.domain",
		"MAILGUN_FROM_ADDRESS": "mailgun.fromaddress",

		"DKIM_PRIVATE_KEY_PATH": "dkim.keyfile",
	}
	for env, key := range legacy {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}

	// DB_URI may carry a postgres URL; pick the matching driver
	if uri := os.Getenv("DB_URI"); uri != "" {
		switch {
		case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
			v.Set("database.driver", "postgres")
		case strings.HasPrefix(uri, "sqlite"):
			v.Set("database.driver", "sqlite")
		}
	}
}

// sqlitePath strips a sqlite:/// or sqlite3:// scheme from uri
func sqlitePath(uri string) string {
	for _, scheme := range []string{"sqlite:///", "sqlite3://"} {
		if strings.HasPrefix(uri, scheme) {
			return strings.TrimPrefix(uri, scheme)
		}
	}
	return uri
}
