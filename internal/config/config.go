package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"newsletter-go/internal/domain"
)

const envPrefix = "NEWSLETTER"

type Settings struct {
	Application ApplicationSettings `mapstructure:"application"`
	Database    DatabaseSettings    `mapstructure:"database"`
	EmailClient EmailClientSettings `mapstructure:"email_client"`
	Log         LogSettings         `mapstructure:"log"`
	RateLimit   RateLimitSettings   `mapstructure:"rate_limit"`
}

type ApplicationSettings struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"base_url"`
	GinMode string `mapstructure:"gin_mode"`
	// TrustedProxies lists the proxy IPs or CIDRs whose X-Forwarded-For is
	// honoured. Empty means the peer address is always the client.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

func (a ApplicationSettings) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

type DatabaseSettings struct {
	Driver          string        `mapstructure:"driver"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	DatabaseName    string        `mapstructure:"database_name"`
	RequireSSL      bool          `mapstructure:"require_ssl"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	DaprStore       string        `mapstructure:"dapr_store"`
}

// ConnectionString renders a postgres URL for the pgx driver.
func (d DatabaseSettings) ConnectionString() string {
	sslMode := "disable"
	if d.RequireSSL {
		sslMode = "require"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.Username, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.DatabaseName,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}

type EmailClientSettings struct {
	BaseURL   string        `mapstructure:"base_url"`
	Sender    string        `mapstructure:"sender"`
	AuthToken string        `mapstructure:"auth_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

func (e EmailClientSettings) SenderEmail() (domain.SubscriberEmail, error) {
	return domain.ParseSubscriberEmail(e.Sender)
}

type LogSettings struct {
	Level string `mapstructure:"level"`
}

type RateLimitSettings struct {
	Enabled      bool    `mapstructure:"enabled"`
	RPS          float64 `mapstructure:"rps"`
	Burst        int     `mapstructure:"burst"`
	RedisAddress string  `mapstructure:"redis_address"`
	RedisDB      int     `mapstructure:"redis_db"`
	// IdleTTL is how long the per-process limiter keeps an unused client bucket.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

// Window is the fixed window the shared limiter counts Burst requests in,
// approximating the local token bucket refill of Burst/RPS seconds.
func (r RateLimitSettings) Window() time.Duration {
	if r.RPS <= 0 {
		return 0
	}
	return time.Duration(float64(r.Burst) / r.RPS * float64(time.Second))
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverDapr     = "dapr"
)

// Load reads settings from the YAML file at path (optional when empty), a
// .env file in the working directory, and NEWSLETTER_* environment variables,
// in increasing order of precedence.
func Load(path string) (*Settings, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	return &settings, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("application.host", "0.0.0.0")
	v.SetDefault("application.port", 8080)
	v.SetDefault("application.base_url", "http://127.0.0.1:8080")
	v.SetDefault("application.gin_mode", "release")
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database_name", "newsletter")
	v.SetDefault("database.require_ssl", false)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.dapr_store", "statestore")
	v.SetDefault("email_client.base_url", "")
	v.SetDefault("email_client.sender", "")
	v.SetDefault("email_client.auth_token", "")
	v.SetDefault("email_client.timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 1.0)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("rate_limit.redis_address", "")
	v.SetDefault("rate_limit.redis_db", 0)
	v.SetDefault("rate_limit.idle_ttl", "15m")
}

func (s *Settings) Validate() error {
	var errs []error

	if s.Application.Port < 0 || s.Application.Port > 65535 {
		errs = append(errs, fmt.Errorf("application.port %d out of range", s.Application.Port))
	}

	switch s.Database.Driver {
	case DriverMemory, DriverPostgres, DriverDapr:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be one of memory, postgres, dapr", s.Database.Driver))
	}

	if s.EmailClient.BaseURL == "" {
		errs = append(errs, errors.New("email_client.base_url is required"))
	}
	if _, err := s.EmailClient.SenderEmail(); err != nil {
		errs = append(errs, fmt.Errorf("email_client.sender: %w", err))
	}
	if s.EmailClient.AuthToken == "" {
		errs = append(errs, errors.New("email_client.auth_token is required"))
	}

	if s.RateLimit.Enabled && (s.RateLimit.RPS <= 0 || s.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit.rps and rate_limit.burst must be positive"))
	} else if s.RateLimit.Enabled && s.RateLimit.RedisAddress != "" && s.RateLimit.Window() < time.Millisecond {
		errs = append(errs, fmt.Errorf("rate_limit.burst/rate_limit.rps gives a window of %s, below 1ms", s.RateLimit.Window()))
	}

	return errors.Join(errs...)
}
