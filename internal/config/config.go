package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	// Cross-instance event relay: "none", "redis" or "nats".
	EventBus string `mapstructure:"EVENT_BUS"`
	RedisURL string `mapstructure:"REDIS_URL"`
	NATSURL  string `mapstructure:"NATS_URL"`

	QueueWaitPerTicket       int           `mapstructure:"QUEUE_WAIT_PER_TICKET"`
	QueueRoomKeepsPosition   bool          `mapstructure:"QUEUE_ROOM_KEEPS_POSITION"`
	QueueRooms               []string      `mapstructure:"QUEUE_ROOMS"`
	ReminderInterval         time.Duration `mapstructure:"REMINDER_INTERVAL"`
	ReminderThresholdMinutes int           `mapstructure:"REMINDER_THRESHOLD_MINUTES"`
	ShareTokenTTL            time.Duration `mapstructure:"SHARE_TOKEN_TTL"`
	CheckinSecret            string        `mapstructure:"CHECKIN_SECRET"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"CORS_ORIGINS", "REQUEST_TIMEOUT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"EVENT_BUS", "REDIS_URL", "NATS_URL",
	"QUEUE_WAIT_PER_TICKET", "QUEUE_ROOM_KEEPS_POSITION", "QUEUE_ROOMS",
	"REMINDER_INTERVAL", "REMINDER_THRESHOLD_MINUTES",
	"SHARE_TOKEN_TTL", "CHECKIN_SECRET",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("EVENT_BUS", "none")
	v.SetDefault("QUEUE_WAIT_PER_TICKET", 10)
	v.SetDefault("QUEUE_ROOM_KEEPS_POSITION", false)
	v.SetDefault("REMINDER_INTERVAL", "1m")
	v.SetDefault("REMINDER_THRESHOLD_MINUTES", 45)
	v.SetDefault("SHARE_TOKEN_TTL", "24h")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if rooms := v.GetString("QUEUE_ROOMS"); rooms != "" {
		cfg.QueueRooms = splitList(rooms)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		log.Println("WARNING: ENV=development without AUTH_SIGNING_KEY or AUTH_JWKS_URL.")
		log.Println("WARNING: Requests are authenticated from X-User-ID / X-User-Role headers.")
		log.Println("WARNING: Do NOT use this configuration in production.")
	}

	return cfg, nil
}

// splitList parses a comma-separated value, dropping blank entries.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// DevAuth reports whether header-based development authentication is used
// instead of bearer tokens.
func (c *Config) DevAuth() bool {
	return c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == ""
}

// Validate checks the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q", c.Env)
	}
	if !c.IsDev() && c.CheckinSecret == "" {
		return fmt.Errorf("CHECKIN_SECRET is required when ENV=%q", c.Env)
	}

	switch c.EventBus {
	case "", "none":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when EVENT_BUS is \"redis\"")
		}
	case "nats":
		if c.NATSURL == "" {
			return fmt.Errorf("NATS_URL is required when EVENT_BUS is \"nats\"")
		}
	default:
		return fmt.Errorf("EVENT_BUS must be \"none\", \"redis\", or \"nats\", got %q", c.EventBus)
	}

	if c.QueueWaitPerTicket < 0 {
		return fmt.Errorf("QUEUE_WAIT_PER_TICKET must not be negative, got %d", c.QueueWaitPerTicket)
	}
	if c.ReminderInterval <= 0 {
		return fmt.Errorf("REMINDER_INTERVAL must be positive, got %s", c.ReminderInterval)
	}
	if c.ShareTokenTTL <= 0 {
		return fmt.Errorf("SHARE_TOKEN_TTL must be positive, got %s", c.ShareTokenTTL)
	}
	return nil
}
