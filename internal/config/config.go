package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	DefaultTimezone    string        `mapstructure:"DEFAULT_TIMEZONE"`
	ClinicOpenTime     string        `mapstructure:"CLINIC_OPEN_TIME"`
	ClinicCloseTime    string        `mapstructure:"CLINIC_CLOSE_TIME"`
	DefaultSlotMinutes int           `mapstructure:"DEFAULT_SLOT_MINUTES"`
	SlotCacheTTL       time.Duration `mapstructure:"SLOT_CACHE_TTL"`

	SignalingPort      string        `mapstructure:"SIGNALING_PORT"`
	SignalingJoinGrace time.Duration `mapstructure:"SIGNALING_JOIN_GRACE"`

	MediaDomain           string `mapstructure:"MEDIA_DOMAIN"`
	MediaAppID            string `mapstructure:"MEDIA_APP_ID"`
	MediaTokenSecret      string `mapstructure:"MEDIA_TOKEN_SECRET"`
	MediaPasswordEnforced bool   `mapstructure:"MEDIA_PASSWORD_ENFORCED"`
	MediaRecordingEnabled bool   `mapstructure:"MEDIA_RECORDING_ENABLED"`
	AwaitPayment          bool   `mapstructure:"TELECONSULT_AWAIT_PAYMENT"`

	SMTPEnabled  bool   `mapstructure:"SMTP_ENABLED"`
	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`

	LogLevel       string `mapstructure:"LOG_LEVEL"`
	LogFile        string `mapstructure:"LOG_FILE"`
	OTLPEndpoint   string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsEnabled bool   `mapstructure:"METRICS_ENABLED"`
	ReconcileCron  string `mapstructure:"RECONCILE_CRON"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"DEFAULT_TIMEZONE", "CLINIC_OPEN_TIME", "CLINIC_CLOSE_TIME",
	"DEFAULT_SLOT_MINUTES", "SLOT_CACHE_TTL",
	"SIGNALING_PORT", "SIGNALING_JOIN_GRACE",
	"MEDIA_DOMAIN", "MEDIA_APP_ID", "MEDIA_TOKEN_SECRET",
	"MEDIA_PASSWORD_ENFORCED", "MEDIA_RECORDING_ENABLED", "TELECONSULT_AWAIT_PAYMENT",
	"SMTP_ENABLED", "SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	"LOG_LEVEL", "LOG_FILE", "OTEL_EXPORTER_OTLP_ENDPOINT", "METRICS_ENABLED", "RECONCILE_CRON",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("DEFAULT_TIMEZONE", "UTC")
	v.SetDefault("CLINIC_OPEN_TIME", "09:00")
	v.SetDefault("CLINIC_CLOSE_TIME", "18:00")
	v.SetDefault("DEFAULT_SLOT_MINUTES", 30)
	v.SetDefault("SLOT_CACHE_TTL", "5m")
	v.SetDefault("SIGNALING_PORT", "8001")
	v.SetDefault("SIGNALING_JOIN_GRACE", "30s")
	v.SetDefault("MEDIA_DOMAIN", "meet.jit.si")
	v.SetDefault("MEDIA_APP_ID", "clinic")
	v.SetDefault("MEDIA_PASSWORD_ENFORCED", true)
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("RECONCILE_CRON", "15 2 * * *")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.IsDev() {
		log.Println("WARNING: ENV=development, DevAuthMiddleware grants admin access to unauthenticated requests.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RequireDatabase is checked by the commands that open a connection pool.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// Location resolves DEFAULT_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_TIMEZONE %q: %w", c.DefaultTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run. Outside development
// an API signing key is required, and a media token secret must be present
// whenever password enforcement is on.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.IsProduction() && c.MediaPasswordEnforced && c.MediaTokenSecret == "" {
		return fmt.Errorf("MEDIA_TOKEN_SECRET is required in production when MEDIA_PASSWORD_ENFORCED is true")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.DefaultSlotMinutes < 5 || c.DefaultSlotMinutes > 240 {
		return fmt.Errorf("DEFAULT_SLOT_MINUTES must be between 5 and 240, got %d", c.DefaultSlotMinutes)
	}
	if c.SMTPEnabled && (c.SMTPHost == "" || c.SMTPFrom == "") {
		return fmt.Errorf("SMTP_HOST and SMTP_FROM are required when SMTP_ENABLED is true")
	}
	if c.SignalingJoinGrace <= 0 {
		return fmt.Errorf("SIGNALING_JOIN_GRACE must be positive")
	}
	return nil
}
