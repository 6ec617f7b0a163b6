package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talkhaven/safeguard/internal/models"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	Gates         GatesConfig         `yaml:"gates"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	Aggregation   AggregationConfig   `yaml:"aggregation"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig covers reviewer authentication and the authorization tier
// ladder. TierOrder is ordered lowest to highest; alert detail access is
// granted when the actor's tier position is at or above the alert's required
// tier. The ladder is configuration, not code.
type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	AccessTokenExpiry  time.Duration `yaml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `yaml:"refresh_token_expiry"`
	TierOrder          []string      `yaml:"tier_order"`
}

// GatesConfig controls the confidence gate. FieldThresholds override the
// record-level default for individual inferred fields.
type GatesConfig struct {
	DefaultConfidenceThreshold int            `yaml:"default_confidence_threshold"`
	FieldThresholds            map[string]int `yaml:"field_thresholds"`
}

// EscalationConfig supplies fallback threshold policy for categories with no
// threshold_configs row. Absent config fails safe: events store, no alert.
type EscalationConfig struct {
	DefaultAlertConfidence    int           `yaml:"default_alert_confidence"`
	DefaultEscalateConfidence int           `yaml:"default_escalate_confidence"`
	DefaultRepeatCount        int           `yaml:"default_repeat_count"`
	DefaultRepeatWindow       time.Duration `yaml:"default_repeat_window"`
	AlertTTL                  time.Duration `yaml:"alert_ttl"`
}

type AggregationConfig struct {
	Schedule              string        `yaml:"schedule"` // cron expression
	LockTTL               time.Duration `yaml:"lock_ttl"`
	DisproportionateRatio float64       `yaml:"disproportionate_ratio"`
	ReviewRatio           float64       `yaml:"review_ratio"`
}

type NotificationsConfig struct {
	MinSeverity models.Severity   `yaml:"min_severity"`
	Slack       SlackNotifyConfig `yaml:"slack"`
	Email       EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {

		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"

		fmt.Println("WARNING: Using default JWT secret. Set auth.jwt_secret in production!")
	}
	if c.Auth.AccessTokenExpiry == 0 {
		c.Auth.AccessTokenExpiry = 15 * time.Minute
	}
	if c.Auth.RefreshTokenExpiry == 0 {
		c.Auth.RefreshTokenExpiry = 7 * 24 * time.Hour
	}
	if len(c.Auth.TierOrder) == 0 {
		c.Auth.TierOrder = []string{"admin", "safety_reviewer", "counselor", "superadmin"}
	}

	if c.Gates.DefaultConfidenceThreshold == 0 {
		c.Gates.DefaultConfidenceThreshold = 60
	}

	if c.Escalation.DefaultAlertConfidence == 0 {
		c.Escalation.DefaultAlertConfidence = 60
	}
	if c.Escalation.DefaultEscalateConfidence == 0 {
		c.Escalation.DefaultEscalateConfidence = 85
	}
	if c.Escalation.DefaultRepeatCount == 0 {
		c.Escalation.DefaultRepeatCount = 3
	}
	if c.Escalation.DefaultRepeatWindow == 0 {
		c.Escalation.DefaultRepeatWindow = 24 * time.Hour
	}

	if c.Aggregation.Schedule == "" {
		c.Aggregation.Schedule = "0 30 2 1 * *" // 02:30 on the 1st of each month
	}
	if c.Aggregation.LockTTL == 0 {
		c.Aggregation.LockTTL = 10 * time.Minute
	}
	if c.Aggregation.DisproportionateRatio == 0 {
		c.Aggregation.DisproportionateRatio = 1.5
	}
	if c.Aggregation.ReviewRatio == 0 {
		c.Aggregation.ReviewRatio = 2.0
	}

	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = models.SeverityHigh
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
}
