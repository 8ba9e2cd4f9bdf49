package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	defaultConfigPath = "config/guard.yaml"
	minSecretLength   = 32
)

// Config holds all application configuration
type Config struct {
	Env       string          `yaml:"env" env:"APP_ENV" env-default:"development"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Session   SessionConfig   `yaml:"session"`
	CSRF      CSRFConfig      `yaml:"csrf"`
	Password  PasswordConfig  `yaml:"password"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Storage   StorageConfig   `yaml:"storage"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string   `yaml:"host" env:"SERVER_HOST" env-default:"0.0.0.0"`
	Port           string   `yaml:"port" env:"SERVER_PORT" env-default:"8080"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-separator:"," env-default:"http://localhost:3000"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"DB_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"DB_USER" env-default:"postgres"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	DBName   string `yaml:"name" env:"DB_NAME" env-default:"procurement"`
	SSLMode  string `yaml:"ssl_mode" env:"DB_SSLMODE" env-default:"disable"`
}

// RedisConfig holds the optional shared counter/session store. An empty Addr
// keeps every store in process memory.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// SessionConfig holds session token configuration
type SessionConfig struct {
	Secret       string        `yaml:"secret" env:"SESSION_SECRET"`
	LegacySecret string        `yaml:"legacy_secret" env:"SESSION_LEGACY_SECRET"`
	AppID        string        `yaml:"app_id" env:"SESSION_APP_ID" env-default:"procurement"`
	Issuer       string        `yaml:"issuer" env:"SESSION_ISSUER" env-default:"procurement-guard"`
	CookieName   string        `yaml:"cookie_name" env:"SESSION_COOKIE" env-default:"guard_session"`
	MaxAge       time.Duration `yaml:"max_age" env:"SESSION_MAX_AGE" env-default:"168h"`
	SameSite     string        `yaml:"same_site" env:"SESSION_SAMESITE" env-default:"lax"`
	// ContinuityPolicy is one of off, flag, enforce.
	ContinuityPolicy string `yaml:"continuity_policy" env:"SESSION_CONTINUITY_POLICY" env-default:"flag"`
	OwnerOpenID      string `yaml:"owner_open_id" env:"OWNER_OPEN_ID" env-default:"owner"`
}

// CSRFConfig holds CSRF token configuration
type CSRFConfig struct {
	Secret string        `yaml:"secret" env:"CSRF_SECRET"`
	TTL    time.Duration `yaml:"ttl" env:"CSRF_TTL" env-default:"2h"`
}

// PasswordConfig holds password policy and breach lookup configuration
type PasswordConfig struct {
	MinLength        int           `yaml:"min_length" env:"PASSWORD_MIN_LENGTH" env-default:"8"`
	MaxLength        int           `yaml:"max_length" env:"PASSWORD_MAX_LENGTH" env-default:"128"`
	MaxLoginAttempts int           `yaml:"max_login_attempts" env:"MAX_LOGIN_ATTEMPTS" env-default:"5"`
	LockoutDuration  time.Duration `yaml:"lockout_duration" env:"LOCKOUT_DURATION" env-default:"15m"`
	BreachCheckURL   string        `yaml:"breach_check_url" env:"BREACH_CHECK_URL" env-default:"https://api.pwnedpasswords.com/range/"`
	BreachTimeout    time.Duration `yaml:"breach_timeout" env:"BREACH_TIMEOUT" env-default:"5s"`
	BreachRPS        float64       `yaml:"breach_rps" env:"BREACH_RPS" env-default:"10"`
}

// RateLimitProfile is one named limit bucket
type RateLimitProfile struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	PerPath     bool          `yaml:"per_path"`
}

// RateLimitConfig holds the named rate limit profiles
type RateLimitConfig struct {
	Auth      RateLimitProfile `yaml:"auth"`
	Mutation  RateLimitProfile `yaml:"mutation"`
	Upload    RateLimitProfile `yaml:"upload"`
	Sensitive RateLimitProfile `yaml:"sensitive"`
	API       RateLimitProfile `yaml:"api"`
}

// BreakerConfig holds circuit breaker defaults for outbound calls
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"BREAKER_FAILURE_THRESHOLD" env-default:"5"`
	SuccessThreshold int           `yaml:"success_threshold" env:"BREAKER_SUCCESS_THRESHOLD" env-default:"2"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"BREAKER_RESET_TIMEOUT" env-default:"60s"`
}

// StorageConfig holds S3/MinIO configuration for uploaded documents
type StorageConfig struct {
	Endpoint        string `yaml:"endpoint" env:"S3_ENDPOINT"`
	Region          string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
	Bucket          string `yaml:"bucket" env:"S3_BUCKET" env-default:"procurement-intake"`
	AccessKeyID     string `yaml:"access_key_id" env:"S3_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"S3_SECRET_ACCESS_KEY"`
	UseSSL          bool   `yaml:"use_ssl" env:"S3_USE_SSL" env-default:"true"`
}

// SecurityConfig holds request-level hardening options
type SecurityConfig struct {
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" env-separator:","`
	HSTS           bool     `yaml:"hsts" env:"HSTS_ENABLED" env-default:"true"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES" env-default:"10485760"`
}

// IsProduction reports whether the service runs with production hardening
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// Load reads the optional YAML file and then environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	path := os.Getenv("GUARD_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	applyRateLimitDefaults(&cfg.RateLimit)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultRateLimits returns the built-in profile table
func DefaultRateLimits() RateLimitConfig {
	return RateLimitConfig{
		Auth:      RateLimitProfile{MaxRequests: 5, Window: 15 * time.Minute},
		Mutation:  RateLimitProfile{MaxRequests: 60, Window: time.Minute},
		Upload:    RateLimitProfile{MaxRequests: 20, Window: time.Minute},
		Sensitive: RateLimitProfile{MaxRequests: 3, Window: time.Hour, PerPath: true},
		API:       RateLimitProfile{MaxRequests: 300, Window: time.Minute},
	}
}

func applyRateLimitDefaults(rl *RateLimitConfig) {
	def := DefaultRateLimits()
	fill := func(p *RateLimitProfile, d RateLimitProfile) {
		if p.MaxRequests <= 0 {
			p.MaxRequests = d.MaxRequests
		}
		if p.Window <= 0 {
			p.Window = d.Window
		}
	}
	fill(&rl.Auth, def.Auth)
	fill(&rl.Mutation, def.Mutation)
	fill(&rl.Upload, def.Upload)
	fill(&rl.Sensitive, def.Sensitive)
	fill(&rl.API, def.API)
}

// Validate checks secrets and policy values
func Validate(cfg *Config) error {
	var errs []error
	if cfg.IsProduction() {
		if len(cfg.Session.Secret) < minSecretLength {
			errs = append(errs, fmt.Errorf("SESSION_SECRET must be at least %d bytes", minSecretLength))
		}
		if len(cfg.CSRF.Secret) < minSecretLength {
			errs = append(errs, fmt.Errorf("CSRF_SECRET must be at least %d bytes", minSecretLength))
		}
	} else {
		if cfg.Session.Secret == "" {
			errs = append(errs, errors.New("SESSION_SECRET is required"))
		}
		if cfg.CSRF.Secret == "" {
			errs = append(errs, errors.New("CSRF_SECRET is required"))
		}
	}
	switch strings.ToLower(cfg.Session.ContinuityPolicy) {
	case "off", "flag", "enforce":
	default:
		errs = append(errs, fmt.Errorf("invalid SESSION_CONTINUITY_POLICY %q", cfg.Session.ContinuityPolicy))
	}
	switch strings.ToLower(cfg.Session.SameSite) {
	case "lax", "strict", "none":
	default:
		errs = append(errs, fmt.Errorf("invalid SESSION_SAMESITE %q", cfg.Session.SameSite))
	}
	if cfg.Password.MinLength <= 0 || cfg.Password.MaxLength < cfg.Password.MinLength {
		errs = append(errs, errors.New("invalid password length bounds"))
	}
	if cfg.Password.MaxLoginAttempts <= 0 {
		errs = append(errs, errors.New("MAX_LOGIN_ATTEMPTS must be positive"))
	}
	return errors.Join(errs...)
}
