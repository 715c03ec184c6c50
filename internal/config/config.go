package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Create a new instance of the logger
// Configure it to log at the desired level
// and format it as JSON for structured logging
var log = logrus.New()

func init() {
	log.SetFormatter(&logrus.JSONFormatter{})
	environment := GetEnvWithDefault("APP_ENV", "development")
	switch environment {
	case "development":
		log.SetLevel(logrus.DebugLevel)
	case "production":
		log.SetLevel(logrus.ErrorLevel)
	default:
		// Default to info level for other environments
		log.SetLevel(logrus.InfoLevel)
	}
}

// Config used for the application configuration, loading the input from environment variables
type Config struct {
	// Server Configuration
	Environment string `json:"environment"`
	Port        int    `json:"port"`
	Host        string `json:"host"`
	// BaseURL is the externally visible origin; tenant issuers are derived from it
	BaseURL string `json:"base_url"`

	// Database configuration
	DBDriver   string `json:"db_driver"`
	DBHost     string `json:"db_host"`
	DBPort     string `json:"db_port"`
	DBName     string `json:"db_name"`
	DBUser     string `json:"db_user"`
	DBPassword string `json:"db_password"`
	DBSSLMode  string `json:"db_sslmode"`
	DBPath     string `json:"db_path"`

	// Logging configuration
	LogLevel string `json:"log_level"`

	// Security Configuration
	SessionSecret     string        `json:"session_secret"`
	SessionTTL        time.Duration `json:"session_ttl"`
	DefaultSigningAlg string        `json:"default_signing_alg"`

	// Token lifetimes
	AccessTokenTTL  time.Duration `json:"access_token_ttl"`
	RefreshTokenTTL time.Duration `json:"refresh_token_ttl"`
	IDTokenTTL      time.Duration `json:"id_token_ttl"`
	AuthCodeTTL     time.Duration `json:"auth_code_ttl"`
	// KeyRetention is how long a rotated-out signing key stays verifiable
	KeyRetention time.Duration `json:"key_retention"`

	PersistenceTimeout time.Duration `json:"persistence_timeout"`

	// RedisURL enables the shared client-assertion replay cache when set
	RedisURL string `json:"redis_url"`

	RateLimitRPS   float64 `json:"rate_limit_rps"`
	RateLimitBurst int     `json:"rate_limit_burst"`

	SeedFile          string `json:"seed_file"`
	TenantHostRouting bool   `json:"tenant_host_routing"`
}

// String returns a string representation of Config with sensitive data masked
func (c *Config) String() string {
	return fmt.Sprintf("Config{Environment: %s, Port: %d, Host: %s, BaseURL: %s, DBDriver: %s, DBHost: %s, DBName: %s, DBUser: %s, DBPassword: [REDACTED], LogLevel: %s, SessionSecret: [REDACTED], DefaultSigningAlg: %s, AccessTokenTTL: %s, RefreshTokenTTL: %s, AuthCodeTTL: %s, RedisURL: %s}",
		c.Environment, c.Port, c.Host, c.BaseURL, c.DBDriver, c.DBHost, c.DBName, c.DBUser, c.LogLevel,
		c.DefaultSigningAlg, c.AccessTokenTTL, c.RefreshTokenTTL, c.AuthCodeTTL, maskURL(c.RedisURL))
}

// maskURL masks the password in a connection URL
func maskURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[REDACTED_INVALID_URL]"
	}

	if parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), "[REDACTED]")
		}
	}

	return parsed.String()
}

// LoadConfig read the proper configuration from environment variables and returns a Config struct
// Returns an error if any environment variable is present but invalid
func LoadConfig() (*Config, error) {
	log.Info("Loading configuration from environment variables")
	port, err := strconv.Atoi(GetEnvWithDefault("APP_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid APP_PORT: %w", err)
	}

	host := GetEnvWithDefault("APP_HOST", "localhost")
	baseURL := strings.TrimRight(GetEnvWithDefault("APP_BASE_URL", fmt.Sprintf("http://%s:%d", host, port)), "/")
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid APP_BASE_URL %q: %w", baseURL, err)
	}

	redisURL := GetEnvWithDefault("REDIS_URL", "")
	if redisURL != "" {
		if _, err := url.Parse(redisURL); err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
	}

	config := &Config{
		Environment: GetEnvWithDefault("APP_ENV", "development"),
		Port:        port,
		Host:        host,
		BaseURL:     baseURL,

		DBDriver:   GetEnvWithDefault("DB_DRIVER", "sqlite"),
		DBHost:     GetEnvWithDefault("DB_HOST", "localhost"),
		DBPort:     GetEnvWithDefault("DB_PORT", "5432"),
		DBName:     GetEnvWithDefault("DB_NAME", "sso"),
		DBUser:     GetEnvWithDefault("DB_USER", "sso"),
		DBPassword: GetEnvWithDefault("DB_PASSWORD", ""),
		DBSSLMode:  GetEnvWithDefault("DB_SSLMODE", "disable"),
		DBPath:     GetEnvWithDefault("DB_PATH", "sso.sqlite"),

		LogLevel: GetEnvWithDefault("LOG_LEVEL", "info"),

		SessionSecret:     GetEnvWithDefault("SESSION_SECRET", "change-me-session-secret"),
		SessionTTL:        GetEnvAsType("SESSION_TTL", 12*time.Hour),
		DefaultSigningAlg: GetEnvWithDefault("DEFAULT_SIGNING_ALG", "RS256"),

		AccessTokenTTL:  GetEnvAsType("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL: GetEnvAsType("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		IDTokenTTL:      GetEnvAsType("ID_TOKEN_TTL", time.Hour),
		AuthCodeTTL:     GetEnvAsType("AUTH_CODE_TTL", 5*time.Minute),

		PersistenceTimeout: GetEnvAsType("PERSISTENCE_TIMEOUT", 5*time.Second),

		RedisURL: redisURL,

		RateLimitRPS:   GetEnvAsType("RATE_LIMIT_RPS", 20.0),
		RateLimitBurst: GetEnvAsType("RATE_LIMIT_BURST", 40),

		SeedFile:          GetEnvWithDefault("SEED_FILE", ""),
		TenantHostRouting: GetEnvAsType("TENANT_HOST_ROUTING", false),
	}

	// Rotated keys must outlive every token they signed
	config.KeyRetention = GetEnvAsType("KEY_RETENTION", config.maxTokenLifetime())
	if config.KeyRetention < config.maxTokenLifetime() {
		return nil, fmt.Errorf("KEY_RETENTION (%s) must be at least the longest token lifetime (%s)",
			config.KeyRetention, config.maxTokenLifetime())
	}

	if config.AuthCodeTTL <= 0 || config.AccessTokenTTL <= 0 {
		return nil, fmt.Errorf("token lifetimes must be positive")
	}

	log.Infof("Configuration loaded: %s", config.String())
	return config, nil
}

func (c *Config) maxTokenLifetime() time.Duration {
	max := c.AccessTokenTTL
	for _, d := range []time.Duration{c.RefreshTokenTTL, c.IDTokenTTL} {
		if d > max {
			max = d
		}
	}
	return max
}

// Helper to get environment with default values
func GetEnvWithDefault(key, defaultValue string) string {
	log.Tracef("Getting environment variable: %s", key)
	value := os.Getenv(key)
	if value == "" {
		log.Debugf("Environment variable %s not set, using default value", key)
		return defaultValue
	}
	return value
}

// GetEnvAsType retrieves an environment variable and converts it to the specified type
// using generic type handling.
func GetEnvAsType[T any](key string, defaultValue T) T {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result T
	switch any(result).(type) {
	case int:
		intValue, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue
		}
		return any(intValue).(T)
	case float64:
		floatValue, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return defaultValue
		}
		return any(floatValue).(T)
	case string:
		return any(value).(T)
	case bool:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return any(boolValue).(T)
	case time.Duration:
		d, err := time.ParseDuration(value)
		if err != nil {
			// bare integers are seconds
			secs, convErr := strconv.Atoi(value)
			if convErr != nil {
				return defaultValue
			}
			d = time.Duration(secs) * time.Second
		}
		return any(d).(T)
	default:
		return defaultValue // Fallback for unsupported types
	}
}
