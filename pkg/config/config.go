package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	CRM      CRMConfig
	Calendly CalendlyConfig
	Session  SessionConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port       string
	Env        string
	BaseURL    string
	SuccessURL string
	ErrorURL   string
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string
}

// CRMConfig holds the CRM OAuth application and API settings
type CRMConfig struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
	APIBase      string // template, the tenant's CRM domain is substituted in
	Timeout      time.Duration
}

// CalendlyConfig holds the scheduling platform OAuth application and API settings
type CalendlyConfig struct {
	ClientID          string
	ClientSecret      string
	AuthorizeURL      string
	TokenURL          string
	RedirectURI       string
	APIBase           string
	WebhookSigningKey string
	Timeout           time.Duration
}

// SessionConfig holds session token configuration
type SessionConfig struct {
	SigningKey string
	TTL        time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
}

// MetricsConfig holds metrics-related configuration
type MetricsConfig struct {
	Prefix string
}

// Load loads the application configuration from environment variables
func Load() (*Config, error) {
	// Load environment variables from .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:       getEnv("SERVER_PORT", "8086"),
			Env:        getEnv("APP_ENV", "development"),
			BaseURL:    getEnv("SERVER_BASE_URL", "http://localhost:8086"),
			SuccessURL: getEnv("LINK_SUCCESS_URL", "/linked.html"),
			ErrorURL:   getEnv("LINK_ERROR_URL", "/error.html"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Name:            getEnv("DB_NAME", "calsync_db"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 1*time.Hour),
			LogLevel:        getEnv("DB_LOG_LEVEL", "info"),
		},
		CRM: CRMConfig{
			ClientID:     getEnv("CRM_CLIENT_ID", ""),
			ClientSecret: getEnv("CRM_CLIENT_SECRET", ""),
			AuthorizeURL: getEnv("CRM_AUTHORIZE_URL", "https://oauth.pipedrive.com/oauth/authorize"),
			TokenURL:     getEnv("CRM_TOKEN_URL", "https://oauth.pipedrive.com/oauth/token"),
			RedirectURI:  getEnv("CRM_REDIRECT_URI", "http://localhost:8086/oauth/crm/callback"),
			APIBase:      getEnv("CRM_API_BASE", "https://%s.pipedrive.com/api/v1"),
			Timeout:      getEnvAsDuration("CRM_TIMEOUT", 15*time.Second),
		},
		Calendly: CalendlyConfig{
			ClientID:          getEnv("CALENDLY_CLIENT_ID", ""),
			ClientSecret:      getEnv("CALENDLY_CLIENT_SECRET", ""),
			AuthorizeURL:      getEnv("CALENDLY_AUTHORIZE_URL", "https://auth.calendly.com/oauth/authorize"),
			TokenURL:          getEnv("CALENDLY_TOKEN_URL", "https://auth.calendly.com/oauth/token"),
			RedirectURI:       getEnv("CALENDLY_REDIRECT_URI", "http://localhost:8086/oauth/calendly/callback"),
			APIBase:           getEnv("CALENDLY_API_BASE", "https://api.calendly.com"),
			WebhookSigningKey: getEnv("CALENDLY_WEBHOOK_SIGNING_KEY", ""),
			Timeout:           getEnvAsDuration("CALENDLY_TIMEOUT", 15*time.Second),
		},
		Session: SessionConfig{
			SigningKey: getEnv("SESSION_SIGNING_KEY", "calsyncsessionsecret"),
			TTL:        getEnvAsDuration("SESSION_TTL", 24*time.Hour),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Prefix: getEnv("METRICS_PREFIX", "calsync"),
		},
	}, nil
}

// Helper functions to get environment variables with defaults
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
