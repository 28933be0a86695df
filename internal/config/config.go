/**
 * @description
 * This package handles the configuration management for the transfer-service. It uses
 * Viper to read configuration from environment variables and an optional .env file.
 * The resulting Config is validated once at startup and then passed explicitly into
 * every constructor that needs it.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading and environment binding.
 */

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	DwollaEnvSandbox    = "sandbox"
	DwollaEnvProduction = "production"

	StoreBackendPostgres = "postgres"
	StoreBackendAppwrite = "appwrite"
)

var dwollaBaseURLs = map[string]string{
	DwollaEnvSandbox:    "https://api-sandbox.dwolla.com",
	DwollaEnvProduction: "https://api.dwolla.com",
}

var plaidBaseURLs = map[string]string{
	"sandbox":     "https://sandbox.plaid.com",
	"development": "https://development.plaid.com",
	"production":  "https://production.plaid.com",
}

// Config holds all the configuration variables for the transfer-service.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`

	AppwriteEndpoint             string `mapstructure:"APPWRITE_ENDPOINT"`
	AppwriteProjectID            string `mapstructure:"APPWRITE_PROJECT_ID"`
	AppwriteAPIKey               string `mapstructure:"APPWRITE_API_KEY"`
	AppwriteDatabaseID           string `mapstructure:"APPWRITE_DATABASE_ID"`
	AppwriteUserCollectionID     string `mapstructure:"APPWRITE_USER_COLLECTION_ID"`
	AppwriteBankCollectionID     string `mapstructure:"APPWRITE_BANK_COLLECTION_ID"`
	AppwriteTransactionCollectID string `mapstructure:"APPWRITE_TRANSACTION_COLLECTION_ID"`

	DwollaEnv     string `mapstructure:"DWOLLA_ENV"`
	DwollaKey     string `mapstructure:"DWOLLA_KEY"`
	DwollaSecret  string `mapstructure:"DWOLLA_SECRET"`
	DwollaBaseURL string `mapstructure:"DWOLLA_BASE_URL"`

	PlaidClientID string `mapstructure:"PLAID_CLIENT_ID"`
	PlaidSecret   string `mapstructure:"PLAID_SECRET"`
	PlaidEnv      string `mapstructure:"PLAID_ENV"`
	PlaidBaseURL  string `mapstructure:"PLAID_BASE_URL"`

	RedisURL        string `mapstructure:"REDIS_URL"`
	RedisPrefix     string `mapstructure:"REDIS_PREFIX"`
	RabbitMQURL     string `mapstructure:"RABBITMQ_URL"`
	EventsExchange  string `mapstructure:"EVENTS_EXCHANGE"`
	ProvisionQueue  string `mapstructure:"PROVISIONING_QUEUE"`
	JWKSURL         string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience    string `mapstructure:"AUTH_AUDIENCE"`
	AuthIssuer      string `mapstructure:"AUTH_ISSUER"`
	AuthHeaderAllow bool   `mapstructure:"AUTH_ALLOW_HEADER_FALLBACK"`
	CORSOrigins     string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	TransferRateLimitPerMinute int    `mapstructure:"TRANSFER_RATE_LIMIT_PER_MINUTE"`
	ProvisioningLockSeconds    int    `mapstructure:"PROVISIONING_LOCK_SECONDS"`
	ProvisioningSweepSchedule  string `mapstructure:"PROVISIONING_SWEEP_SCHEDULE"`
	ProvisioningSweepBatch     int    `mapstructure:"PROVISIONING_SWEEP_BATCH"`
}

// LoadConfig reads configuration from environment variables and an optional .env
// file located in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_BACKEND", StoreBackendPostgres)
	viper.SetDefault("DWOLLA_ENV", DwollaEnvSandbox)
	viper.SetDefault("PLAID_ENV", "sandbox")
	viper.SetDefault("REDIS_PREFIX", "justbank")
	viper.SetDefault("EVENTS_EXCHANGE", "justbank.events")
	viper.SetDefault("PROVISIONING_QUEUE", "transfer_service.provisioning")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	viper.SetDefault("TRANSFER_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("PROVISIONING_LOCK_SECONDS", 30)
	viper.SetDefault("PROVISIONING_SWEEP_SCHEDULE", "@every 15m")
	viper.SetDefault("PROVISIONING_SWEEP_BATCH", 50)
	viper.SetDefault("AUTH_ALLOW_HEADER_FALLBACK", false)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("STORE_BACKEND")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("APPWRITE_ENDPOINT", "APPWRITE_ENDPOINT", "NEXT_PUBLIC_APPWRITE_ENDPOINT")
	_ = viper.BindEnv("APPWRITE_PROJECT_ID", "APPWRITE_PROJECT_ID", "NEXT_PUBLIC_APPWRITE_PROJECT")
	_ = viper.BindEnv("APPWRITE_API_KEY", "APPWRITE_API_KEY", "NEXT_APPWRITE_KEY")
	_ = viper.BindEnv("APPWRITE_DATABASE_ID")
	_ = viper.BindEnv("APPWRITE_USER_COLLECTION_ID")
	_ = viper.BindEnv("APPWRITE_BANK_COLLECTION_ID")
	_ = viper.BindEnv("APPWRITE_TRANSACTION_COLLECTION_ID")
	_ = viper.BindEnv("DWOLLA_ENV")
	_ = viper.BindEnv("DWOLLA_KEY")
	_ = viper.BindEnv("DWOLLA_SECRET")
	_ = viper.BindEnv("DWOLLA_BASE_URL")
	_ = viper.BindEnv("PLAID_CLIENT_ID")
	_ = viper.BindEnv("PLAID_SECRET")
	_ = viper.BindEnv("PLAID_ENV")
	_ = viper.BindEnv("PLAID_BASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("PROVISIONING_QUEUE")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("AUTH_AUDIENCE")
	_ = viper.BindEnv("AUTH_ISSUER")
	_ = viper.BindEnv("AUTH_ALLOW_HEADER_FALLBACK")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("TRANSFER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("PROVISIONING_LOCK_SECONDS")
	_ = viper.BindEnv("PROVISIONING_SWEEP_SCHEDULE")
	_ = viper.BindEnv("PROVISIONING_SWEEP_BATCH")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StoreBackend = strings.ToLower(strings.TrimSpace(config.StoreBackend))
	config.DwollaEnv = strings.ToLower(strings.TrimSpace(config.DwollaEnv))
	config.DwollaKey = strings.TrimSpace(config.DwollaKey)
	config.DwollaSecret = strings.TrimSpace(config.DwollaSecret)
	config.DwollaBaseURL = strings.TrimSuffix(strings.TrimSpace(config.DwollaBaseURL), "/")
	if config.DwollaBaseURL == "" {
		config.DwollaBaseURL = dwollaBaseURLs[config.DwollaEnv]
	}

	config.PlaidEnv = strings.ToLower(strings.TrimSpace(config.PlaidEnv))
	config.PlaidBaseURL = strings.TrimSuffix(strings.TrimSpace(config.PlaidBaseURL), "/")
	if config.PlaidBaseURL == "" {
		config.PlaidBaseURL = plaidBaseURLs[config.PlaidEnv]
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisPrefix), ":")
	if config.RedisPrefix == "" {
		config.RedisPrefix = "justbank"
	}

	if config.TransferRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative transfer rate limit configured; disabling limiter\" value=%d", config.TransferRateLimitPerMinute)
		config.TransferRateLimitPerMinute = 0
	}
	if config.ProvisioningSweepBatch <= 0 {
		config.ProvisioningSweepBatch = 50
	}

	return
}

// Validate checks the settings the service cannot start without. It is meant to run
// exactly once, right after LoadConfig.
func (c Config) Validate() error {
	var problems []error

	if _, ok := dwollaBaseURLs[c.DwollaEnv]; !ok {
		problems = append(problems, fmt.Errorf("DWOLLA_ENV must be %q or %q, got %q", DwollaEnvSandbox, DwollaEnvProduction, c.DwollaEnv))
	}
	if c.DwollaKey == "" || c.DwollaSecret == "" {
		problems = append(problems, errors.New("DWOLLA_KEY and DWOLLA_SECRET must be set"))
	}
	if c.DwollaBaseURL == "" {
		problems = append(problems, errors.New("DWOLLA_BASE_URL could not be derived"))
	}
	if strings.TrimSpace(c.PlaidClientID) == "" || strings.TrimSpace(c.PlaidSecret) == "" {
		problems = append(problems, errors.New("PLAID_CLIENT_ID and PLAID_SECRET must be set"))
	}
	if c.PlaidBaseURL == "" {
		problems = append(problems, fmt.Errorf("PLAID_ENV %q is not recognised and PLAID_BASE_URL is empty", c.PlaidEnv))
	}

	switch c.StoreBackend {
	case StoreBackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			problems = append(problems, errors.New("DATABASE_URL must be set for the postgres store"))
		}
	case StoreBackendAppwrite:
		if strings.TrimSpace(c.AppwriteEndpoint) == "" || strings.TrimSpace(c.AppwriteProjectID) == "" || strings.TrimSpace(c.AppwriteAPIKey) == "" {
			problems = append(problems, errors.New("APPWRITE_ENDPOINT, APPWRITE_PROJECT_ID and APPWRITE_API_KEY must be set for the appwrite store"))
		}
		if strings.TrimSpace(c.AppwriteDatabaseID) == "" ||
			strings.TrimSpace(c.AppwriteUserCollectionID) == "" ||
			strings.TrimSpace(c.AppwriteBankCollectionID) == "" ||
			strings.TrimSpace(c.AppwriteTransactionCollectID) == "" {
			problems = append(problems, errors.New("appwrite database and collection ids must be set"))
		}
	default:
		problems = append(problems, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendPostgres, StoreBackendAppwrite, c.StoreBackend))
	}

	return errors.Join(problems...)
}

// IsProduction reports whether the payments API points at live money movement.
func (c Config) IsProduction() bool {
	return c.DwollaEnv == DwollaEnvProduction
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
