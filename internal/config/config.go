/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables (and an optional
 * .env file), providing a centralized place to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ChallengeStoreMemory = "memory"
	ChallengeStoreRedis  = "redis"
)

// Config holds all the configuration variables for the transfer service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix            string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	EventsExchange            string `mapstructure:"EVENTS_EXCHANGE"`
	FraudLabelQueue           string `mapstructure:"FRAUD_LABEL_QUEUE"`
	ClerkJWKSURL              string `mapstructure:"CLERK_JWKS_URL"`
	GeolocationAPIURL         string `mapstructure:"GEOLOCATION_API_URL"`
	GeolocationTimeoutSeconds int    `mapstructure:"GEOLOCATION_TIMEOUT_SECONDS"`
	ScorerAPIURL              string `mapstructure:"SCORER_API_URL"`
	ScorerAPIKey              string `mapstructure:"SCORER_API_KEY"`
	ScorerTimeoutSeconds      int    `mapstructure:"SCORER_TIMEOUT_SECONDS"`
	ChallengeStore            string `mapstructure:"CHALLENGE_STORE"`
	OTPTTLMinutes             int    `mapstructure:"OTP_TTL_MINUTES"`
	OTPMaxAttempts            int    `mapstructure:"OTP_MAX_ATTEMPTS"`
	OTPSweepSchedule          string `mapstructure:"OTP_SWEEP_SCHEDULE"`
	FeatureTimezone           string `mapstructure:"FEATURE_TIMEZONE"`
	SubmitRateLimitPerMinute  int    `mapstructure:"SUBMIT_RATE_LIMIT_PER_MINUTE"`
	VerifyRateLimitPerMinute  int    `mapstructure:"VERIFY_RATE_LIMIT_PER_MINUTE"`
	CORSAllowedOrigins        string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel                  string `mapstructure:"LOG_LEVEL"`
	LogFormat                 string `mapstructure:"LOG_FORMAT"`
	OTLPEndpoint              string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// GeolocationTimeout is the bound on a single geolocation lookup.
func (c Config) GeolocationTimeout() time.Duration {
	return time.Duration(c.GeolocationTimeoutSeconds) * time.Second
}

// ScorerTimeout is the bound on a single scoring call.
func (c Config) ScorerTimeout() time.Duration {
	return time.Duration(c.ScorerTimeoutSeconds) * time.Second
}

// OTPTTL is the validity window of a step-up code.
func (c Config) OTPTTL() time.Duration {
	return time.Duration(c.OTPTTLMinutes) * time.Minute
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Location resolves FEATURE_TIMEZONE, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.FeatureTimezone)
	if err != nil {
		log.Printf("level=warn component=config msg=\"unknown FEATURE_TIMEZONE; using UTC\" value=%q err=%v", c.FeatureTimezone, err)
		return time.UTC
	}
	return loc
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "cipherstorm")
	viper.SetDefault("EVENTS_EXCHANGE", "transfa.events")
	viper.SetDefault("FRAUD_LABEL_QUEUE", "transaction_service.fraud_labels")
	viper.SetDefault("GEOLOCATION_API_URL", "https://ipapi.co")
	viper.SetDefault("GEOLOCATION_TIMEOUT_SECONDS", 5)
	viper.SetDefault("SCORER_TIMEOUT_SECONDS", 10)
	viper.SetDefault("OTP_TTL_MINUTES", 10)
	viper.SetDefault("OTP_MAX_ATTEMPTS", 5)
	viper.SetDefault("OTP_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("FEATURE_TIMEZONE", "Asia/Kolkata")
	viper.SetDefault("SUBMIT_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("VERIFY_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRANSACTION_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("FRAUD_LABEL_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("GEOLOCATION_API_URL")
	_ = viper.BindEnv("GEOLOCATION_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SCORER_API_URL")
	_ = viper.BindEnv("SCORER_API_KEY", "SCORER_API_KEY", "INTERNAL_API_KEY")
	_ = viper.BindEnv("SCORER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("CHALLENGE_STORE")
	_ = viper.BindEnv("OTP_TTL_MINUTES")
	_ = viper.BindEnv("OTP_MAX_ATTEMPTS")
	_ = viper.BindEnv("OTP_SWEEP_SCHEDULE")
	_ = viper.BindEnv("FEATURE_TIMEZONE")
	_ = viper.BindEnv("SUBMIT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("VERIFY_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")
	_ = viper.BindEnv("OTEL_EXPORTER_OTLP_ENDPOINT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	normalize(&config)
	return
}

func normalize(config *Config) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimRight(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "cipherstorm"
	}
	config.ScorerAPIKey = strings.TrimSpace(config.ScorerAPIKey)

	config.ChallengeStore = strings.ToLower(strings.TrimSpace(config.ChallengeStore))
	switch config.ChallengeStore {
	case ChallengeStoreMemory, ChallengeStoreRedis:
	case "":
		if config.RedisURL != "" {
			config.ChallengeStore = ChallengeStoreRedis
		} else {
			config.ChallengeStore = ChallengeStoreMemory
		}
	default:
		log.Printf("level=warn component=config msg=\"unknown CHALLENGE_STORE; using memory\" value=%q", config.ChallengeStore)
		config.ChallengeStore = ChallengeStoreMemory
	}
	if config.ChallengeStore == ChallengeStoreRedis && config.RedisURL == "" {
		log.Printf("level=warn component=config msg=\"CHALLENGE_STORE=redis without REDIS_URL; using memory\"")
		config.ChallengeStore = ChallengeStoreMemory
	}

	if config.GeolocationTimeoutSeconds <= 0 {
		config.GeolocationTimeoutSeconds = 5
	}
	if config.ScorerTimeoutSeconds <= 0 {
		config.ScorerTimeoutSeconds = 10
	}
	if config.OTPTTLMinutes <= 0 {
		config.OTPTTLMinutes = 10
	}
	if config.OTPMaxAttempts <= 0 {
		config.OTPMaxAttempts = 5
	}
	if strings.TrimSpace(config.OTPSweepSchedule) == "" {
		config.OTPSweepSchedule = "@every 1m"
	}
	if strings.TrimSpace(config.FeatureTimezone) == "" {
		config.FeatureTimezone = "Asia/Kolkata"
	}
	if config.SubmitRateLimitPerMinute <= 0 {
		config.SubmitRateLimitPerMinute = 30
	}
	if config.VerifyRateLimitPerMinute <= 0 {
		config.VerifyRateLimitPerMinute = 10
	}
}
