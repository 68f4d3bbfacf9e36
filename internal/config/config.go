package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "NATURENET"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "naturenet.db"
	defaultLogLevel            = "info"
	defaultStoreBackend        = StoreBackendSQLite
	defaultMongoDatabase       = "naturenet"
	defaultNotifyMode          = NotifyModeLog
	defaultSMTPPort            = 587
	defaultSMTPFromName        = "NatureNet"
	defaultPushEndpoint        = "https://fcm.googleapis.com/fcm/send"
	defaultNotifyRate          = 5.0
	defaultElsewhereSite       = "zz_elsewhere"
	defaultSweepInterval       = 24 * time.Hour
	defaultInactivityDays      = 180
	defaultOperatorIssuer      = "naturenet-propagator"
	defaultWelcomeAttempts     = 5
	defaultWelcomeRetryDelay   = 2 * time.Second
	defaultDispatchRetries     = 3
	defaultDispatchRetryDelay  = 100 * time.Millisecond
	defaultOperatorTokenTTLHrs = 24
	defaultFeedConsumer        = "naturenet-propagator"
	defaultFeedPollInterval    = 250 * time.Millisecond
)

// Store backends.
const (
	StoreBackendSQLite = "sqlite"
	StoreBackendMongo  = "mongo"
	StoreBackendMemory = "memory"
)

// Notification modes.
const (
	NotifyModeLog  = "log"
	NotifyModeLive = "live"
)

// SMTPConfig describes the outbound mail relay.
type SMTPConfig struct {
	Host     string
	Port     int `validate:"gte=0,lte=65535"`
	Username string
	Password string
	From     string `validate:"omitempty,email"`
	FromName string
	UseTLS   bool
}

// PushConfig describes the push gateway.
type PushConfig struct {
	Endpoint  string `validate:"omitempty,url"`
	ServerKey string
}

// AppConfig captures runtime configuration for the propagation service.
type AppConfig struct {
	HTTPAddress           string `validate:"required"`
	LogLevel              string
	StoreBackend          string `validate:"required,oneof=sqlite mongo memory"`
	DatabasePath          string `validate:"required"`
	MongoURI              string
	MongoDatabase         string
	NotifyMode            string `validate:"required,oneof=log live"`
	SMTP                  SMTPConfig
	Push                  PushConfig
	DevEmails             []string `validate:"dive,email"`
	NotifyRatePerSecond   float64  `validate:"gt=0"`
	ElsewhereSite         string   `validate:"required"`
	SweepInterval         time.Duration
	InactivityDays        int `validate:"gt=0"`
	WelcomeAttempts       int `validate:"gt=0"`
	WelcomeRetryDelay     time.Duration
	DispatchRetries       int `validate:"gte=0"`
	DispatchRetryDelay    time.Duration
	FeedConsumer          string `validate:"required"`
	FeedPollInterval      time.Duration
	OperatorSigningSecret string `validate:"required"`
	OperatorIssuer        string `validate:"required"`
	OperatorTokenTTL      time.Duration
	SitesCatalogPath      string
}

// InactivityThreshold converts the configured day count into a duration.
func (c AppConfig) InactivityThreshold() time.Duration {
	return time.Duration(c.InactivityDays) * 24 * time.Hour
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("mongo.database", defaultMongoDatabase)
	configViper.SetDefault("notify.mode", defaultNotifyMode)
	configViper.SetDefault("notify.rate_per_second", defaultNotifyRate)
	configViper.SetDefault("notify.dev_emails", []string{})
	configViper.SetDefault("smtp.port", defaultSMTPPort)
	configViper.SetDefault("smtp.from_name", defaultSMTPFromName)
	configViper.SetDefault("push.endpoint", defaultPushEndpoint)
	configViper.SetDefault("engine.elsewhere_site", defaultElsewhereSite)
	configViper.SetDefault("engine.welcome_attempts", defaultWelcomeAttempts)
	configViper.SetDefault("engine.welcome_retry_delay", defaultWelcomeRetryDelay)
	configViper.SetDefault("dispatch.retries", defaultDispatchRetries)
	configViper.SetDefault("dispatch.retry_delay", defaultDispatchRetryDelay)
	configViper.SetDefault("feed.consumer", defaultFeedConsumer)
	configViper.SetDefault("feed.poll_interval", defaultFeedPollInterval)
	configViper.SetDefault("sweep.interval", defaultSweepInterval)
	configViper.SetDefault("sweep.inactivity_days", defaultInactivityDays)
	configViper.SetDefault("operator.issuer", defaultOperatorIssuer)
	configViper.SetDefault("operator.token_ttl", time.Duration(defaultOperatorTokenTTLHrs)*time.Hour)
}

// LoadDotEnv populates the process environment from a dotenv file. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		LogLevel:      configViper.GetString("log.level"),
		StoreBackend:  strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		DatabasePath:  configViper.GetString("database.path"),
		MongoURI:      configViper.GetString("mongo.uri"),
		MongoDatabase: configViper.GetString("mongo.database"),
		NotifyMode:    strings.ToLower(strings.TrimSpace(configViper.GetString("notify.mode"))),
		SMTP: SMTPConfig{
			Host:     configViper.GetString("smtp.host"),
			Port:     configViper.GetInt("smtp.port"),
			Username: configViper.GetString("smtp.username"),
			Password: configViper.GetString("smtp.password"),
			From:     configViper.GetString("smtp.from"),
			FromName: configViper.GetString("smtp.from_name"),
			UseTLS:   configViper.GetBool("smtp.use_tls"),
		},
		Push: PushConfig{
			Endpoint:  configViper.GetString("push.endpoint"),
			ServerKey: configViper.GetString("push.server_key"),
		},
		DevEmails:             normalizeList(configViper.GetStringSlice("notify.dev_emails")),
		NotifyRatePerSecond:   configViper.GetFloat64("notify.rate_per_second"),
		ElsewhereSite:         strings.TrimSpace(configViper.GetString("engine.elsewhere_site")),
		SweepInterval:         configViper.GetDuration("sweep.interval"),
		InactivityDays:        configViper.GetInt("sweep.inactivity_days"),
		WelcomeAttempts:       configViper.GetInt("engine.welcome_attempts"),
		WelcomeRetryDelay:     configViper.GetDuration("engine.welcome_retry_delay"),
		DispatchRetries:       configViper.GetInt("dispatch.retries"),
		DispatchRetryDelay:    configViper.GetDuration("dispatch.retry_delay"),
		FeedConsumer:          strings.TrimSpace(configViper.GetString("feed.consumer")),
		FeedPollInterval:      configViper.GetDuration("feed.poll_interval"),
		OperatorSigningSecret: configViper.GetString("operator.signing_secret"),
		OperatorIssuer:        configViper.GetString("operator.issuer"),
		OperatorTokenTTL:      configViper.GetDuration("operator.token_ttl"),
		SitesCatalogPath:      configViper.GetString("sites.catalog"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

func (c AppConfig) validate() error {
	if err := structValidator.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			first := validationErrors[0]
			return fmt.Errorf("invalid configuration: %s failed %q", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.StoreBackend == StoreBackendMongo {
		if strings.TrimSpace(c.MongoURI) == "" {
			return fmt.Errorf("mongo.uri is required when store.backend is mongo")
		}
		if strings.TrimSpace(c.MongoDatabase) == "" {
			return fmt.Errorf("mongo.database is required when store.backend is mongo")
		}
	}
	if c.NotifyMode == NotifyModeLive {
		if strings.TrimSpace(c.SMTP.Host) == "" {
			return fmt.Errorf("smtp.host is required when notify.mode is live")
		}
		if strings.TrimSpace(c.SMTP.From) == "" {
			return fmt.Errorf("smtp.from is required when notify.mode is live")
		}
		if strings.TrimSpace(c.Push.Endpoint) == "" || strings.TrimSpace(c.Push.ServerKey) == "" {
			return fmt.Errorf("push.endpoint and push.server_key are required when notify.mode is live")
		}
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	if c.FeedPollInterval <= 0 {
		return fmt.Errorf("feed.poll_interval must be positive")
	}
	if c.OperatorTokenTTL <= 0 {
		return fmt.Errorf("operator.token_ttl must be positive")
	}
	return nil
}

func normalizeList(values []string) []string {
	normalized := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				normalized = append(normalized, trimmed)
			}
		}
	}
	return normalized
}
