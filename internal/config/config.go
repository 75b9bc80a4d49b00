package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"tradedesk/pkg/creds"
	"tradedesk/pkg/models"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Venue       VenueConfig       `mapstructure:"venue"`
	MarketData  MarketDataConfig  `mapstructure:"marketdata"`
	News        NewsConfig        `mapstructure:"news"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	AuthSecret string `mapstructure:"auth_secret"`
}

type VenueConfig struct {
	Network           string        `mapstructure:"network"` // main or test
	WSURL             string        `mapstructure:"ws_url"`  // override, mostly for tests
	RecvWindow        int           `mapstructure:"recv_window"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	PositionPoll      time.Duration `mapstructure:"position_poll"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

type MarketDataConfig struct {
	WSURL          string        `mapstructure:"ws_url"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type NewsConfig struct {
	StreamURL         string        `mapstructure:"stream_url"`
	BackfillURL       string        `mapstructure:"backfill_url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	JitterMax         time.Duration `mapstructure:"jitter_max"`
}

type CredentialsConfig struct {
	Key    string    `mapstructure:"key"`
	Secret string    `mapstructure:"secret"`
	GCP    GCPConfig `mapstructure:"gcp"`
}

type GCPConfig struct {
	ProjectID       string            `mapstructure:"project_id"`
	UseSecrets      bool              `mapstructure:"use_secrets"`
	CredentialsFile string            `mapstructure:"credentials_file"`
	SecretNames     creds.SecretNames `mapstructure:"secret_names"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tradedesk")
	}

	v.SetEnvPrefix("TRADEDESK")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; defaults plus environment apply.
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)
	return &config, nil
}

// Network maps the configured string onto the venue environment, defaulting
// to main.
func (c *Config) Network() models.Network {
	if c.Venue.Network == string(models.NetworkTest) {
		return models.NetworkTest
	}
	return models.NetworkMain
}

// SeedCredentials fills the store from config/env and, when enabled, GCP
// Secret Manager.
func (c *Config) SeedCredentials(ctx context.Context, store *creds.Store, logger *logrus.Logger) error {
	if c.Credentials.Key != "" && c.Credentials.Secret != "" {
		store.Set(models.Credentials{
			Key:     c.Credentials.Key,
			Secret:  c.Credentials.Secret,
			Network: c.Network(),
		})
	}

	if !c.Credentials.GCP.UseSecrets || c.Credentials.GCP.ProjectID == "" {
		return nil
	}
	manager, err := creds.NewGCPSecretManager(ctx, c.Credentials.GCP.ProjectID, c.Credentials.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("error creating secret manager: %w", err)
	}
	defer manager.Close()
	manager.LoadInto(ctx, store, c.Credentials.GCP.SecretNames, c.Network())
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_secret", "")

	// Venue defaults
	v.SetDefault("venue.network", "main")
	v.SetDefault("venue.recv_window", 5000)
	v.SetDefault("venue.heartbeat_interval", "15s")
	v.SetDefault("venue.heartbeat_timeout", "30s")
	v.SetDefault("venue.request_timeout", "10s")
	v.SetDefault("venue.position_poll", "1s")
	v.SetDefault("venue.reconnect_delay", "1s")

	// Market data defaults
	v.SetDefault("marketdata.ws_url", "wss://fstream.tradevenue.com/stream")
	v.SetDefault("marketdata.reconnect_delay", "1s")

	// News defaults
	v.SetDefault("news.stream_url", "wss://news.treeofalpha.com/ws")
	v.SetDefault("news.backfill_url", "https://news.treeofalpha.com/api/news?limit=500")
	v.SetDefault("news.heartbeat_interval", "15s")
	v.SetDefault("news.heartbeat_timeout", "30s")
	v.SetDefault("news.backoff_base", "1s")
	v.SetDefault("news.backoff_max", "30s")
	v.SetDefault("news.jitter_max", "500ms")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// GCP defaults
	v.SetDefault("credentials.gcp.use_secrets", false)
	v.SetDefault("credentials.gcp.project_id", "")
	v.SetDefault("credentials.gcp.credentials_file", "")

	secretNames := creds.DefaultSecretNames()
	v.SetDefault("credentials.gcp.secret_names.api_key", secretNames.APIKey)
	v.SetDefault("credentials.gcp.secret_names.api_secret", secretNames.APISecret)
}

func overrideFromEnv(config *Config) {
	if key := os.Getenv("TRADEDESK_VENUE_API_KEY"); key != "" {
		config.Credentials.Key = key
	}
	if secret := os.Getenv("TRADEDESK_VENUE_API_SECRET"); secret != "" {
		config.Credentials.Secret = secret
	}
	if network := os.Getenv("TRADEDESK_VENUE_NETWORK"); network != "" {
		config.Venue.Network = network
	}
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.Credentials.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.Credentials.GCP.UseSecrets = true
	}
}
