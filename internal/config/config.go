package config

import (
	"context"
	"fmt"
	"os"

	"github.com/savostin/betfair-stream-app/pkg/secrets"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Logging LoggingConfig `mapstructure:"logging"`
	GCP     GCPConfig     `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port           int    `mapstructure:"port"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
	AuthSecret     string `mapstructure:"auth_secret"`

	// Minimum interval between snapshot pushes to one websocket client, in
	// milliseconds. Intermediate snapshots are conflated away.
	SnapshotPushIntervalMs int `mapstructure:"snapshot_push_interval_ms"`
}

type StreamConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ProxyURL     string `mapstructure:"proxy_url"` // when set, connect via websocket instead of direct TLS
	AppKey       string `mapstructure:"app_key"`
	SessionToken string `mapstructure:"session_token"`

	ConflateMs       int `mapstructure:"conflate_ms"`
	HeartbeatMs      int `mapstructure:"heartbeat_ms"`
	LadderLevels     int `mapstructure:"ladder_levels"`
	ConnectTimeoutMs int `mapstructure:"connect_timeout_ms"`
	MaxFrameBytes    int `mapstructure:"max_frame_bytes"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
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
		v.AddConfigPath("/etc/betfair-streamer")
	}

	v.SetEnvPrefix("BETFAIR")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", "")
	v.SetDefault("server.auth_secret", "")
	v.SetDefault("server.snapshot_push_interval_ms", 100)

	// Stream defaults
	v.SetDefault("stream.host", "stream-api.betfair.com")
	v.SetDefault("stream.port", 443)
	v.SetDefault("stream.proxy_url", "")
	v.SetDefault("stream.conflate_ms", 0)
	v.SetDefault("stream.heartbeat_ms", 5000)
	v.SetDefault("stream.ladder_levels", 3)
	v.SetDefault("stream.connect_timeout_ms", 10000)
	v.SetDefault("stream.max_frame_bytes", 1048576)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// GCP defaults
	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.app_key", secretNames.AppKey)
	v.SetDefault("gcp.secret_names.session_token", secretNames.SessionToken)
	v.SetDefault("gcp.secret_names.api_auth_secret", secretNames.APIAuthSecret)
}

func overrideFromEnv(config *Config) {
	// Exchange credentials from environment. The session token is an opaque
	// handle obtained by an external login flow; it is never fetched here.
	if appKey := os.Getenv("BETFAIR_APP_KEY"); appKey != "" {
		config.Stream.AppKey = appKey
	}
	if token := os.Getenv("BETFAIR_SESSION_TOKEN"); token != "" {
		config.Stream.SessionToken = token
	}
	if host := os.Getenv("BETFAIR_STREAM_HOST"); host != "" {
		config.Stream.Host = host
	}
	if proxy := os.Getenv("BETFAIR_STREAM_PROXY_URL"); proxy != "" {
		config.Stream.ProxyURL = proxy
	}
	if secret := os.Getenv("BETFAIR_API_AUTH_SECRET"); secret != "" {
		config.Server.AuthSecret = secret
	}

	// GCP configuration from environment
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets that aren't already set.
	if config.Stream.AppKey == "" {
		config.Stream.AppKey = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.AppKey, "")
	}
	if config.Stream.SessionToken == "" {
		config.Stream.SessionToken = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.SessionToken, "")
	}
	if config.Server.AuthSecret == "" {
		config.Server.AuthSecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.APIAuthSecret, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}
