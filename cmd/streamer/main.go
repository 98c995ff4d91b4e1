package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/savostin/betfair-stream-app/api"
	"github.com/savostin/betfair-stream-app/internal/config"
	"github.com/savostin/betfair-stream-app/pkg/stream"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	marketID string
	logger   *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "betfair-streamer",
		Short: "Betfair exchange stream client",
		Long:  `Maintains a live order book view of a Betfair market from the Exchange Stream API and serves snapshots to local consumers over HTTP and websocket`,
		Run:   runStreamer,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.Flags().StringVar(&marketID, "market", "", "market id to subscribe to on startup")

	tokenCmd := &cobra.Command{
		Use:   "token [subject]",
		Short: "Mint a bearer token for the local API server",
		Args:  cobra.MaximumNArgs(1),
		Run:   runToken,
	}
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runStreamer(cmd *cobra.Command, args []string) {
	logger = newLogger()

	// Local development keeps credentials in a .env file.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	applyLogConfig(logger, cfg.Logging)

	if cfg.Stream.AppKey == "" {
		logger.Fatal("App key is required (BETFAIR_APP_KEY)")
	}
	if cfg.Stream.SessionToken == "" {
		logger.Fatal("Session token is required (BETFAIR_SESSION_TOKEN)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The server serves the session's snapshots and the session pushes into
	// the server, so wire the callbacks through a closure.
	var apiServer *api.Server
	session := stream.NewSession(stream.Config{
		AppKey:       cfg.Stream.AppKey,
		SessionToken: cfg.Stream.SessionToken,
		ConflateMs:   cfg.Stream.ConflateMs,
		HeartbeatMs:  cfg.Stream.HeartbeatMs,
		LadderLevels: cfg.Stream.LadderLevels,
		Dialer:       newDialer(cfg.Stream),
		OnSnapshot: func(snap stream.MarketSnapshot) {
			apiServer.Publish(snap)
		},
		OnEvent: func(e stream.Event) {
			logEvent(e)
			apiServer.PublishEvent(e)
		},
		Logger: logger,
	})
	apiServer = newAPIServer(session, cfg)

	if err := session.Connect(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to connect to stream")
	}
	if marketID != "" {
		session.SelectMarket(marketID)
	}

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Streamer is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	session.Disconnect()
	cancel()

	logger.Info("Streamer stopped")
}

func runToken(cmd *cobra.Command, args []string) {
	logger = newLogger()
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if cfg.Server.AuthSecret == "" {
		logger.Fatal("server.auth_secret is not configured")
	}

	subject := "local"
	if len(args) > 0 {
		subject = args[0]
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")

	token, err := api.GenerateToken(cfg.Server.AuthSecret, subject, ttl)
	if err != nil {
		logger.WithError(err).Fatal("Failed to mint token")
	}
	fmt.Println(token)
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	return l
}

func applyLogConfig(l *logrus.Logger, cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		l.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	if cfg.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{})
	}
}

func newAPIServer(session *stream.Session, cfg *config.Config) *api.Server {
	return api.NewServer(session, logger, api.Config{
		Port:           fmt.Sprintf("%d", cfg.Server.Port),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthSecret:     cfg.Server.AuthSecret,
		PushInterval:   time.Duration(cfg.Server.SnapshotPushIntervalMs) * time.Millisecond,
	})
}

func newDialer(cfg config.StreamConfig) stream.Dialer {
	if cfg.ProxyURL != "" {
		return &stream.WSDialer{
			URL:           cfg.ProxyURL,
			MaxFrameBytes: cfg.MaxFrameBytes,
		}
	}
	return &stream.TLSDialer{
		Host:           cfg.Host,
		Port:           cfg.Port,
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
		MaxFrameBytes:  cfg.MaxFrameBytes,
	}
}

func logEvent(e stream.Event) {
	entry := logger.WithField("kind", string(e.Kind))
	if e.Detail != "" {
		entry = entry.WithField("detail", e.Detail)
	}
	switch e.Kind {
	case stream.EventAuthFailed, stream.EventTransportError:
		if e.Err != nil {
			entry = entry.WithError(e.Err)
		}
		entry.Error("Stream session error")
	case stream.EventSubscriptionFailed:
		entry.Warn("Stream subscription failed")
	default:
		entry.Info("Stream session event")
	}
}
