package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tradedesk/api"
	"tradedesk/internal/config"
	"tradedesk/pkg/creds"
	"tradedesk/pkg/feed"
	"tradedesk/pkg/marketdata"
	"tradedesk/pkg/models"
	"tradedesk/pkg/news"
	"tradedesk/pkg/venue"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tradedesk",
		Short: "Exchange session core for the browser trading terminal",
		Long:  `Maintains the authenticated venue session, market data stream, and news feed that the browser terminal UI reads through the local API`,
		Run:   runTerminal,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a UI session token for an auth-enabled API server",
		Run:   runToken,
	}
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runTerminal(cmd *cobra.Command, args []string) {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// .env is a convenience for local runs; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := creds.NewStore(logger)
	if err := cfg.SeedCredentials(ctx, store, logger); err != nil {
		logger.WithError(err).Fatal("Failed to load credentials")
	}

	rest := venue.NewRestClient(store, cfg.Venue.RecvWindow, logger)
	rules := venue.NewRuleCache(rest, logger)
	if err := rules.Refresh(ctx); err != nil {
		logger.WithError(err).Warn("Symbol rule fetch failed, orders will rely on venue-side validation")
	}

	prices := marketdata.New(marketdata.Config{
		URL:            cfg.MarketData.WSURL,
		ReconnectDelay: cfg.MarketData.ReconnectDelay,
	}, logger)

	session := venue.NewSession(venue.SessionConfig{
		WSURL:             cfg.Venue.WSURL,
		HeartbeatInterval: cfg.Venue.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Venue.HeartbeatTimeout,
		RequestTimeout:    cfg.Venue.RequestTimeout,
		PositionPoll:      cfg.Venue.PositionPoll,
		ReconnectDelay:    cfg.Venue.ReconnectDelay,
		RecvWindow:        cfg.Venue.RecvWindow,
	}, store, rules, prices, rest, logger)

	// Credential changes force a reconnect so account state is re-derived
	// under the new key.
	store.OnChange(func(c models.Credentials) {
		if c.Empty() {
			session.Close()
			return
		}
		session.Reconnect()
	})

	if !store.Credentials().Empty() {
		if err := session.Connect(); err != nil {
			logger.WithError(err).Error("Failed to start venue session")
		}
	} else {
		logger.Info("No credentials configured, venue session idle")
	}

	newsCache := news.NewCache(logger)
	newsSvc := news.NewService(news.ServiceConfig{
		StreamURL:   cfg.News.StreamURL,
		BackfillURL: cfg.News.BackfillURL,
		Feed: feed.Config{
			HeartbeatInterval: cfg.News.HeartbeatInterval,
			HeartbeatTimeout:  cfg.News.HeartbeatTimeout,
			BackoffBase:       cfg.News.BackoffBase,
			BackoffMax:        cfg.News.BackoffMax,
			JitterMax:         cfg.News.JitterMax,
		},
	}, newsCache, logger)
	go newsSvc.Start(ctx)

	apiServer := api.NewServer(session, newsCache, store, logger, fmt.Sprintf("%d", cfg.Server.Port), cfg.Server.AuthSecret)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("tradedesk is running. Press Ctrl+C to stop.")
	<-sigChan
	logger.Info("Received shutdown signal")

	newsSvc.Stop()
	session.Close()
	prices.Close()
	cancel()

	logger.Info("tradedesk stopped")
}

func runToken(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if cfg.Server.AuthSecret == "" {
		fmt.Println("server.auth_secret is not configured")
		os.Exit(1)
	}

	ttl, _ := cmd.Flags().GetDuration("ttl")
	token, err := api.IssueToken(cfg.Server.AuthSecret, "terminal-ui", ttl)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Println(token)
}
