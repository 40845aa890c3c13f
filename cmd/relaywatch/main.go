// Command relaywatch follows a hospital's alerts through the gateway relay,
// falling back to polling the REST API while the websocket is down. It is the
// reference consumer for dashboards and a handy smoke test for deployments.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/config"
	"github.com/lalithlochan/carepulse/internal/db"
	"github.com/lalithlochan/carepulse/internal/observ"
	"github.com/lalithlochan/carepulse/internal/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	clientCfg, err := clientConfig(os.Getenv, cfg.RelayPollInterval)
	if err != nil {
		return err
	}
	clientCfg.OnNotification = func(msg relay.Message) {
		logger.Info("notification received",
			zap.String("dedup_key", msg.DedupKey),
			zap.String("event", string(msg.Event.Type)),
			zap.String("alert_id", msg.Event.AlertID.String()),
		)
	}

	client := relay.NewClient(clientCfg, relay.HTTPFetcher(&http.Client{Timeout: 10 * time.Second}, clientCfg), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-shutdown
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	go report(ctx, client, clientCfg.PollInterval, logger)

	logger.Info("watching hospital alerts",
		zap.String("gateway", clientCfg.BaseURL),
		zap.String("hospital_id", clientCfg.HospitalID.String()),
		zap.Duration("poll_interval", clientCfg.PollInterval),
	)

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// clientConfig reads the RELAY_* identity settings.
func clientConfig(getenv func(string) string, poll time.Duration) (relay.ClientConfig, error) {
	c := relay.ClientConfig{
		BaseURL:      getenv("RELAY_BASE_URL"),
		Role:         getenv("RELAY_ROLE"),
		PollInterval: poll,
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080"
	}
	if c.Role == "" {
		c.Role = "nurse"
	}

	var err error
	if c.HospitalID, err = uuid.Parse(getenv("RELAY_HOSPITAL_ID")); err != nil {
		return c, fmt.Errorf("invalid RELAY_HOSPITAL_ID: %w", err)
	}
	if c.UserID, err = uuid.Parse(getenv("RELAY_USER_ID")); err != nil {
		return c, fmt.Errorf("invalid RELAY_USER_ID: %w", err)
	}
	return c, nil
}

func report(ctx context.Context, client *relay.Client, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		every = 5 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := make(map[db.AlertStatus]int)
			for _, a := range client.Snapshot() {
				counts[a.Status]++
			}
			logger.Info("alert snapshot",
				zap.String("state", client.State().String()),
				zap.Int("active", counts[db.StatusActive]),
				zap.Int("acknowledged", counts[db.StatusAcknowledged]),
				zap.Int("resolved", counts[db.StatusResolved]),
			)
		}
	}
}
