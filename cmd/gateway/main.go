package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/alert"
	"github.com/lalithlochan/carepulse/internal/api"
	"github.com/lalithlochan/carepulse/internal/circuitbreaker"
	"github.com/lalithlochan/carepulse/internal/config"
	"github.com/lalithlochan/carepulse/internal/db"
	"github.com/lalithlochan/carepulse/internal/dispatch"
	"github.com/lalithlochan/carepulse/internal/escalation"
	"github.com/lalithlochan/carepulse/internal/metrics"
	"github.com/lalithlochan/carepulse/internal/observ"
	"github.com/lalithlochan/carepulse/internal/redis"
	"github.com/lalithlochan/carepulse/internal/relay"
	"github.com/lalithlochan/carepulse/internal/sns"
	"github.com/lalithlochan/carepulse/internal/sqs"
)

// store is everything the gateway reads and writes. Both the Postgres and
// the in-memory repository satisfy it.
type store interface {
	alert.Store
	alert.ShiftStore
	escalation.Store
	dispatch.Store
	api.NotificationStore
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment wins anyway.
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

	logger.Info("starting carepulse gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.Store),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Redis backs the dedup registry and the rate limiter. Without it the
	// store's unique dedup key still holds and rate limiting is off.
	var (
		dedup       *redis.DedupRegistry
		rateLimiter *redis.RateLimiter
	)
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, dedup registry and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		dedup = redis.NewDedupRegistry(redisClient, logger)
		if cfg.RateLimit > 0 {
			rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.RateLimit,
				Window: cfg.RateWindow,
			})
		}
	}

	bus, err := openBus(cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	hub := relay.NewHub(bus, logger, relay.WithIdentity(api.RelayIdentity))
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go hub.Run(hubCtx)

	var publisher relay.Publisher = bus
	topicDone := make(chan struct{})
	topicCtx, stopTopic := context.WithCancel(ctx)
	defer stopTopic()
	if cfg.SNSEventsTopic != "" {
		topic, err := sns.NewPublisher(ctx, sns.Config{
			TopicARN: cfg.SNSEventsTopic,
			Region:   cfg.SNSRegion,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("event topic unavailable, events stay on the relay only", zap.Error(err))
			close(topicDone)
		} else {
			publisher = topic.Tee(bus)
			go func() {
				defer close(topicDone)
				topic.Run(topicCtx)
			}()
		}
	} else {
		close(topicDone)
	}

	sender := buildSender(ctx, cfg, hub, logger)

	opts := []dispatch.Option{dispatch.WithPresence(hub)}
	if dedup != nil {
		opts = append(opts, dispatch.WithDeduplicator(dedup))
	}
	if cfg.SQSOpsQueue != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSOpsQueue,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, exhausted notifications will only be logged", zap.Error(err))
		} else {
			opts = append(opts, dispatch.WithFailureQueue(producer))
		}
	}

	dispatcher := dispatch.New(repo, sender, dispatch.Config{
		MaxAttempts: cfg.NotifyMaxAttempts,
		Backoff:     cfg.NotifyBackoff,
		SMSEnabled:  cfg.SMSEnabled,
	}, logger, opts...)

	shifts := alert.NewShiftService(repo, logger)
	notifier := dispatch.NewTierNotifier(shifts, dispatcher, logger)

	escalations := escalation.NewService(repo, publisher, notifier, escalation.Config{
		Policy: escalation.Policy{
			NurseBase:  cfg.EscalationNurseBase,
			DoctorBase: cfg.EscalationDoctorBase,
			MinTimeout: cfg.EscalationMinTimeout,
		},
		SweepSpec: cfg.EscalationSweepSpec,
	}, logger)
	if err := escalations.Start(ctx); err != nil {
		return fmt.Errorf("failed to start escalation service: %w", err)
	}

	alerts := alert.NewService(repo, escalations, publisher, notifier, alert.Config{
		AllowDirectResolve: cfg.AllowDirectResolve,
	}, logger)

	handler := api.NewHandler(logger, alerts, shifts, repo, dispatcher)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// The websocket endpoint is long-lived, so it sits outside the request timeout.
	r.Group(func(r chi.Router) {
		r.Use(api.ActorMiddleware(logger))
		r.Get("/v1/ws", hub.ServeHTTP)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Route("/v1", func(r chi.Router) {
			r.Use(api.ActorMiddleware(logger))
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.HospitalKeyFunc))
			handler.Routes(r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		escalations.Stop()
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()

		escalations.Stop()
		stopHub()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		drained := make(chan struct{})
		go func() {
			notifier.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timed out with notifications in flight")
		}

		stopTopic()
		select {
		case <-topicDone:
		case <-shutdownCtx.Done():
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, func(), error) {
	if cfg.Store == "memory" {
		logger.Warn("using in-memory store, data is lost on restart")
		return db.NewMemoryRepository(), func() {}, nil
	}

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)
	return db.NewRepository(database, logger), database.Close, nil
}

func openBus(cfg *config.Config, logger *zap.Logger) (relay.Bus, error) {
	if cfg.NATSURL == "" {
		return relay.NewLocalBus(1024, logger), nil
	}
	bus, err := relay.NewNATSBus(cfg.NATSURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect relay bus: %w", err)
	}
	return bus, nil
}

// buildSender wires a sender per channel. Providers that fail to initialize
// fall back to logging so the channel still produces notification records.
func buildSender(ctx context.Context, cfg *config.Config, hub *relay.Hub, logger *zap.Logger) dispatch.Sender {
	senders := []dispatch.Sender{dispatch.NewWebsocketSender(hub)}
	var fallback []string

	protect := func(name string, s dispatch.Sender) dispatch.Sender {
		return circuitbreaker.NewProtectedSender(s, circuitbreaker.New(circuitbreaker.DefaultConfig(name), logger), logger)
	}

	if cfg.FirebaseCredentialsFile != "" {
		push, err := dispatch.NewPushSender(ctx, dispatch.PushConfig{CredentialsFile: cfg.FirebaseCredentialsFile}, logger)
		if err != nil {
			logger.Warn("push sender unavailable", zap.Error(err))
			fallback = append(fallback, db.ChannelPush)
		} else {
			senders = append(senders, protect("fcm", push))
		}
	} else {
		fallback = append(fallback, db.ChannelPush)
	}

	ses, err := dispatch.NewSESSender(ctx, dispatch.SESConfig{Region: cfg.AWSRegion, FromEmail: cfg.SESFromEmail}, logger)
	if err != nil {
		logger.Warn("email sender unavailable", zap.Error(err))
		fallback = append(fallback, db.ChannelEmail)
	} else {
		senders = append(senders, protect("ses", ses))
	}

	if cfg.SMSEnabled {
		sms, err := dispatch.NewSNSSender(ctx, dispatch.SNSConfig{Region: cfg.SNSRegion}, logger)
		if err != nil {
			logger.Warn("sms sender unavailable", zap.Error(err))
			fallback = append(fallback, db.ChannelSMS)
		} else {
			senders = append(senders, protect("sns", sms))
		}
	}

	if len(fallback) > 0 {
		senders = append(senders, dispatch.NewLogSender(logger, fallback...))
	}

	logger.Info("initialized notification channels",
		zap.Int("providers", len(senders)),
		zap.Strings("log_only", fallback),
		zap.Bool("sms_enabled", cfg.SMSEnabled),
	)
	return dispatch.NewMultiSender(logger, senders...)
}
