package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string
	LogFile  string // optional rotated log file, stdout only when empty

	// Store selects the repository: "postgres" or "memory"
	Store string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	RateLimit     int // requests per hospital per RateWindow, 0 disables
	RateWindow    time.Duration

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)
	SMSEnabled   bool
	SQSRegion    string
	SQSOpsQueue  string // queue URL for exhausted notifications

	// SNSEventsTopic receives every alert event for downstream integrations
	// (paging systems, EHR feeds). Empty disables forwarding.
	SNSEventsTopic string
	AWSEndpoint    string // LocalStack and similar

	// Firebase Cloud Messaging
	FirebaseCredentialsFile string

	// NATS relay bus, in-process bus when empty
	NATSURL string

	// Escalation
	EscalationNurseBase  time.Duration
	EscalationDoctorBase time.Duration
	EscalationMinTimeout time.Duration
	EscalationSweepSpec  string

	// Notification delivery
	NotifyMaxAttempts int
	NotifyBackoff     []time.Duration

	AllowDirectResolve bool
	RelayPollInterval  time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",
		Store:    "postgres",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "carepulse",
		DBPassword: "",
		DBName:     "carepulse",
		DBSSLMode:  "disable",
		DBMaxConns: 25,

		// Redis defaults
		RedisHost:  "localhost",
		RedisPort:  6379,
		RedisDB:    0,
		RateLimit:  300,
		RateWindow: time.Minute,

		AWSRegion:    "us-east-1",
		SESFromEmail: "alerts@carepulse.local",

		EscalationNurseBase:  4 * time.Minute,
		EscalationDoctorBase: 8 * time.Minute,
		EscalationMinTimeout: 60 * time.Second,
		EscalationSweepSpec:  "@every 30s",

		NotifyMaxAttempts: 3,
		NotifyBackoff:     []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second},

		AllowDirectResolve: true,
		RelayPollInterval:  5 * time.Second,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	cfg.LogFile = os.Getenv("LOG_FILE")

	if store := os.Getenv("STORE"); store != "" {
		if store != "postgres" && store != "memory" {
			return nil, fmt.Errorf("invalid STORE %q: want postgres or memory", store)
		}
		cfg.Store = store
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if conns := os.Getenv("DB_MAX_CONNS"); conns != "" {
		c, err := strconv.Atoi(conns)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
		}
		cfg.DBMaxConns = c
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if limit := os.Getenv("RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = l
	}

	if window := os.Getenv("RATE_WINDOW"); window != "" {
		w, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_WINDOW: %w", err)
		}
		cfg.RateWindow = w
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if enabled := os.Getenv("SMS_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid SMS_ENABLED: %w", err)
		}
		cfg.SMSEnabled = b
	}

	// SQS ops queue
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	cfg.SQSOpsQueue = os.Getenv("SQS_OPS_QUEUE_URL")
	cfg.FirebaseCredentialsFile = os.Getenv("FIREBASE_CREDENTIALS_FILE")
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.SNSEventsTopic = os.Getenv("SNS_EVENTS_TOPIC_ARN")
	cfg.AWSEndpoint = os.Getenv("AWS_ENDPOINT_URL")

	// Escalation timing
	if base := os.Getenv("ESCALATION_NURSE_BASE"); base != "" {
		d, err := time.ParseDuration(base)
		if err != nil {
			return nil, fmt.Errorf("invalid ESCALATION_NURSE_BASE: %w", err)
		}
		cfg.EscalationNurseBase = d
	}

	if base := os.Getenv("ESCALATION_DOCTOR_BASE"); base != "" {
		d, err := time.ParseDuration(base)
		if err != nil {
			return nil, fmt.Errorf("invalid ESCALATION_DOCTOR_BASE: %w", err)
		}
		cfg.EscalationDoctorBase = d
	}

	if minTimeout := os.Getenv("ESCALATION_MIN_TIMEOUT"); minTimeout != "" {
		d, err := time.ParseDuration(minTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid ESCALATION_MIN_TIMEOUT: %w", err)
		}
		cfg.EscalationMinTimeout = d
	}

	if spec := os.Getenv("ESCALATION_SWEEP_SPEC"); spec != "" {
		cfg.EscalationSweepSpec = spec
	}

	// Notification retries
	if attempts := os.Getenv("NOTIFY_MAX_ATTEMPTS"); attempts != "" {
		a, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_MAX_ATTEMPTS: %w", err)
		}
		if a < 1 {
			return nil, fmt.Errorf("invalid NOTIFY_MAX_ATTEMPTS: must be at least 1, got %d", a)
		}
		cfg.NotifyMaxAttempts = a
	}

	if backoff := os.Getenv("NOTIFY_BACKOFF"); backoff != "" {
		delays, err := parseDurations(backoff)
		if err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_BACKOFF: %w", err)
		}
		cfg.NotifyBackoff = delays
	}

	if allow := os.Getenv("ALLOW_DIRECT_RESOLVE"); allow != "" {
		b, err := strconv.ParseBool(allow)
		if err != nil {
			return nil, fmt.Errorf("invalid ALLOW_DIRECT_RESOLVE: %w", err)
		}
		cfg.AllowDirectResolve = b
	}

	if interval := os.Getenv("RELAY_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid RELAY_POLL_INTERVAL: %w", err)
		}
		cfg.RelayPollInterval = d
	}

	return cfg, nil
}

// parseDurations parses a comma separated list such as "1s,4s,16s".
func parseDurations(s string) ([]time.Duration, error) {
	parts := strings.Split(s, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
