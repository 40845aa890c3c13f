package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "ENV", "STORE", "NOTIFY_BACKOFF", "ESCALATION_NURSE_BASE"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}

	if cfg.Store != "postgres" {
		t.Errorf("expected store 'postgres', got %s", cfg.Store)
	}

	if cfg.EscalationNurseBase != 4*time.Minute {
		t.Errorf("expected nurse base 4m, got %s", cfg.EscalationNurseBase)
	}

	if cfg.EscalationMinTimeout != time.Minute {
		t.Errorf("expected min timeout 1m, got %s", cfg.EscalationMinTimeout)
	}

	if cfg.NotifyMaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.NotifyMaxAttempts)
	}

	want := []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}
	if len(cfg.NotifyBackoff) != len(want) {
		t.Fatalf("expected backoff %v, got %v", want, cfg.NotifyBackoff)
	}
	for i := range want {
		if cfg.NotifyBackoff[i] != want[i] {
			t.Errorf("backoff[%d] = %s, want %s", i, cfg.NotifyBackoff[i], want[i])
		}
	}

	if !cfg.AllowDirectResolve {
		t.Error("expected direct resolve to be allowed by default")
	}

	if cfg.RelayPollInterval != 5*time.Second {
		t.Errorf("expected poll interval 5s, got %s", cfg.RelayPollInterval)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ENV", "production")
	t.Setenv("STORE", "memory")
	t.Setenv("ESCALATION_DOCTOR_BASE", "10m")
	t.Setenv("NOTIFY_BACKOFF", "0s, 0s,0s")
	t.Setenv("ALLOW_DIRECT_RESOLVE", "false")
	t.Setenv("SMS_ENABLED", "true")
	t.Setenv("SNS_EVENTS_TOPIC_ARN", "arn:aws:sns:us-east-1:000000000000:alert-events")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}

	if cfg.Store != "memory" {
		t.Errorf("expected store 'memory', got %s", cfg.Store)
	}

	if cfg.EscalationDoctorBase != 10*time.Minute {
		t.Errorf("expected doctor base 10m, got %s", cfg.EscalationDoctorBase)
	}

	if len(cfg.NotifyBackoff) != 3 || cfg.NotifyBackoff[1] != 0 {
		t.Errorf("expected three zero delays, got %v", cfg.NotifyBackoff)
	}

	if cfg.AllowDirectResolve {
		t.Error("expected direct resolve to be disabled")
	}

	if !cfg.SMSEnabled {
		t.Error("expected SMS to be enabled")
	}

	if cfg.SNSEventsTopic != "arn:aws:sns:us-east-1:000000000000:alert-events" {
		t.Errorf("unexpected events topic %q", cfg.SNSEventsTopic)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PORT", "abc"},
		{"STORE", "mongo"},
		{"ESCALATION_MIN_TIMEOUT", "soon"},
		{"NOTIFY_MAX_ATTEMPTS", "0"},
		{"NOTIFY_BACKOFF", "1s,later"},
		{"ALLOW_DIRECT_RESOLVE", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}
