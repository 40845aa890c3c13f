package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/alert"
	"github.com/lalithlochan/carepulse/internal/redis"
	"github.com/lalithlochan/carepulse/internal/relay"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestActorMiddleware(t *testing.T) {
	userID, hospitalID := uuid.New(), uuid.New()

	tests := []struct {
		name     string
		user     string
		role     string
		hospital string
		expected int
	}{
		{"valid", userID.String(), "nurse", hospitalID.String(), http.StatusOK},
		{"missing user", "", "nurse", hospitalID.String(), http.StatusUnauthorized},
		{"bad user", "abc", "nurse", hospitalID.String(), http.StatusUnauthorized},
		{"missing hospital", userID.String(), "nurse", "", http.StatusUnauthorized},
		{"unknown role", userID.String(), "janitor", hospitalID.String(), http.StatusUnauthorized},
		{"missing role", userID.String(), "", hospitalID.String(), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got alert.Actor
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ActorFrom(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("GET", "/v1/alerts", nil)
			req.Header.Set(HeaderUserID, tt.user)
			req.Header.Set(HeaderUserRole, tt.role)
			req.Header.Set(HeaderHospitalID, tt.hospital)
			w := httptest.NewRecorder()
			ActorMiddleware(zap.NewNop())(next).ServeHTTP(w, req)

			if w.Code != tt.expected {
				t.Fatalf("expected %d, got %d", tt.expected, w.Code)
			}
			if tt.expected == http.StatusOK {
				want := alert.Actor{UserID: userID, Role: alert.RoleNurse, HospitalID: hospitalID}
				if got != want {
					t.Errorf("expected actor %+v, got %+v", want, got)
				}
			}
		})
	}
}

func TestActorFrom_Empty(t *testing.T) {
	if a := ActorFrom(context.Background()); a != (alert.Actor{}) {
		t.Errorf("expected zero actor, got %+v", a)
	}
}

func TestRelayIdentity(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/ws", nil)
	if _, _, ok := RelayIdentity(req); ok {
		t.Fatal("expected no identity without an actor")
	}

	actor := alert.Actor{UserID: uuid.New(), Role: alert.RoleDoctor, HospitalID: uuid.New()}
	req = req.WithContext(WithActor(req.Context(), actor))
	hospital, user, ok := RelayIdentity(req)
	if !ok || hospital != actor.HospitalID || user != actor.UserID {
		t.Errorf("got %s %s %v", hospital, user, ok)
	}
}

func TestRelayEndpoint_ScopedToActorHospital(t *testing.T) {
	bus := relay.NewLocalBus(8, zap.NewNop())
	defer bus.Close()
	hub := relay.NewHub(bus, zap.NewNop(), relay.WithIdentity(RelayIdentity))

	r := chi.NewRouter()
	r.Use(ActorMiddleware(zap.NewNop()))
	r.Get("/v1/ws", hub.ServeHTTP)
	srv := httptest.NewServer(r)
	defer srv.Close()

	own, other := uuid.New(), uuid.New()
	headers := http.Header{}
	headers.Set(HeaderUserID, uuid.NewString())
	headers.Set(HeaderUserRole, "nurse")
	headers.Set(HeaderHospitalID, own.String())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"

	tests := []struct {
		name     string
		query    string
		headers  http.Header
		expected int
	}{
		{"no identity", "?hospital_id=" + own.String(), nil, http.StatusUnauthorized},
		{"other hospital", "?hospital_id=" + other.String(), headers, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL+tt.query, tt.headers)
			if err == nil {
				t.Fatal("expected dial to be rejected")
			}
			if resp == nil || resp.StatusCode != tt.expected {
				t.Fatalf("expected %d, got %+v", tt.expected, resp)
			}
		})
	}

	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?hospital_id="+own.String(), headers)
	if err != nil {
		t.Fatalf("own hospital dial failed: %v", err)
	}
	ws.Close()
	if hub.ConnectionCount(other) != 0 {
		t.Error("no socket may subscribe to another hospital")
	}
}

func TestHospitalKeyFunc(t *testing.T) {
	hospitalID := uuid.New()

	req := httptest.NewRequest("GET", "/test", nil)
	if got := HospitalKeyFunc(req); got != "" {
		t.Errorf("expected empty key, got %q", got)
	}

	req.Header.Set(HeaderHospitalID, "from-header")
	if got := HospitalKeyFunc(req); got != "hospital:from-header" {
		t.Errorf("expected header key, got %q", got)
	}

	req = req.WithContext(WithActor(req.Context(), alert.Actor{HospitalID: hospitalID}))
	if got := HospitalKeyFunc(req); got != "hospital:"+hospitalID.String() {
		t.Errorf("expected actor key to take precedence, got %q", got)
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"X-Forwarded-For", "1.2.3.4", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Real-IP", "", "1.2.3.4", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"RemoteAddr fallback", "", "", "5.6.7.8:1234", "ip:5.6.7.8:1234"},
		{"Forwarded takes precedence", "1.1.1.1", "2.2.2.2", "3.3.3.3:1234", "ip:1.1.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			result := IPKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestRateLimitMiddleware_NoLimiter(t *testing.T) {
	middleware := RateLimitMiddleware(nil, nil, HospitalKeyFunc)
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(HeaderHospitalID, uuid.NewString())
	w := httptest.NewRecorder()

	middleware(okHandler()).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func newTestLimiter(t *testing.T, limit int) *redis.RateLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	port, _ := strconv.Atoi(mr.Port())
	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{Limit: limit, Window: time.Minute})
}

func TestRateLimitMiddleware_PerHospital(t *testing.T) {
	limiter := newTestLimiter(t, 2)
	handler := RateLimitMiddleware(limiter, zap.NewNop(), HospitalKeyFunc)(okHandler())

	send := func(hospital string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/v1/alerts", nil)
		req.Header.Set(HeaderHospitalID, hospital)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	busy, quiet := uuid.NewString(), uuid.NewString()
	for i := 0; i < 2; i++ {
		if w := send(busy); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	w := send(busy)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("expected limit header 2, got %q", got)
	}
	if p := decodeProblem(t, w); p.Type != "rate_limit_exceeded" {
		t.Errorf("unexpected problem type %q", p.Type)
	}

	if w := send(quiet); w.Code != http.StatusOK {
		t.Errorf("other hospital should not be limited, got %d", w.Code)
	}
}

func TestRateLimitMiddleware_NoKeyPassesThrough(t *testing.T) {
	limiter := newTestLimiter(t, 1)
	handler := RateLimitMiddleware(limiter, zap.NewNop(), HospitalKeyFunc)(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
}
