package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/alert"
	"github.com/lalithlochan/carepulse/internal/metrics"
	"github.com/lalithlochan/carepulse/internal/redis"
)

type contextKey struct{}

var actorKey contextKey

// Identity headers set by the authenticating proxy in front of the gateway.
const (
	HeaderUserID     = "X-User-ID"
	HeaderUserRole   = "X-User-Role"
	HeaderHospitalID = "X-Hospital-ID"
)

// ActorMiddleware resolves the caller from the identity headers and rejects
// requests that lack a valid identity.
func ActorMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, detail := actorFromHeaders(r)
			if detail != "" {
				logger.Debug("unauthenticated request",
					zap.String("path", r.URL.Path),
					zap.String("reason", detail),
				)
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "unauthorized",
					Title:  "Unauthorized",
					Status: http.StatusUnauthorized,
					Detail: detail,
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func actorFromHeaders(r *http.Request) (alert.Actor, string) {
	userID, err := uuid.Parse(r.Header.Get(HeaderUserID))
	if err != nil {
		return alert.Actor{}, HeaderUserID + " must be a valid UUID"
	}
	hospitalID, err := uuid.Parse(r.Header.Get(HeaderHospitalID))
	if err != nil {
		return alert.Actor{}, HeaderHospitalID + " must be a valid UUID"
	}
	role, err := alert.ParseRole(r.Header.Get(HeaderUserRole))
	if err != nil {
		return alert.Actor{}, err.Error()
	}
	return alert.Actor{UserID: userID, Role: role, HospitalID: hospitalID}, ""
}

// WithActor stores the caller on the context.
func WithActor(ctx context.Context, a alert.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// RelayIdentity resolves a websocket caller from the actor stored by
// ActorMiddleware. It matches relay.Identity.
func RelayIdentity(r *http.Request) (hospitalID, userID uuid.UUID, ok bool) {
	a := ActorFrom(r.Context())
	if a.UserID == uuid.Nil || a.HospitalID == uuid.Nil {
		return uuid.Nil, uuid.Nil, false
	}
	return a.HospitalID, a.UserID, true
}

// ActorFrom returns the caller stored by ActorMiddleware, or the zero Actor.
func ActorFrom(ctx context.Context) alert.Actor {
	a, _ := ctx.Value(actorKey).(alert.Actor)
	return a
}

// RateLimitMiddleware creates an HTTP middleware that enforces rate limits.
// The keyFunc extracts the rate limit key from the request (e.g., hospital ID, IP).
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(strings.TrimPrefix(key, "hospital:"))
				retryAfter := time.Until(result.ResetAt).Seconds()
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter)))
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "rate_limit_exceeded",
					Title:  "Too Many Requests",
					Status: http.StatusTooManyRequests,
					Detail: "Rate limit exceeded. Please retry after the specified time.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HospitalKeyFunc keys the limiter on the caller's hospital. It falls back to
// the raw header so it also works ahead of ActorMiddleware.
func HospitalKeyFunc(r *http.Request) string {
	if a := ActorFrom(r.Context()); a.HospitalID != uuid.Nil {
		return "hospital:" + a.HospitalID.String()
	}
	if id := r.Header.Get(HeaderHospitalID); id != "" {
		return "hospital:" + id
	}
	return ""
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}
