package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/radiusdt/leadpulse/internal/config"
	"go.uber.org/zap"
)

func ownerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, _ := OwnerID(r.Context())
		w.Write([]byte(owner))
	})
}

func TestAuthMiddleware(t *testing.T) {
	cfg := config.AuthConfig{Enabled: true, JWTSecret: "s3cret", SkipPaths: []string{"/health", "/track"}}
	h := NewAuthMiddleware(cfg, zap.NewNop()).Handler(ownerEcho())

	good, err := IssueToken("s3cret", "owner-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	forged, _ := IssueToken("other", "owner-1", time.Hour)
	expired, _ := IssueToken("s3cret", "owner-1", -time.Minute)
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte("s3cret"))

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
		wantBody   string
	}{
		{"valid", "/analytics", good, http.StatusOK, "owner-1"},
		{"missing", "/analytics", "", http.StatusUnauthorized, ""},
		{"wrong secret", "/analytics", forged, http.StatusUnauthorized, ""},
		{"expired", "/analytics", expired, http.StatusUnauthorized, ""},
		{"no subject", "/analytics", noSubject, http.StatusUnauthorized, ""},
		{"skipped", "/track", "", http.StatusOK, ""},
		{"not a skip prefix", "/trackers", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && rec.Body.String() != tt.wantBody {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	h := NewAuthMiddleware(config.AuthConfig{}, zap.NewNop()).Handler(ownerEcho())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/analytics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRateLimitSeparatesEndpointsAndClients(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: true, TrackRPS: 0.001, TrackBurst: 2, DashboardRPS: 0.001, DashboardBurst: 1}
	rl := NewRateLimitMiddleware(cfg, []string{"/health", "/internal/metrics"}, nil, zap.NewNop())
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func(path, ip string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = ip + ":5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := do("/track", "1.1.1.1"); code != http.StatusOK {
			t.Fatalf("track %d status = %d", i, code)
		}
	}
	if code := do("/track", "1.1.1.1"); code != http.StatusTooManyRequests {
		t.Fatalf("third track status = %d, want 429", code)
	}
	if code := do("/analytics", "1.1.1.1"); code != http.StatusOK {
		t.Fatalf("dashboard status = %d, want its own bucket", code)
	}
	if code := do("/track", "2.2.2.2"); code != http.StatusOK {
		t.Fatalf("other client status = %d, want its own bucket", code)
	}
	if code := do("/health", "1.1.1.1"); code != http.StatusOK {
		t.Fatalf("health status = %d, want unlimited", code)
	}
	for i := 0; i < 3; i++ {
		if code := do("/internal/metrics", "1.1.1.1"); code != http.StatusOK {
			t.Fatalf("configured metrics path status = %d, want unlimited", code)
		}
	}
	if code := do("/metrics", "3.3.3.3"); code != http.StatusOK {
		t.Fatalf("first /metrics status = %d", code)
	}
	if code := do("/metrics", "3.3.3.3"); code != http.StatusTooManyRequests {
		t.Fatalf("/metrics status = %d, want limited when it is not the metrics path", code)
	}
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: true, TrackRPS: 0.001, TrackBurst: 1}
	realIP, err := NewRealIPMiddleware(nil)
	if err != nil {
		t.Fatalf("NewRealIPMiddleware: %v", err)
	}
	rl := NewRateLimitMiddleware(cfg, nil, nil, zap.NewNop())
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), realIP.Handler, rl.Handler)

	for i, spoofed := range []string{"7.7.7.1", "7.7.7.2"} {
		req := httptest.NewRequest(http.MethodPost, "/track", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		req.Header.Set("X-Forwarded-For", spoofed)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		want := http.StatusOK
		if i == 1 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Fatalf("request %d status = %d, want %d", i, rec.Code, want)
		}
	}
}

func TestRateLimitCleanup(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, TrackRPS: 1, TrackBurst: 1}, nil, nil, zap.NewNop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.limiter(EndpointTrack, "1.1.1.1")
	now = now.Add(time.Hour)
	rl.limiter(EndpointTrack, "2.2.2.2")

	if n := rl.Cleanup(30 * time.Minute); n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	if len(rl.limiters) != 1 {
		t.Fatalf("limiters = %d, want 1", len(rl.limiters))
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := NewRecoveryMiddleware(zap.NewNop()).Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		trusted []string
		headers map[string]string
		remote  string
		want    string
	}{
		{"untrusted peer ignores forwarded", nil, map[string]string{"X-Forwarded-For": "9.9.9.9"}, "203.0.113.5:1234", "203.0.113.5"},
		{"untrusted peer ignores real ip", nil, map[string]string{"X-Real-IP": "8.8.8.8"}, "203.0.113.5:1234", "203.0.113.5"},
		{"trusted proxy", []string{"10.0.0.0/8"}, map[string]string{"X-Forwarded-For": "9.9.9.9"}, "10.0.0.2:1234", "9.9.9.9"},
		{"client prepends hops", []string{"10.0.0.0/8"}, map[string]string{"X-Forwarded-For": "1.2.3.4, 9.9.9.9, 10.0.0.7"}, "10.0.0.2:1234", "9.9.9.9"},
		{"all hops trusted", []string{"10.0.0.0/8"}, map[string]string{"X-Forwarded-For": "10.0.0.9, 10.0.0.7"}, "10.0.0.2:1234", "10.0.0.9"},
		{"garbage hop", []string{"10.0.0.0/8"}, map[string]string{"X-Forwarded-For": "nonsense"}, "10.0.0.2:1234", "10.0.0.2"},
		{"trusted real ip", []string{"10.0.0.0/8"}, map[string]string{"X-Real-IP": "8.8.8.8"}, "10.0.0.2:1234", "8.8.8.8"},
		{"remote v4", nil, nil, "10.0.0.2:1234", "10.0.0.2"},
		{"remote v6", nil, nil, "[::1]:1234", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewRealIPMiddleware(tt.trusted)
			if err != nil {
				t.Fatalf("NewRealIPMiddleware: %v", err)
			}
			var got string
			h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIP(r)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Fatalf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIPWithoutMiddlewareUsesPeer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	req.Header.Set("X-Forwarded-For", "9.9.9.9")
	if got := ClientIP(req); got != "203.0.113.5" {
		t.Fatalf("ClientIP() = %q, want the peer address", got)
	}
}

func TestNewRealIPMiddlewareRejectsBadCIDR(t *testing.T) {
	if _, err := NewRealIPMiddleware([]string{"10.0.0.1"}); err == nil {
		t.Fatal("expected an error for an address without a prefix length")
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger("debug", format)
		if err != nil {
			t.Fatalf("NewLogger(%s): %v", format, err)
		}
		if !logger.Core().Enabled(zap.DebugLevel) {
			t.Fatalf("%s logger not at debug", format)
		}
	}
}
