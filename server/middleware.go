package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// authConfig protects mutating control endpoints. Either token auth
// (X-Control-Token) or basic auth may be configured; with neither set the
// control plane is open, which is only acceptable in development.
type authConfig struct {
	username string
	password string
	token    string
	enabled  bool
}

func loadAuthConfig() *authConfig {
	cfg := &authConfig{
		username: os.Getenv("CONTROL_USERNAME"),
		password: os.Getenv("CONTROL_PASSWORD"),
		token:    os.Getenv("CONTROL_TOKEN"),
	}
	cfg.enabled = (cfg.username != "" && cfg.password != "") || cfg.token != ""
	if !cfg.enabled {
		slog.Warn("control authentication not configured - control endpoints are UNPROTECTED. Set CONTROL_USERNAME+CONTROL_PASSWORD or CONTROL_TOKEN for production")
	}
	return cfg
}

func controlAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.enabled {
			next.ServeHTTP(w, r)
			return
		}
		if cfg.token != "" {
			t := r.Header.Get("X-Control-Token")
			if t != "" && subtle.ConstantTimeCompare([]byte(t), []byte(cfg.token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		if cfg.username != "" && cfg.password != "" {
			u, p, ok := r.BasicAuth()
			if ok &&
				subtle.ConstantTimeCompare([]byte(u), []byte(cfg.username)) == 1 &&
				subtle.ConstantTimeCompare([]byte(p), []byte(cfg.password)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="liveroll control"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("control auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
	})
}

// rateLimiter is a sliding-window per-IP limiter for control actions.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string][]time.Time
	limit    int
	window   time.Duration
	enabled  bool
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string][]time.Time),
		limit:    30,
		window:   time.Minute,
		enabled:  os.Getenv("RATE_LIMIT_ENABLED") != "0",
	}
	if v, err := strconv.Atoi(os.Getenv("RATE_LIMIT_REQUESTS_PER_IP")); err == nil && v > 0 {
		rl.limit = v
	}
	if v, err := strconv.Atoi(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); err == nil && v > 0 {
		rl.window = time.Duration(v) * time.Second
	}
	return rl
}

func (rl *rateLimiter) allow(ip string) bool {
	if !rl.enabled {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-rl.window)
	kept := rl.visitors[ip][:0]
	for _, t := range rl.visitors[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= rl.limit {
		rl.visitors[ip] = kept
		return false
	}
	rl.visitors[ip] = append(kept, now)
	return true
}

func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ = strings.Cut(fwd, ",")
		ip = strings.TrimSpace(ip)
	}
	if idx := strings.LastIndex(ip, ":"); idx >= 0 {
		ip = ip[:idx]
	}
	return ip
}

func rateLimit(next http.Handler, rl *rateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withCORS applies permissive CORS in development, or the configured origin
// allowlist otherwise.
func withCORS(next http.Handler) http.Handler {
	env := strings.ToLower(os.Getenv("ENV"))
	permissive := env == "" || env == "dev" || env == "development"
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		permissive = v == "1" || v == "true"
	}
	var allowed []string
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed = append(allowed, o)
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case permissive:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && originAllowed(origin, allowed):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if w.Header().Get("Access-Control-Allow-Origin") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Control-Token, X-Correlation-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if origin == a {
			return true
		}
		if strings.HasPrefix(a, "*.") {
			domain := a[2:]
			if strings.HasSuffix(origin, "."+domain) {
				return true
			}
		}
	}
	return false
}
