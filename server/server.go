// Package server exposes the HTTP API: giveaway CRUD and control actions,
// OAuth account linking, health, status, metrics, and the websocket event
// streams the dashboard and overlay subscribe to. Correlation IDs are
// injected into request contexts for consistent logging.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/liveroll/backend/telemetry"
)

// Control actions mutate runner state; they carry rate limiting on top of
// the control auth applied to all mutating giveaway endpoints.
var controlActionPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`^/giveaways/\d+/(start|stop|clear|draw)$`)
})

var mutatingGiveawayPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`^/giveaways(/.*)?$`)
})

// NewMux returns the HTTP handler with all routes wired to h.
func NewMux(h *Handlers) http.Handler {
	authCfg := loadAuthConfig()
	limiter := newRateLimiter()

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)

	mux.HandleFunc("/giveaways", h.HandleGiveaways)
	mux.HandleFunc("/giveaways/", h.HandleGiveawayDispatch)

	mux.HandleFunc("/auth/twitch/start", h.HandleTwitchLinkStart)
	mux.HandleFunc("/auth/twitch/callback", h.HandleTwitchLinkCallback)
	mux.HandleFunc("/auth/google/start", h.HandleGoogleLinkStart)
	mux.HandleFunc("/auth/google/callback", h.HandleGoogleLinkCallback)

	mux.HandleFunc("/ws/giveaways/", h.HandleDashboardWS)
	mux.HandleFunc("/ws/overlay/", h.HandleOverlayWS)

	// Mutating giveaway endpoints require control auth; control actions are
	// additionally rate limited. Reads, health, and the websocket streams
	// stay open.
	selective := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && mutatingGiveawayPattern().MatchString(r.URL.Path) {
			inner := http.Handler(mux)
			if controlActionPattern().MatchString(r.URL.Path) {
				inner = rateLimit(inner, limiter)
			}
			controlAuth(inner, authCfg).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selective.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		if rec.statusCode >= 400 {
			span.SetStatus(telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", rec.statusCode)))
		}
	})
	return withCORS(handler)
}

// statusRecorder captures the response status for span annotation. Hijack is
// forwarded so websocket upgrades keep working through the middleware.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("hijack not supported")
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Start runs the HTTP server and shuts down gracefully on cancellation.
func Start(ctx context.Context, h *Handlers, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     NewMux(h),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
