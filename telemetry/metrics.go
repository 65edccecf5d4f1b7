// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EntriesSeen        prometheus.Counter
	EntriesRegistered  prometheus.Counter
	EntriesDuplicate   prometheus.Counter
	EntriesGated       prometheus.Counter
	TwitchReconnects   prometheus.Counter
	YouTubePolls       prometheus.Counter
	YouTubeBackoffs    prometheus.Counter
	DrawsTotal         prometheus.Counter
	BusEventsPublished prometheus.Counter
	BusEventsDropped   prometheus.Counter

	// Gauges
	ActiveRunnersGauge  prometheus.Gauge
	BusSubscribersGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EntriesSeen = promauto.NewCounter(prometheus.CounterOpts{Name: "giveaway_entries_seen_total", Help: "Entry command sightings across all adapters"})
		EntriesRegistered = promauto.NewCounter(prometheus.CounterOpts{Name: "giveaway_entries_registered_total", Help: "Entry events that created a new participant"})
		EntriesDuplicate = promauto.NewCounter(prometheus.CounterOpts{Name: "giveaway_entries_duplicate_total", Help: "Entry events collapsed onto an existing participant"})
		EntriesGated = promauto.NewCounter(prometheus.CounterOpts{Name: "giveaway_entries_gated_total", Help: "Entry events dropped because the giveaway was closed"})
		TwitchReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "giveaway_twitch_reconnects_total", Help: "Twitch chat reconnect attempts"})
		YouTubePolls = promauto.NewCounter(prometheus.CounterOpts{Name: "giveaway_youtube_polls_total", Help: "YouTube live chat poll requests"})
		YouTubeBackoffs = promauto.NewCounter(prometheus.CounterOpts{Name: "giveaway_youtube_backoffs_total", Help: "YouTube polls that hit the rate-limit/error backoff path"})
		DrawsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "giveaway_draws_total", Help: "Winners drawn"})
		BusEventsPublished = promauto.NewCounter(prometheus.CounterOpts{Name: "giveaway_bus_events_published_total", Help: "Events published on the in-process bus"})
		BusEventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "giveaway_bus_events_dropped_total", Help: "Events dropped for slow bus subscribers"})
		ActiveRunnersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "giveaway_active_runners", Help: "Currently running giveaway runners"})
		BusSubscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "giveaway_bus_subscribers", Help: "Currently connected bus subscribers"})
	})
}

// Inc increments a counter if metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetActiveRunners records the current runner count.
func SetActiveRunners(n int) {
	if ActiveRunnersGauge != nil {
		ActiveRunnersGauge.Set(float64(n))
	}
}

// SetBusSubscribers records the current subscriber count.
func SetBusSubscribers(n int) {
	if BusSubscribersGauge != nil {
		BusSubscribersGauge.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
