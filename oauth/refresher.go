package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/liveroll/backend/db"
)

// Refresher keeps linked accounts' tokens fresh in the background so chat
// adapters never pick up an expired token. Each sweep refreshes every
// account expiring inside the window; sweeps are jittered so replicas do
// not stampede the provider.
type Refresher struct {
	DB     *sql.DB
	Twitch *TwitchClient
	Google *GoogleClient

	Interval time.Duration // sweep period, default 60s
	Window   time.Duration // refresh tokens expiring within, default 10m
}

func (r *Refresher) defaults() {
	if r.Interval <= 0 {
		r.Interval = 60 * time.Second
	}
	if r.Window <= 0 {
		r.Window = 10 * time.Minute
	}
}

// Run sweeps until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	r.defaults()
	for {
		// Up to 10% jitter on top of the base interval.
		jitter := time.Duration(rand.Int63n(int64(r.Interval)/10 + 1))
		t := time.NewTimer(r.Interval + jitter)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		r.sweep(ctx)
	}
}

// sweep refreshes every account nearing expiry, one provider at a time.
func (r *Refresher) sweep(ctx context.Context) {
	r.defaults()
	if r.Twitch != nil {
		r.sweepProvider(ctx, db.ProviderTwitch, func(ctx context.Context, refresh string) (*Token, error) {
			return r.Twitch.Refresh(ctx, refresh)
		})
	}
	if r.Google != nil {
		r.sweepProvider(ctx, db.ProviderGoogle, func(ctx context.Context, refresh string) (*Token, error) {
			return r.Google.Refresh(ctx, refresh)
		})
	}
}

func (r *Refresher) sweepProvider(ctx context.Context, provider db.Provider, refresh func(context.Context, string) (*Token, error)) {
	log := slog.With(slog.String("component", "oauth_refresher"), slog.String("provider", string(provider)))
	ids, err := db.ListOAuthAccountsNeedingRefresh(ctx, r.DB, provider, r.Window)
	if err != nil {
		log.Error("list accounts needing refresh", slog.Any("err", err))
		return
	}
	for _, userID := range ids {
		acc, err := db.GetOAuthAccount(ctx, r.DB, userID, provider)
		if err != nil {
			log.Error("load account", slog.Any("err", err), slog.Int64("user_id", userID))
			continue
		}
		if acc == nil || acc.RefreshToken == "" {
			continue
		}
		tok, err := refresh(ctx, acc.RefreshToken)
		if err != nil {
			log.Warn("token refresh failed", slog.Any("err", err), slog.Int64("user_id", userID))
			continue
		}
		// Providers may omit the refresh token on renewal; keep the old one.
		if tok.RefreshToken == "" {
			tok.RefreshToken = acc.RefreshToken
		}
		if tok.Scopes == "" {
			tok.Scopes = acc.Scopes
		}
		if err := db.UpsertOAuthAccount(ctx, r.DB, userID, provider, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt, tok.Scopes, acc.ProviderUserID); err != nil {
			log.Error("store refreshed token", slog.Any("err", err), slog.Int64("user_id", userID))
			continue
		}
		log.Info("token refreshed", slog.Int64("user_id", userID), slog.Time("expires_at", tok.ExpiresAt))
	}
}
