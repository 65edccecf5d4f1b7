package giveaway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/liveroll/backend/db"
	"github.com/onnwee/liveroll/backend/telemetry"
	"github.com/onnwee/liveroll/backend/twitchchat"
	"github.com/onnwee/liveroll/backend/youtubechat"
)

// Runner owns the chat adapters for one giveaway. Both adapters feed the
// same entry path; each looks up its own credentials so accounts linked
// after start are picked up without a restart.
type Runner struct {
	GiveawayID int64
	Service    *Service

	// Endpoint overrides for tests; empty uses production endpoints.
	IRCURL   string
	HelixURL string
}

// Run blocks until ctx is cancelled. When Run returns, no further entries
// from this runner are registered.
func (r *Runner) Run(ctx context.Context) {
	log := slog.With(slog.String("component", "runner"), slog.Int64("giveaway_id", r.GiveawayID))

	g, err := db.GetGiveaway(ctx, r.Service.DB, r.GiveawayID)
	if err != nil {
		log.Error("load giveaway", slog.Any("err", err))
		return
	}
	if g == nil {
		log.Warn("giveaway gone before runner start")
		return
	}
	ownerID := g.UserID
	cfg := r.Service.Cfg

	twitch := &twitchchat.Adapter{
		GiveawayID: r.GiveawayID,
		IRCURL:     r.IRCURL,
		HelixURL:   r.HelixURL,
		Fetch: func(ctx context.Context) (*twitchchat.Credentials, error) {
			acc, err := db.GetOAuthAccount(ctx, r.Service.DB, ownerID, db.ProviderTwitch)
			if err != nil || acc == nil {
				return nil, err
			}
			return &twitchchat.Credentials{Token: acc.AccessToken, ClientID: cfg.TwitchClientID}, nil
		},
		Handle: func(ctx context.Context, msg twitchchat.Message) {
			r.handleChat(ctx, db.PlatformTwitch, msg.UserID, msg.DisplayName, msg.Text)
		},
		BackoffInitial: cfg.TwitchBackoffInitial,
		BackoffCap:     cfg.TwitchBackoffCap,
	}

	youtube := &youtubechat.Poller{
		GiveawayID: r.GiveawayID,
		Fetch: func(ctx context.Context) (string, error) {
			acc, err := db.GetOAuthAccount(ctx, r.Service.DB, ownerID, db.ProviderGoogle)
			if err != nil || acc == nil {
				return "", err
			}
			return acc.AccessToken, nil
		},
		Handle: func(ctx context.Context, msg youtubechat.Message) {
			r.handleChat(ctx, db.PlatformYouTube, msg.ChannelID, msg.DisplayName, msg.Text)
		},
		LookupIDs: func(ctx context.Context) (string, string, error) {
			g, err := db.GetGiveaway(ctx, r.Service.DB, r.GiveawayID)
			if err != nil || g == nil {
				return "", "", err
			}
			return g.YouTubeVideoID.String, g.YouTubeLiveChatID.String, nil
		},
		StoreChatID: func(ctx context.Context, chatID string) error {
			return db.SetLiveChatID(ctx, r.Service.DB, r.GiveawayID, chatID)
		},
		PollFloor:  cfg.YouTubePollFloor,
		BackoffCap: cfg.YouTubeBackoffCap,
	}

	log.Info("runner started")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); twitch.Run(ctx) }()
	go func() { defer wg.Done(); youtube.Run(ctx) }()
	wg.Wait()
	log.Info("runner stopped")
}

// handleChat is the shared entry path for both platforms: match the command,
// re-check the open gate, register.
func (r *Runner) handleChat(ctx context.Context, platform db.Platform, platformUserID, displayName, text string) {
	g, err := db.GetGiveaway(ctx, r.Service.DB, r.GiveawayID)
	if err != nil {
		slog.Error("load giveaway for entry", slog.Any("err", err), slog.Int64("giveaway_id", r.GiveawayID))
		return
	}
	if g == nil {
		return
	}
	if !MatchesCommand(text, NormalizeCommand(g.Command)) {
		return
	}
	telemetry.Inc(telemetry.EntriesSeen)
	if _, err := r.Service.Register(ctx, g, platform, platformUserID, displayName); err != nil {
		slog.Error("register entry", slog.Any("err", err),
			slog.Int64("giveaway_id", r.GiveawayID), slog.String("platform", string(platform)))
	}
}
