// Package youtubechat polls a YouTube live chat and hands each message to a
// callback. YouTube has no push chat API; the poller honors the server's
// pollingIntervalMillis hint, clamped to a floor, and backs off on quota and
// transient errors without losing its page cursor.
package youtubechat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/onnwee/liveroll/backend/telemetry"
)

// Message is one live chat message attributed to a channel identity.
type Message struct {
	ChannelID   string
	DisplayName string
	Text        string
}

// errChatGone signals the live chat id is no longer valid (stream ended or
// chat disabled) and discovery must run again.
var errChatGone = errors.New("live chat no longer available")

// Poller consumes one giveaway's YouTube live chat. Zero values for the
// tunables fall back to production defaults.
type Poller struct {
	GiveawayID int64

	// Fetch returns a current access token, or "" when no Google account is
	// linked. Called before building each API session.
	Fetch func(ctx context.Context) (string, error)

	// Handle receives every chat message that carries an author channel id.
	Handle func(ctx context.Context, msg Message)

	// LookupIDs returns the configured video id and any previously
	// discovered live chat id for the giveaway.
	LookupIDs func(ctx context.Context) (videoID, chatID string, err error)

	// StoreChatID persists a discovered live chat id so later sessions skip
	// discovery.
	StoreChatID func(ctx context.Context, chatID string) error

	PollFloor      time.Duration // minimum wait between polls, default 2s
	BackoffCap     time.Duration // error backoff ceiling, default 60s
	DiscoveryRetry time.Duration // wait after failed chat id discovery, default 10s
	IdleRecheck    time.Duration // wait between credential rechecks when unlinked, default 5s

	// NewService builds the API client; tests point it at a fake server.
	NewService func(ctx context.Context, token string) (*youtube.Service, error)

	Log *slog.Logger
}

func (p *Poller) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.With(slog.String("component", "youtubechat"), slog.Int64("giveaway_id", p.GiveawayID))
}

func (p *Poller) defaults() {
	if p.PollFloor <= 0 {
		p.PollFloor = 2 * time.Second
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = 60 * time.Second
	}
	if p.DiscoveryRetry <= 0 {
		p.DiscoveryRetry = 10 * time.Second
	}
	if p.IdleRecheck <= 0 {
		p.IdleRecheck = 5 * time.Second
	}
	if p.NewService == nil {
		p.NewService = func(ctx context.Context, token string) (*youtube.Service, error) {
			ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
			return youtube.NewService(ctx, option.WithTokenSource(ts))
		}
	}
}

// Run blocks until ctx is cancelled, polling chat whenever an account is
// linked and a live chat can be found.
func (p *Poller) Run(ctx context.Context) {
	p.defaults()
	log := p.logger()

	for ctx.Err() == nil {
		token, err := p.Fetch(ctx)
		if err != nil {
			log.Error("fetch google credentials", slog.Any("err", err))
			if !sleepCtx(ctx, p.IdleRecheck) {
				return
			}
			continue
		}
		if token == "" {
			if !sleepCtx(ctx, p.IdleRecheck) {
				return
			}
			continue
		}

		svc, err := p.NewService(ctx, token)
		if err != nil {
			log.Error("build youtube service", slog.Any("err", err))
			if !sleepCtx(ctx, p.IdleRecheck) {
				return
			}
			continue
		}

		chatID, err := p.resolveLiveChatID(ctx, svc)
		if err != nil || chatID == "" {
			if err != nil {
				log.Warn("discover live chat", slog.Any("err", err))
			}
			if !sleepCtx(ctx, p.DiscoveryRetry) {
				return
			}
			continue
		}

		err = p.poll(ctx, svc, chatID)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errChatGone) {
			log.Info("live chat ended, rediscovering")
			if p.StoreChatID != nil {
				if serr := p.StoreChatID(ctx, ""); serr != nil {
					log.Error("clear live chat id", slog.Any("err", serr))
				}
			}
			continue
		}
		if err != nil {
			log.Warn("youtube poll session ended", slog.Any("err", err))
		}
	}
}

// DiscoverLiveChatID resolves the active live chat id for the configured
// video, or, when videoID is empty, for the authorized channel's current live
// broadcast. The search API rejects forMine together with eventType, so the
// fallback resolves the channel id first and searches by it.
func DiscoverLiveChatID(ctx context.Context, svc *youtube.Service, videoID string) (string, error) {
	if videoID == "" {
		cresp, err := svc.Channels.List([]string{"id"}).Mine(true).Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("channels.list mine: %w", err)
		}
		if len(cresp.Items) == 0 || cresp.Items[0].Id == "" {
			return "", errors.New("no channel for the authorized account")
		}
		sresp, err := svc.Search.List([]string{"id"}).
			ChannelId(cresp.Items[0].Id).EventType("live").Type("video").MaxResults(1).Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("search live broadcast: %w", err)
		}
		if len(sresp.Items) == 0 || sresp.Items[0].Id == nil || sresp.Items[0].Id.VideoId == "" {
			return "", errors.New("no live broadcast found")
		}
		videoID = sresp.Items[0].Id.VideoId
	}

	vresp, err := svc.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("videos.list %s: %w", videoID, err)
	}
	if len(vresp.Items) == 0 || vresp.Items[0].LiveStreamingDetails == nil {
		return "", fmt.Errorf("video %s has no live streaming details", videoID)
	}
	chatID := vresp.Items[0].LiveStreamingDetails.ActiveLiveChatId
	if chatID == "" {
		return "", fmt.Errorf("video %s has no active live chat", videoID)
	}
	return chatID, nil
}

// resolveLiveChatID finds the active live chat for the giveaway: a previously
// stored chat id short-circuits, otherwise discovery runs and the result is
// persisted for later sessions.
func (p *Poller) resolveLiveChatID(ctx context.Context, svc *youtube.Service) (string, error) {
	videoID, chatID, err := p.LookupIDs(ctx)
	if err != nil {
		return "", fmt.Errorf("lookup youtube ids: %w", err)
	}
	if chatID != "" {
		return chatID, nil
	}

	chatID, err = DiscoverLiveChatID(ctx, svc, videoID)
	if err != nil {
		return "", err
	}
	if p.StoreChatID != nil {
		if err := p.StoreChatID(ctx, chatID); err != nil {
			return "", fmt.Errorf("store live chat id: %w", err)
		}
	}
	return chatID, nil
}

// poll loops on liveChatMessages.list until the chat disappears or ctx is
// cancelled. Transient errors (quota, rate limit, server) back off without
// advancing the page token, so no messages are skipped.
func (p *Poller) poll(ctx context.Context, svc *youtube.Service, chatID string) error {
	log := p.logger()
	backoff := p.PollFloor
	pageToken := ""

	for ctx.Err() == nil {
		resp, err := svc.LiveChatMessages.List(chatID, []string{"snippet", "authorDetails"}).
			MaxResults(200).PageToken(pageToken).Context(ctx).Do()
		telemetry.Inc(telemetry.YouTubePolls)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == 404 {
				return errChatGone
			}
			if errors.As(err, &gerr) {
				switch gerr.Code {
				case 403, 429, 500, 503:
					telemetry.Inc(telemetry.YouTubeBackoffs)
					log.Warn("youtube poll backoff", slog.Int("code", gerr.Code), slog.Duration("wait", backoff))
					if !sleepCtx(ctx, backoff) {
						return ctx.Err()
					}
					backoff = minDuration(backoff*2, p.BackoffCap)
					continue
				}
			}
			return fmt.Errorf("liveChatMessages.list: %w", err)
		}
		backoff = p.PollFloor

		for _, item := range resp.Items {
			if item.AuthorDetails == nil || item.AuthorDetails.ChannelId == "" || item.Snippet == nil {
				continue
			}
			if p.Handle != nil {
				p.Handle(ctx, Message{
					ChannelID:   item.AuthorDetails.ChannelId,
					DisplayName: item.AuthorDetails.DisplayName,
					Text:        item.Snippet.DisplayMessage,
				})
			}
		}
		pageToken = resp.NextPageToken

		wait := p.PollFloor
		if hinted := time.Duration(resp.PollingIntervalMillis) * time.Millisecond; hinted > wait {
			wait = hinted
		}
		if !sleepCtx(ctx, wait) {
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
