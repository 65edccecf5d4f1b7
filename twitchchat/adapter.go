// Package twitchchat reads a channel's chat over Twitch's IRC-over-websocket
// endpoint and hands each PRIVMSG to a callback. The adapter owns its own
// reconnect loop: credential lookup, channel resolution via Helix, dial,
// authenticate, read. Failures back off exponentially; a successful session
// resets the backoff.
package twitchchat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/liveroll/backend/telemetry"
)

// DefaultIRCURL is Twitch's production chat websocket endpoint.
const DefaultIRCURL = "wss://irc-ws.chat.twitch.tv:443"

// readTimeout bounds the gap between server frames. Twitch PINGs roughly
// every five minutes under low traffic, but also expects clients to tolerate
// quiet channels; 120s matches what the server keeps alive.
const readTimeout = 120 * time.Second

// Credentials is what the adapter needs to authenticate a session.
type Credentials struct {
	Token    string // OAuth access token, without the "oauth:" prefix
	ClientID string
}

// Adapter consumes one channel's chat and invokes Handle per message. Zero
// values for the tunables fall back to production defaults.
type Adapter struct {
	GiveawayID int64

	// Fetch returns current credentials, or nil when no Twitch account is
	// linked yet. Called before every connection attempt so token refreshes
	// and late linking are picked up without restarting the adapter.
	Fetch func(ctx context.Context) (*Credentials, error)

	// Handle receives every parsed PRIVMSG.
	Handle func(ctx context.Context, msg Message)

	IRCURL     string
	HelixURL   string
	HTTPClient *http.Client

	BackoffInitial time.Duration // default 1s
	BackoffCap     time.Duration // default 60s
	IdleRecheck    time.Duration // wait between credential rechecks when unlinked, default 5s
	LoginRetry     time.Duration // wait after a failed Helix channel resolution, default 10s

	Log *slog.Logger
}

func (a *Adapter) logger() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.With(slog.String("component", "twitchchat"), slog.Int64("giveaway_id", a.GiveawayID))
}

func (a *Adapter) defaults() {
	if a.IRCURL == "" {
		a.IRCURL = DefaultIRCURL
	}
	if a.BackoffInitial <= 0 {
		a.BackoffInitial = time.Second
	}
	if a.BackoffCap <= 0 {
		a.BackoffCap = 60 * time.Second
	}
	if a.IdleRecheck <= 0 {
		a.IdleRecheck = 5 * time.Second
	}
	if a.LoginRetry <= 0 {
		a.LoginRetry = 10 * time.Second
	}
}

// Run blocks until ctx is cancelled, maintaining a chat session whenever
// credentials are available.
func (a *Adapter) Run(ctx context.Context) {
	a.defaults()
	log := a.logger()
	backoff := a.BackoffInitial

	for ctx.Err() == nil {
		creds, err := a.Fetch(ctx)
		if err != nil {
			log.Error("fetch twitch credentials", slog.Any("err", err))
			if !sleepCtx(ctx, a.IdleRecheck) {
				return
			}
			continue
		}
		if creds == nil || creds.Token == "" {
			// No account linked yet; recheck soon rather than backing off,
			// so a fresh link is picked up quickly.
			if !sleepCtx(ctx, a.IdleRecheck) {
				return
			}
			continue
		}

		self, err := FetchSelf(ctx, a.HTTPClient, a.HelixURL, creds.ClientID, creds.Token)
		if err != nil {
			log.Warn("resolve twitch channel", slog.Any("err", err))
			if !sleepCtx(ctx, a.LoginRetry) {
				return
			}
			continue
		}

		established, err := a.consume(ctx, creds, self.Login)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("twitch chat session ended", slog.String("channel", self.Login), slog.Any("err", err))
		}
		telemetry.Inc(telemetry.TwitchReconnects)
		if established {
			backoff = a.BackoffInitial
		} else {
			backoff = minDuration(backoff*2, a.BackoffCap)
		}
		if !sleepCtx(ctx, backoff) {
			return
		}
	}
}

// consume dials, authenticates, joins the channel and reads until the
// connection breaks or ctx is cancelled. established reports whether the
// session got far enough to read at least one frame, which is what decides
// backoff reset.
func (a *Adapter) consume(ctx context.Context, creds *Credentials, login string) (established bool, err error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, a.IRCURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", a.IRCURL, err)
	}
	defer conn.Close()

	// Unblock the read loop on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	login = strings.ToLower(login)
	handshake := []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"PASS oauth:" + creds.Token,
		"NICK " + login,
		"JOIN #" + login,
	}
	for _, line := range handshake {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n")); err != nil {
			return false, fmt.Errorf("handshake write: %w", err)
		}
	}
	a.logger().Info("twitch chat connected", slog.String("channel", login))

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return established, err
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return established, err
		}
		established = true
		for _, line := range strings.Split(string(payload), "\r\n") {
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "PING") {
				pong := "PONG" + strings.TrimPrefix(line, "PING")
				if err := conn.WriteMessage(websocket.TextMessage, []byte(pong+"\r\n")); err != nil {
					return established, fmt.Errorf("pong write: %w", err)
				}
				continue
			}
			if msg, ok := parsePrivMsg(line); ok && a.Handle != nil {
				a.Handle(ctx, msg)
			}
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled; reports whether the full
// sleep elapsed.
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
