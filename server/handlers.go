package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/onnwee/liveroll/backend/bus"
	"github.com/onnwee/liveroll/backend/db"
	"github.com/onnwee/liveroll/backend/giveaway"
	"github.com/onnwee/liveroll/backend/oauth"
	"github.com/onnwee/liveroll/backend/youtubechat"
)

// Handlers carries the dependencies shared by all HTTP handlers.
type Handlers struct {
	DB     *sql.DB
	Svc    *giveaway.Service
	Mgr    *giveaway.Manager
	Twitch *oauth.TwitchClient
	Google *oauth.GoogleClient

	// HelixURL overrides the Twitch API base for tests.
	HelixURL string

	// YouTubeService overrides the YouTube client constructor for tests.
	YouTubeService func(ctx context.Context, token string) (*youtube.Service, error)

	states *stateStore
}

// NewHandlers wires the handler set.
func NewHandlers(svc *giveaway.Service, mgr *giveaway.Manager, twitch *oauth.TwitchClient, google *oauth.GoogleClient) *Handlers {
	return &Handlers{
		DB:     svc.DB,
		Svc:    svc,
		Mgr:    mgr,
		Twitch: twitch,
		Google: google,
		states: newStateStore(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// HandleHealthz reports process liveness.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz reports readiness: the database must answer.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports a service-level summary.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	dbOK := h.DB.PingContext(r.Context()) == nil
	writeJSON(w, http.StatusOK, map[string]any{
		"db_ok":           dbOK,
		"active_runners":  h.Mgr.Count(),
		"bus_subscribers": h.Svc.Bus.SubscriberCount(),
		"ts":              time.Now().UTC(),
	})
}

type giveawayJSON struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	Name           string    `json:"name"`
	Command        string    `json:"command"`
	IsOpen         bool      `json:"is_open"`
	TickerMessage  string    `json:"ticker_message,omitempty"`
	YouTubeVideoID string    `json:"youtube_video_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toGiveawayJSON(g *db.Giveaway) giveawayJSON {
	return giveawayJSON{
		ID:             g.ID,
		UserID:         g.UserID,
		Name:           g.Name,
		Command:        g.Command,
		IsOpen:         g.IsOpen,
		TickerMessage:  g.TickerMessage.String,
		YouTubeVideoID: g.YouTubeVideoID.String,
		CreatedAt:      g.CreatedAt,
	}
}

// HandleGiveaways serves POST /giveaways (create) and GET /giveaways?user_id=.
func (h *Handlers) HandleGiveaways(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodPost:
		var req struct {
			UserID  int64  `json:"user_id"`
			Name    string `json:"name"`
			Command string `json:"command"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.UserID <= 0 || strings.TrimSpace(req.Name) == "" {
			writeError(w, http.StatusBadRequest, "user_id and name are required")
			return
		}
		cmd := giveaway.NormalizeCommand(req.Command)
		if cmd == "" {
			cmd = h.Svc.Cfg.DefaultCommand
		}
		g, err := db.CreateGiveaway(ctx, h.DB, req.UserID, strings.TrimSpace(req.Name), cmd)
		if err != nil {
			slog.Error("create giveaway", slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "create failed")
			return
		}
		writeJSON(w, http.StatusCreated, toGiveawayJSON(g))

	case http.MethodGet:
		userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
		if err != nil || userID <= 0 {
			writeError(w, http.StatusBadRequest, "user_id query parameter required")
			return
		}
		list, err := db.ListGiveawaysByUser(ctx, h.DB, userID)
		if err != nil {
			slog.Error("list giveaways", slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "list failed")
			return
		}
		out := make([]giveawayJSON, 0, len(list))
		for i := range list {
			out = append(out, toGiveawayJSON(&list[i]))
		}
		writeJSON(w, http.StatusOK, out)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleGiveawayDispatch routes /giveaways/{id} and /giveaways/{id}/{action}.
func (h *Handlers) HandleGiveawayDispatch(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/giveaways/")
	idStr, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid giveaway id")
		return
	}

	ctx := r.Context()
	g, err := db.GetGiveaway(ctx, h.DB, id)
	if err != nil {
		slog.Error("load giveaway", slog.Any("err", err), slog.Int64("giveaway_id", id))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if g == nil {
		writeError(w, http.StatusNotFound, "giveaway not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		snap, err := h.Svc.Snapshot(ctx, id)
		if err != nil || snap == nil {
			writeError(w, http.StatusInternalServerError, "snapshot failed")
			return
		}
		writeJSON(w, http.StatusOK, snap)

	case action == "" && r.Method == http.MethodDelete:
		// Tear down the runner before the rows go away.
		if err := h.Mgr.Stop(ctx, id, g.UserID); err != nil {
			slog.Error("stop before delete", slog.Any("err", err), slog.Int64("giveaway_id", id))
		}
		if err := db.DeleteGiveaway(ctx, h.DB, id); err != nil {
			writeError(w, http.StatusInternalServerError, "delete failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case action == "start" && r.Method == http.MethodPost:
		resp := map[string]string{"status": "accepted"}
		if warn := h.discoverLiveChat(ctx, g); warn != "" {
			resp["warning"] = warn
		}
		h.Svc.Bus.PublishControl(bus.ActionStart, id, g.UserID)
		writeJSON(w, http.StatusAccepted, resp)

	case action == "stop" && r.Method == http.MethodPost:
		h.Svc.Bus.PublishControl(bus.ActionStop, id, g.UserID)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})

	case action == "clear" && r.Method == http.MethodPost:
		h.Svc.Bus.PublishControl(bus.ActionClear, id, g.UserID)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})

	case action == "draw" && r.Method == http.MethodPost:
		winner, err := h.Svc.Draw(ctx, id, g.UserID)
		if err != nil {
			slog.Error("draw", slog.Any("err", err), slog.Int64("giveaway_id", id))
			writeError(w, http.StatusInternalServerError, "draw failed")
			return
		}
		if winner == nil {
			writeError(w, http.StatusConflict, "no participants to draw from")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"display_name": winner.DisplayName,
			"platform":     winner.Platform,
			"drawn_at":     winner.DrawnAt,
		})

	case action == "ticker" && r.Method == http.MethodPost:
		var req struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := db.SetTickerMessage(ctx, h.DB, id, req.Message); err != nil {
			writeError(w, http.StatusInternalServerError, "update failed")
			return
		}
		h.Svc.PublishState(ctx, id)
		w.WriteHeader(http.StatusNoContent)

	case action == "youtube" && r.Method == http.MethodPost:
		var req struct {
			VideoID string `json:"video_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := db.SetYouTubeVideoID(ctx, h.DB, id, strings.TrimSpace(req.VideoID)); err != nil {
			writeError(w, http.StatusInternalServerError, "update failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case action == "winners" && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		winners, err := db.ListWinners(ctx, h.DB, id, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list failed")
			return
		}
		out := make([]map[string]any, 0, len(winners))
		for _, wn := range winners {
			out = append(out, map[string]any{
				"display_name": wn.DisplayName,
				"platform":     wn.Platform,
				"drawn_at":     wn.DrawnAt,
			})
		}
		writeJSON(w, http.StatusOK, out)

	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

// discoverLiveChat eagerly resolves the YouTube live chat on start so the
// dashboard can flag a stream that is not live yet. Any failure is a warning,
// never an error: the poller keeps retrying discovery on its own.
func (h *Handlers) discoverLiveChat(ctx context.Context, g *db.Giveaway) string {
	const warn = "no YouTube live chat detected; polling will keep looking"

	if g.YouTubeLiveChatID.String != "" {
		return ""
	}
	acc, err := db.GetOAuthAccount(ctx, h.DB, g.UserID, db.ProviderGoogle)
	if err != nil || acc == nil || acc.AccessToken == "" {
		// No linked Google account means no YouTube ingestion to warn about.
		return ""
	}

	newService := h.YouTubeService
	if newService == nil {
		newService = func(ctx context.Context, token string) (*youtube.Service, error) {
			ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
			return youtube.NewService(ctx, option.WithTokenSource(ts))
		}
	}
	svc, err := newService(ctx, acc.AccessToken)
	if err != nil {
		slog.Warn("build youtube service for discovery", slog.Any("err", err), slog.Int64("giveaway_id", g.ID))
		return warn
	}
	chatID, err := youtubechat.DiscoverLiveChatID(ctx, svc, g.YouTubeVideoID.String)
	if err != nil || chatID == "" {
		slog.Warn("eager live chat discovery", slog.Any("err", err), slog.Int64("giveaway_id", g.ID))
		return warn
	}
	if err := db.SetLiveChatID(ctx, h.DB, g.ID, chatID); err != nil {
		slog.Error("store live chat id", slog.Any("err", err), slog.Int64("giveaway_id", g.ID))
	}
	return ""
}
