package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/liveroll/backend/db"
	"github.com/onnwee/liveroll/backend/twitchchat"
)

// stateStore holds pending OAuth states so callbacks can be tied back to the
// user who started the link. Entries expire after ten minutes.
type stateStore struct {
	mu      sync.Mutex
	pending map[string]stateEntry
}

type stateEntry struct {
	userID  int64
	expires time.Time
}

func newStateStore() *stateStore {
	return &stateStore{pending: make(map[string]stateEntry)}
}

func (s *stateStore) put(state string, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, e := range s.pending {
		if now.After(e.expires) {
			delete(s.pending, k)
		}
	}
	s.pending[state] = stateEntry{userID: userID, expires: now.Add(10 * time.Minute)}
}

// take consumes a state, returning the user it belongs to.
func (s *stateStore) take(state string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[state]
	if !ok || time.Now().After(e.expires) {
		return 0, false
	}
	delete(s.pending, state)
	return e.userID, true
}

func (h *Handlers) linkStart(w http.ResponseWriter, r *http.Request, authorize func(state string) string) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}
	state := uuid.New().String()
	h.states.put(state, userID)
	http.Redirect(w, r, authorize(state), http.StatusFound)
}

// HandleTwitchLinkStart redirects the user to Twitch's consent page.
func (h *Handlers) HandleTwitchLinkStart(w http.ResponseWriter, r *http.Request) {
	if h.Twitch == nil || h.Twitch.ClientID == "" {
		writeError(w, http.StatusServiceUnavailable, "twitch linking not configured")
		return
	}
	h.linkStart(w, r, h.Twitch.AuthorizeURL)
}

// HandleTwitchLinkCallback exchanges the code and stores the linked account.
func (h *Handlers) HandleTwitchLinkCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.states.take(r.URL.Query().Get("state"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown or expired state")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}
	tok, err := h.Twitch.Exchange(ctx, code)
	if err != nil {
		slog.Error("twitch code exchange", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	// Resolve the Twitch user so the account row carries a provider identity.
	providerUserID := ""
	if self, err := twitchchat.FetchSelf(ctx, h.Twitch.HTTP, h.HelixURL, h.Twitch.ClientID, tok.AccessToken); err == nil {
		providerUserID = self.ID
	} else {
		slog.Warn("resolve twitch identity after link", slog.Any("err", err))
	}
	if err := db.UpsertOAuthAccount(ctx, h.DB, userID, db.ProviderTwitch,
		tok.AccessToken, tok.RefreshToken, tok.ExpiresAt, tok.Scopes, providerUserID); err != nil {
		slog.Error("store twitch account", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"linked": "twitch", "user_id": userID})
}

// HandleGoogleLinkStart redirects the user to Google's consent page.
func (h *Handlers) HandleGoogleLinkStart(w http.ResponseWriter, r *http.Request) {
	if h.Google == nil {
		writeError(w, http.StatusServiceUnavailable, "google linking not configured")
		return
	}
	h.linkStart(w, r, h.Google.AuthorizeURL)
}

// HandleGoogleLinkCallback exchanges the code and stores the linked account.
func (h *Handlers) HandleGoogleLinkCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.states.take(r.URL.Query().Get("state"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown or expired state")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}
	tok, err := h.Google.Exchange(ctx, code)
	if err != nil {
		slog.Error("google code exchange", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	if err := db.UpsertOAuthAccount(ctx, h.DB, userID, db.ProviderGoogle,
		tok.AccessToken, tok.RefreshToken, tok.ExpiresAt, tok.Scopes, ""); err != nil {
		slog.Error("store google account", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"linked": "google", "user_id": userID})
}
