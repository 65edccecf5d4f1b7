package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/liveroll/backend/bus"
	"github.com/onnwee/liveroll/backend/db"
	"github.com/onnwee/liveroll/backend/telemetry"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingPeriod   = 30 * time.Second
)

// Origin checks are handled by the CORS layer; the overlay runs inside OBS
// which sends no Origin header at all.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleDashboardWS streams one giveaway's events to the dashboard.
func (h *Handlers) HandleDashboardWS(w http.ResponseWriter, r *http.Request) {
	h.streamGiveaway(w, r, "/ws/giveaways/")
}

// HandleOverlayWS streams one giveaway's events to the OBS overlay.
func (h *Handlers) HandleOverlayWS(w http.ResponseWriter, r *http.Request) {
	h.streamGiveaway(w, r, "/ws/overlay/")
}

// streamGiveaway upgrades to websocket, sends one full state snapshot, then
// relays bus events filtered to the requested giveaway. A subscriber that
// missed events while slow is healed by the next snapshot; the initial
// snapshot means a fresh connection never starts blind.
func (h *Handlers) streamGiveaway(w http.ResponseWriter, r *http.Request, prefix string) {
	idStr := strings.TrimPrefix(r.URL.Path, prefix)
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid giveaway id")
		return
	}
	g, err := db.GetGiveaway(r.Context(), h.DB, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if g == nil {
		writeError(w, http.StatusNotFound, "giveaway not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("err", err))
		return
	}
	defer conn.Close()

	sub := h.Svc.Bus.Subscribe()
	defer func() {
		h.Svc.Bus.Unsubscribe(sub)
		telemetry.SetBusSubscribers(h.Svc.Bus.SubscriberCount())
	}()
	telemetry.SetBusSubscribers(h.Svc.Bus.SubscriberCount())

	// Initial snapshot so the client renders immediately.
	snap, err := h.Svc.Snapshot(r.Context(), id)
	if err != nil || snap == nil {
		slog.Error("initial snapshot", slog.Any("err", err), slog.Int64("giveaway_id", id))
		return
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(bus.Event{Type: bus.TypeState, State: snap}); err != nil {
		return
	}

	// Reader goroutine: clients send nothing meaningful, but reading is how
	// close frames and dead peers are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.EventGiveawayID() != id {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
