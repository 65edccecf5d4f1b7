// Package bus is the in-process publish/subscribe channel distributing
// giveaway state snapshots and draw events to overlay/dashboard subscribers,
// plus a control stream consumed by the runner manager. Delivery is
// best-effort: subscribers that are slow simply miss events; a fresh
// subscriber closes the gap by receiving one rebuilt snapshot on connect
// (the server does that, not the bus).
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event kinds carried on the event stream.
const (
	TypeState       = "state"
	TypeDrawStarted = "draw_started"
)

// Control actions carried on the control stream.
const (
	ActionStart = "start"
	ActionStop  = "stop"
	ActionClear = "clear"
)

// Snapshot is the recomputed, disposable summary of a giveaway's live state.
type Snapshot struct {
	GiveawayID        int64       `json:"giveaway_id"`
	Name              string      `json:"name"`
	Command           string      `json:"command"`
	IsOpen            bool        `json:"is_open"`
	ParticipantsCount int         `json:"participants_count"`
	ParticipantNames  []string    `json:"participant_names"`
	LatestParticipant string      `json:"latest_participant,omitempty"`
	TickerMessage     string      `json:"ticker_message,omitempty"`
	LastWinner        *WinnerInfo `json:"last_winner"`
	TS                time.Time   `json:"ts"`
}

// WinnerInfo is the snapshot's view of the most recent draw outcome.
type WinnerInfo struct {
	DisplayName string    `json:"display_name"`
	Platform    string    `json:"platform"`
	DrawnAt     time.Time `json:"drawn_at"`
}

// Event is one message on the event stream. Exactly one of State or the
// draw fields is populated depending on Type.
type Event struct {
	Type       string    `json:"type"`
	State      *Snapshot `json:"state,omitempty"`
	GiveawayID int64     `json:"giveaway_id,omitempty"`
	WinnerName string    `json:"winner_name,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// ControlMessage instructs the runner manager to start or stop a runner.
type ControlMessage struct {
	Type       string `json:"type"`
	GiveawayID int64  `json:"giveaway_id"`
	UserID     int64  `json:"user_id"`
}

// EventGiveawayID returns the giveaway an event belongs to, for filtering.
func (e Event) EventGiveawayID() int64 {
	if e.Type == TypeState && e.State != nil {
		return e.State.GiveawayID
	}
	return e.GiveawayID
}

// Marshal returns the wire JSON for an event.
func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

// Bus fans events out to subscriber channels. Publishes never block: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	eventSubs   map[chan Event]struct{}
	controlSubs map[chan ControlMessage]struct{}

	// onDrop, when set, observes dropped events (metrics hook).
	onDrop func()
}

const subscriberBuffer = 64

// New constructs an empty bus.
func New() *Bus {
	return &Bus{
		eventSubs:   make(map[chan Event]struct{}),
		controlSubs: make(map[chan ControlMessage]struct{}),
	}
}

// OnDrop registers a callback invoked whenever an event is dropped because a
// subscriber buffer was full. Must be called before subscribers attach.
func (b *Bus) OnDrop(fn func()) { b.onDrop = fn }

// Subscribe returns a buffered channel receiving all events published after
// this call. The caller must Unsubscribe when done.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.eventSubs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.eventSubs[ch]; ok {
		delete(b.eventSubs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// SubscribeControl returns a channel receiving control messages. Only the
// runner manager should consume this stream.
func (b *Bus) SubscribeControl() chan ControlMessage {
	ch := make(chan ControlMessage, subscriberBuffer)
	b.mu.Lock()
	b.controlSubs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// UnsubscribeControl removes and closes a control subscriber channel.
func (b *Bus) UnsubscribeControl(ch chan ControlMessage) {
	b.mu.Lock()
	if _, ok := b.controlSubs[ch]; ok {
		delete(b.controlSubs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// SubscriberCount reports the number of attached event subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.eventSubs)
}

func (b *Bus) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.eventSubs {
		select {
		case ch <- ev:
		default:
			if b.onDrop != nil {
				b.onDrop()
			}
			slog.Debug("bus subscriber buffer full, event dropped",
				slog.String("type", ev.Type), slog.Int64("giveaway_id", ev.EventGiveawayID()))
		}
	}
}

// PublishState broadcasts a state snapshot to every subscriber.
func (b *Bus) PublishState(state *Snapshot) {
	if state == nil {
		return
	}
	b.publish(Event{Type: TypeState, State: state})
}

// PublishDrawStarted broadcasts the transient animation trigger for a draw.
func (b *Bus) PublishDrawStarted(giveawayID int64, winnerName string, durationMS int64) {
	b.publish(Event{Type: TypeDrawStarted, GiveawayID: giveawayID, WinnerName: winnerName, DurationMS: durationMS})
}

// PublishControl sends a start/stop/clear instruction to the runner manager.
func (b *Bus) PublishControl(action string, giveawayID, userID int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msg := ControlMessage{Type: action, GiveawayID: giveawayID, UserID: userID}
	for ch := range b.controlSubs {
		select {
		case ch <- msg:
		default:
			slog.Warn("control subscriber buffer full, message dropped",
				slog.String("action", action), slog.Int64("giveaway_id", giveawayID))
		}
	}
}
