package bus

import (
	"encoding/json"
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishStateReachesAllSubscribers(t *testing.T) {
	b := New()
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer b.Unsubscribe(s1)
	defer b.Unsubscribe(s2)

	b.PublishState(&Snapshot{GiveawayID: 7, Name: "g", ParticipantNames: []string{}})

	for _, ch := range []chan Event{s1, s2} {
		ev := recvEvent(t, ch)
		if ev.Type != TypeState || ev.State == nil || ev.State.GiveawayID != 7 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}

func TestPublishOrderPreservedPerGiveaway(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 1; i <= 5; i++ {
		b.PublishState(&Snapshot{GiveawayID: 1, ParticipantsCount: i})
	}
	for i := 1; i <= 5; i++ {
		ev := recvEvent(t, sub)
		if ev.State.ParticipantsCount != i {
			t.Fatalf("event %d out of order: %+v", i, ev)
		}
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New()
	dropped := 0
	b.OnDrop(func() { dropped++ })
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			b.PublishState(&Snapshot{GiveawayID: 1, ParticipantsCount: i})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if dropped != 10 {
		t.Fatalf("dropped = %d, want 10", dropped)
	}
}

func TestControlStreamSeparateFromEvents(t *testing.T) {
	b := New()
	events := b.Subscribe()
	control := b.SubscribeControl()
	defer b.Unsubscribe(events)
	defer b.UnsubscribeControl(control)

	b.PublishControl(ActionStart, 3, 11)
	select {
	case msg := <-control:
		if msg.Type != ActionStart || msg.GiveawayID != 3 || msg.UserID != 11 {
			t.Fatalf("unexpected control message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("control message not delivered")
	}
	select {
	case ev := <-events:
		t.Fatalf("control leaked onto event stream: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d", b.SubscriberCount())
	}
}

func TestEventWireShapes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	state := Event{Type: TypeState, State: &Snapshot{
		GiveawayID:        5,
		Name:              "Night raffle",
		Command:           "!join",
		IsOpen:            true,
		ParticipantsCount: 2,
		ParticipantNames:  []string{"Ana", "Bea"},
		LatestParticipant: "Bea",
		LastWinner:        &WinnerInfo{DisplayName: "Cid", Platform: "twitch", DrawnAt: now},
		TS:                now,
	}}
	raw, err := state.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "state" {
		t.Fatalf("type = %v", decoded["type"])
	}
	inner, ok := decoded["state"].(map[string]any)
	if !ok {
		t.Fatalf("state payload missing: %s", raw)
	}
	if inner["participants_count"] != float64(2) || inner["is_open"] != true {
		t.Fatalf("state payload = %v", inner)
	}

	draw := Event{Type: TypeDrawStarted, GiveawayID: 5, WinnerName: "Cid", DurationMS: 4000}
	raw, err = draw.Marshal()
	if err != nil {
		t.Fatalf("marshal draw: %v", err)
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal draw: %v", err)
	}
	if decoded["type"] != "draw_started" || decoded["winner_name"] != "Cid" || decoded["duration_ms"] != float64(4000) {
		t.Fatalf("draw payload = %v", decoded)
	}
	if draw.EventGiveawayID() != 5 || state.EventGiveawayID() != 5 {
		t.Fatal("EventGiveawayID mismatch")
	}
}
