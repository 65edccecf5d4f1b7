package db

import (
	"context"
	"sync"
	"testing"
)

func TestUpsertParticipantDedup(t *testing.T) {
	dbx := openTestDB(t)
	ctx := context.Background()
	g := newTestGiveaway(t, dbx, "!join")

	p1, created1, err := UpsertParticipant(ctx, dbx, g.ID, PlatformTwitch, "42", "Ana")
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	p2, created2, err := UpsertParticipant(ctx, dbx, g.ID, PlatformTwitch, "42", "Ana_")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if !created1 || created2 {
		t.Fatalf("created flags = %v/%v, want true/false", created1, created2)
	}
	if p1.ID != p2.ID {
		t.Fatalf("duplicate identity produced distinct rows: %d vs %d", p1.ID, p2.ID)
	}
	if p2.DisplayName != "Ana_" {
		t.Fatalf("display name not refreshed: %q", p2.DisplayName)
	}
	if p2.LastSeen.Before(p1.LastSeen) {
		t.Fatal("last_seen not advanced")
	}

	n, err := CountParticipants(ctx, dbx, g.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("participant count = %d, want 1", n)
	}
}

func TestUpsertParticipantConcurrentBurst(t *testing.T) {
	dbx := openTestDB(t)
	ctx := context.Background()
	g := newTestGiveaway(t, dbx, "!join")

	const workers = 8
	var wg sync.WaitGroup
	createdCh := make(chan bool, workers)
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := UpsertParticipant(ctx, dbx, g.ID, PlatformYouTube, "yt9", "Bea")
			if err != nil {
				errCh <- err
				return
			}
			createdCh <- created
		}()
	}
	wg.Wait()
	close(createdCh)
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrent upsert surfaced error: %v", err)
	}
	createdCount := 0
	for c := range createdCh {
		if c {
			createdCount++
		}
	}
	if createdCount != 1 {
		t.Fatalf("created=true reported %d times, want exactly 1", createdCount)
	}
	n, err := CountParticipants(ctx, dbx, g.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("participant count = %d, want 1", n)
	}
}

func TestParticipantOrderingAndLatest(t *testing.T) {
	dbx := openTestDB(t)
	ctx := context.Background()
	g := newTestGiveaway(t, dbx, "!join")

	for _, e := range []struct {
		platform Platform
		uid      string
		name     string
	}{
		{PlatformTwitch, "1", "A"},
		{PlatformYouTube, "2", "B"},
		{PlatformTwitch, "3", "C"},
	} {
		if _, _, err := UpsertParticipant(ctx, dbx, g.ID, e.platform, e.uid, e.name); err != nil {
			t.Fatalf("upsert %s: %v", e.name, err)
		}
	}
	// Re-entry bumps A's last_seen but not its first_seen position.
	if _, _, err := UpsertParticipant(ctx, dbx, g.ID, PlatformTwitch, "1", "A"); err != nil {
		t.Fatalf("re-upsert A: %v", err)
	}

	names, err := ListParticipantNames(ctx, dbx, g.ID)
	if err != nil {
		t.Fatalf("list names: %v", err)
	}
	want := []string{"A", "B", "C"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}

	latest, err := LatestParticipant(ctx, dbx, g.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != "A" {
		t.Fatalf("latest participant = %q, want A (re-entered last)", latest)
	}
}

func TestClearParticipants(t *testing.T) {
	dbx := openTestDB(t)
	ctx := context.Background()
	g := newTestGiveaway(t, dbx, "!join")

	for i, uid := range []string{"u1", "u2", "u3"} {
		if _, _, err := UpsertParticipant(ctx, dbx, g.ID, PlatformTwitch, uid, string(rune('a'+i))); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	removed, err := ClearParticipants(ctx, dbx, g.ID)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
	n, _ := CountParticipants(ctx, dbx, g.ID)
	if n != 0 {
		t.Fatalf("count after clear = %d", n)
	}
	latest, err := LatestParticipant(ctx, dbx, g.ID)
	if err != nil || latest != "" {
		t.Fatalf("latest after clear = %q, %v", latest, err)
	}
}

func TestWinnersAppendOnly(t *testing.T) {
	dbx := openTestDB(t)
	ctx := context.Background()
	g := newTestGiveaway(t, dbx, "!join")

	if w, err := LatestWinner(ctx, dbx, g.ID); err != nil || w != nil {
		t.Fatalf("latest winner on fresh giveaway = %v, %v", w, err)
	}
	w1, err := InsertWinner(ctx, dbx, g.ID, PlatformTwitch, "42", "Ana")
	if err != nil {
		t.Fatalf("insert winner: %v", err)
	}
	w2, err := InsertWinner(ctx, dbx, g.ID, PlatformYouTube, "yt9", "Bea")
	if err != nil {
		t.Fatalf("insert winner: %v", err)
	}
	latest, err := LatestWinner(ctx, dbx, g.ID)
	if err != nil {
		t.Fatalf("latest winner: %v", err)
	}
	if latest == nil || latest.ID != w2.ID {
		t.Fatalf("latest winner = %+v, want id %d", latest, w2.ID)
	}
	ws, err := ListWinners(ctx, dbx, g.ID, 10)
	if err != nil {
		t.Fatalf("list winners: %v", err)
	}
	if len(ws) != 2 || ws[0].ID != w2.ID || ws[1].ID != w1.ID {
		t.Fatalf("winners = %+v", ws)
	}
}
