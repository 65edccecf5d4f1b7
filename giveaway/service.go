// Package giveaway implements the core domain: registering chat entries,
// drawing winners, and broadcasting state snapshots. Runners own the chat
// adapters for one giveaway each; the manager owns the runners.
package giveaway

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/onnwee/liveroll/backend/bus"
	"github.com/onnwee/liveroll/backend/config"
	"github.com/onnwee/liveroll/backend/db"
	"github.com/onnwee/liveroll/backend/telemetry"
)

// Service bundles the shared dependencies of the control plane and runners.
type Service struct {
	DB  *sql.DB
	Bus *bus.Bus
	Cfg *config.Config
}

// NormalizeCommand canonicalizes an entry command: trimmed, first token only,
// lowercased, with a guaranteed "!" prefix. Empty input stays empty.
func NormalizeCommand(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.ToLower(fields[0])
	if !strings.HasPrefix(cmd, "!") {
		cmd = "!" + cmd
	}
	return cmd
}

// MatchesCommand reports whether a chat line is exactly the entry command
// after trimming and lowercasing. Lines with trailing text do not count.
func MatchesCommand(text, command string) bool {
	if command == "" {
		return false
	}
	return strings.ToLower(strings.TrimSpace(text)) == command
}

// Register records one entry event for an open giveaway. The open flag is
// re-checked here so an entry racing a stop is dropped rather than recorded.
// Returns whether a new participant row was created.
func (s *Service) Register(ctx context.Context, g *db.Giveaway, platform db.Platform, platformUserID, displayName string) (bool, error) {
	if g == nil || !g.IsOpen {
		telemetry.Inc(telemetry.EntriesGated)
		return false, nil
	}
	if platformUserID == "" {
		return false, fmt.Errorf("empty platform user id")
	}
	if displayName == "" {
		displayName = platformUserID
	}

	p, created, err := db.UpsertParticipant(ctx, s.DB, g.ID, platform, platformUserID, displayName)
	if err != nil {
		return false, fmt.Errorf("upsert participant: %w", err)
	}
	if created {
		telemetry.Inc(telemetry.EntriesRegistered)
	} else {
		telemetry.Inc(telemetry.EntriesDuplicate)
	}

	// Duplicates still count as successful registrations: last_seen and the
	// display name were refreshed, so overlays get a new snapshot too.
	if err := db.InsertAuditLog(ctx, s.DB, g.UserID, g.ID, "participant_seen", map[string]any{
		"platform":         string(platform),
		"platform_user_id": platformUserID,
		"display_name":     p.DisplayName,
		"created":          created,
	}); err != nil {
		slog.Error("audit participant_seen", slog.Any("err", err), slog.Int64("giveaway_id", g.ID))
	}
	s.PublishState(ctx, g.ID)
	return created, nil
}

// Snapshot rebuilds the full live-state summary from the database. Returns
// nil when the giveaway does not exist.
func (s *Service) Snapshot(ctx context.Context, giveawayID int64) (*bus.Snapshot, error) {
	g, err := db.GetGiveaway(ctx, s.DB, giveawayID)
	if err != nil {
		return nil, fmt.Errorf("get giveaway: %w", err)
	}
	if g == nil {
		return nil, nil
	}
	count, err := db.CountParticipants(ctx, s.DB, giveawayID)
	if err != nil {
		return nil, fmt.Errorf("count participants: %w", err)
	}
	names, err := db.ListParticipantNames(ctx, s.DB, giveawayID)
	if err != nil {
		return nil, fmt.Errorf("list participant names: %w", err)
	}
	latest, err := db.LatestParticipant(ctx, s.DB, giveawayID)
	if err != nil {
		return nil, fmt.Errorf("latest participant: %w", err)
	}
	last, err := db.LatestWinner(ctx, s.DB, giveawayID)
	if err != nil {
		return nil, fmt.Errorf("latest winner: %w", err)
	}

	snap := &bus.Snapshot{
		GiveawayID:        g.ID,
		Name:              g.Name,
		Command:           g.Command,
		IsOpen:            g.IsOpen,
		ParticipantsCount: count,
		ParticipantNames:  names,
		LatestParticipant: latest,
		TickerMessage:     g.TickerMessage.String,
		TS:                time.Now().UTC(),
	}
	if last != nil {
		snap.LastWinner = &bus.WinnerInfo{
			DisplayName: last.DisplayName,
			Platform:    string(last.Platform),
			DrawnAt:     last.DrawnAt,
		}
	}
	return snap, nil
}

// PublishState rebuilds and broadcasts the snapshot; failures are logged,
// not returned, because state publication is best-effort.
func (s *Service) PublishState(ctx context.Context, giveawayID int64) {
	snap, err := s.Snapshot(ctx, giveawayID)
	if err != nil {
		slog.Error("build snapshot", slog.Any("err", err), slog.Int64("giveaway_id", giveawayID))
		return
	}
	if snap != nil {
		s.Bus.PublishState(snap)
	}
}

// SuspenseDuration picks a uniformly random roulette duration in the
// configured window.
func (s *Service) SuspenseDuration() time.Duration {
	min, max := s.Cfg.DrawSuspenseMin, s.Cfg.DrawSuspenseMax
	if max <= min {
		return min
	}
	return min + randDuration(max-min)
}

// Draw selects a winner uniformly at random, announces the roulette with its
// suspense duration, waits it out, then records the winner and broadcasts the
// new state. Returns nil when the giveaway has no participants.
func (s *Service) Draw(ctx context.Context, giveawayID, actorUserID int64) (*db.Winner, error) {
	participants, err := db.ListParticipants(ctx, s.DB, giveawayID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	if len(participants) == 0 {
		return nil, nil
	}
	pick := participants[randIndex(len(participants))]

	suspense := s.SuspenseDuration()
	s.Bus.PublishDrawStarted(giveawayID, pick.DisplayName, suspense.Milliseconds())

	t := time.NewTimer(suspense)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}

	w, err := db.InsertWinner(ctx, s.DB, giveawayID, pick.Platform, pick.PlatformUserID, pick.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("insert winner: %w", err)
	}
	telemetry.Inc(telemetry.DrawsTotal)
	if err := db.InsertAuditLog(ctx, s.DB, actorUserID, giveawayID, "winner_drawn", map[string]any{
		"display_name": w.DisplayName,
		"platform":     string(w.Platform),
	}); err != nil {
		slog.Error("audit winner_drawn", slog.Any("err", err), slog.Int64("giveaway_id", giveawayID))
	}
	s.PublishState(ctx, giveawayID)
	return w, nil
}

// Clear removes all participants and broadcasts the emptied state. Returns
// how many rows were removed.
func (s *Service) Clear(ctx context.Context, giveawayID, actorUserID int64) (int64, error) {
	n, err := db.ClearParticipants(ctx, s.DB, giveawayID)
	if err != nil {
		return 0, fmt.Errorf("clear participants: %w", err)
	}
	if err := db.InsertAuditLog(ctx, s.DB, actorUserID, giveawayID, "participants_cleared", map[string]any{
		"removed": n,
	}); err != nil {
		slog.Error("audit participants_cleared", slog.Any("err", err), slog.Int64("giveaway_id", giveawayID))
	}
	s.PublishState(ctx, giveawayID)
	return n, nil
}

// randIndex returns a uniform index in [0, n) using crypto/rand. The draw
// must not be predictable from process state.
func randIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return int(v.Int64())
}

func randDuration(span time.Duration) time.Duration {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(span)+1))
	if err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return time.Duration(v.Int64())
}
