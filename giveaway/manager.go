package giveaway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/liveroll/backend/bus"
	"github.com/onnwee/liveroll/backend/db"
	"github.com/onnwee/liveroll/backend/telemetry"
)

// RunnerFunc is one runner's lifecycle; it must return when ctx is cancelled.
type RunnerFunc func(ctx context.Context)

// RunnerFactory builds the RunnerFunc for a giveaway. Tests substitute fakes.
type RunnerFactory func(giveawayID int64) RunnerFunc

// Manager keeps at most one live runner per giveaway. Start is idempotent;
// Stop blocks until the runner has fully terminated, which guarantees no
// entry is registered after Stop returns (the open-flag gate closes the
// remaining race for entries already in flight).
type Manager struct {
	svc     *Service
	base    context.Context
	factory RunnerFactory

	mu      sync.Mutex
	runners map[int64]*runnerHandle
}

type runnerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a manager whose runners live under base. A nil factory
// uses production runners.
func NewManager(base context.Context, svc *Service, factory RunnerFactory) *Manager {
	m := &Manager{
		svc:     svc,
		base:    base,
		factory: factory,
		runners: make(map[int64]*runnerHandle),
	}
	if m.factory == nil {
		m.factory = func(id int64) RunnerFunc {
			r := &Runner{GiveawayID: id, Service: svc}
			return r.Run
		}
	}
	return m
}

// Running reports whether a runner is live for the giveaway.
func (m *Manager) Running(giveawayID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runners[giveawayID] != nil
}

// Count returns the number of live runners.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runners)
}

// startRunner spawns the runner if none is live. Reports whether one was
// started.
func (m *Manager) startRunner(giveawayID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runners[giveawayID]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(m.base)
	h := &runnerHandle{cancel: cancel, done: make(chan struct{})}
	m.runners[giveawayID] = h
	telemetry.SetActiveRunners(len(m.runners))

	run := m.factory(giveawayID)
	go func() {
		defer close(h.done)
		run(ctx)
		m.mu.Lock()
		if m.runners[giveawayID] == h {
			delete(m.runners, giveawayID)
			telemetry.SetActiveRunners(len(m.runners))
		}
		m.mu.Unlock()
	}()
	return true
}

// stopRunner cancels the runner and waits for it to finish. Reports whether
// a runner was live.
func (m *Manager) stopRunner(giveawayID int64) bool {
	m.mu.Lock()
	h := m.runners[giveawayID]
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h.cancel()
	<-h.done
	return true
}

// Start opens the giveaway and ensures its runner is live. Idempotent.
func (m *Manager) Start(ctx context.Context, giveawayID, actorUserID int64) error {
	g, err := db.GetGiveaway(ctx, m.svc.DB, giveawayID)
	if err != nil {
		return fmt.Errorf("get giveaway: %w", err)
	}
	if g == nil {
		return fmt.Errorf("giveaway %d not found", giveawayID)
	}
	if err := db.SetGiveawayOpen(ctx, m.svc.DB, giveawayID, true); err != nil {
		return fmt.Errorf("open giveaway: %w", err)
	}
	started := m.startRunner(giveawayID)
	if started {
		if err := db.InsertAuditLog(ctx, m.svc.DB, actorUserID, giveawayID, "giveaway_started", nil); err != nil {
			slog.Error("audit giveaway_started", slog.Any("err", err), slog.Int64("giveaway_id", giveawayID))
		}
	}
	m.svc.PublishState(ctx, giveawayID)
	return nil
}

// Stop closes the giveaway and tears down its runner, returning only once
// the runner has terminated. Idempotent.
func (m *Manager) Stop(ctx context.Context, giveawayID, actorUserID int64) error {
	// Close the gate first so in-flight entries are dropped while the
	// runner drains.
	if err := db.SetGiveawayOpen(ctx, m.svc.DB, giveawayID, false); err != nil {
		return fmt.Errorf("close giveaway: %w", err)
	}
	stopped := m.stopRunner(giveawayID)
	if stopped {
		if err := db.InsertAuditLog(ctx, m.svc.DB, actorUserID, giveawayID, "giveaway_stopped", nil); err != nil {
			slog.Error("audit giveaway_stopped", slog.Any("err", err), slog.Int64("giveaway_id", giveawayID))
		}
	}
	m.svc.PublishState(ctx, giveawayID)
	return nil
}

// Resume starts runners for every giveaway whose open flag survived a
// restart.
func (m *Manager) Resume(ctx context.Context) error {
	ids, err := db.ListOpenGiveawayIDs(ctx, m.svc.DB)
	if err != nil {
		return fmt.Errorf("list open giveaways: %w", err)
	}
	for _, id := range ids {
		if m.startRunner(id) {
			slog.Info("resumed runner", slog.Int64("giveaway_id", id))
		}
	}
	return nil
}

// ConsumeControl dispatches control messages until ctx is cancelled. Run it
// in its own goroutine; it is the only consumer of the control stream.
func (m *Manager) ConsumeControl(ctx context.Context) {
	ch := m.svc.Bus.SubscribeControl()
	defer m.svc.Bus.UnsubscribeControl(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var err error
			switch msg.Type {
			case bus.ActionStart:
				err = m.Start(ctx, msg.GiveawayID, msg.UserID)
			case bus.ActionStop:
				err = m.Stop(ctx, msg.GiveawayID, msg.UserID)
			case bus.ActionClear:
				// Clear is a stop plus a participant wipe: the runner is
				// destroyed and the gate closes before the rows go away.
				if err = m.Stop(ctx, msg.GiveawayID, msg.UserID); err == nil {
					_, err = m.svc.Clear(ctx, msg.GiveawayID, msg.UserID)
				}
			default:
				slog.Warn("unknown control action", slog.String("action", msg.Type))
			}
			if err != nil {
				slog.Error("control action failed", slog.Any("err", err),
					slog.String("action", msg.Type), slog.Int64("giveaway_id", msg.GiveawayID))
			}
		}
	}
}

// Shutdown stops every runner and waits for all of them to terminate.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	handles := make([]*runnerHandle, 0, len(m.runners))
	for _, h := range m.runners {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}
