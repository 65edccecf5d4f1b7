package giveaway

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/liveroll/backend/bus"
	"github.com/onnwee/liveroll/backend/config"
	"github.com/onnwee/liveroll/backend/db"
	"github.com/onnwee/liveroll/backend/testutil"
)

// blockingFactory builds fake runners that block until cancelled and count
// starts and clean exits.
type blockingFactory struct {
	starts int32
	exits  int32
}

func (f *blockingFactory) build(int64) RunnerFunc {
	return func(ctx context.Context) {
		atomic.AddInt32(&f.starts, 1)
		<-ctx.Done()
		atomic.AddInt32(&f.exits, 1)
	}
}

func TestRunnerLifecycleIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &blockingFactory{}
	m := NewManager(ctx, &Service{Bus: bus.New()}, f.build)

	if !m.startRunner(1) {
		t.Fatal("first start should spawn a runner")
	}
	if m.startRunner(1) {
		t.Fatal("second start must be a no-op")
	}
	if !m.Running(1) || m.Count() != 1 {
		t.Fatalf("running=%v count=%d", m.Running(1), m.Count())
	}

	if !m.stopRunner(1) {
		t.Fatal("stop should find a live runner")
	}
	// stopRunner must not return before the runner exited.
	if got := atomic.LoadInt32(&f.exits); got != 1 {
		t.Fatalf("exits = %d at stop return, want 1", got)
	}
	if m.Running(1) {
		t.Fatal("runner still tracked after stop")
	}
	if m.stopRunner(1) {
		t.Fatal("second stop must be a no-op")
	}
}

func TestShutdownStopsAllRunners(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &blockingFactory{}
	m := NewManager(ctx, &Service{Bus: bus.New()}, f.build)

	for id := int64(1); id <= 3; id++ {
		m.startRunner(id)
	}
	m.Shutdown()
	if got := atomic.LoadInt32(&f.exits); got != 3 {
		t.Fatalf("exits = %d after shutdown, want 3", got)
	}
}

func TestRunnerExitRemovesTracking(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewManager(ctx, &Service{Bus: bus.New()}, func(int64) RunnerFunc {
		return func(context.Context) {} // exits immediately
	})
	m.startRunner(1)
	deadline := time.Now().Add(time.Second)
	for m.Running(1) {
		if time.Now().After(deadline) {
			t.Fatal("self-exited runner still tracked")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManagerStartStopGate(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	svc := &Service{DB: dbx, Bus: bus.New(), Cfg: &config.Config{}}
	g := testutil.CreateTestGiveaway(t, dbx, "!join")

	f := &blockingFactory{}
	m := NewManager(ctx, svc, f.build)

	if err := m.Start(ctx, g.ID, g.UserID); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, _ := db.GetGiveaway(ctx, dbx, g.ID)
	if !got.IsOpen || !m.Running(g.ID) {
		t.Fatalf("after start: open=%v running=%v", got.IsOpen, m.Running(g.ID))
	}
	// Idempotent restart: no second runner, no error.
	if err := m.Start(ctx, g.ID, g.UserID); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if n := atomic.LoadInt32(&f.starts); n != 1 {
		t.Fatalf("runner starts = %d, want 1", n)
	}

	if err := m.Stop(ctx, g.ID, g.UserID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if atomic.LoadInt32(&f.exits) != 1 {
		t.Fatal("Stop returned before the runner terminated")
	}
	got, _ = db.GetGiveaway(ctx, dbx, g.ID)
	if got.IsOpen {
		t.Fatal("giveaway still open after stop")
	}

	// An entry arriving after Stop returned is gated by the closed flag.
	created, err := svc.Register(ctx, got, db.PlatformTwitch, "late", "Late")
	if err != nil {
		t.Fatalf("late register: %v", err)
	}
	if created {
		t.Fatal("entry registered after stop")
	}

	if err := db.DeleteGiveaway(ctx, dbx, g.ID); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

func TestResumeStartsOnlyOpenGiveaways(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	svc := &Service{DB: dbx, Bus: bus.New(), Cfg: &config.Config{}}
	open := testutil.CreateTestGiveaway(t, dbx, "!join")
	closed := testutil.CreateTestGiveaway(t, dbx, "!join")
	if err := db.SetGiveawayOpen(ctx, dbx, open.ID, true); err != nil {
		t.Fatalf("open: %v", err)
	}

	f := &blockingFactory{}
	m := NewManager(ctx, svc, f.build)
	t.Cleanup(m.Shutdown)

	if err := m.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !m.Running(open.ID) {
		t.Fatal("open giveaway not resumed")
	}
	if m.Running(closed.ID) {
		t.Fatal("closed giveaway resumed")
	}
}

func TestConsumeControlDispatches(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	svc := &Service{DB: dbx, Bus: bus.New(), Cfg: &config.Config{}}
	g := testutil.CreateTestGiveaway(t, dbx, "!join")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &blockingFactory{}
	m := NewManager(ctx, svc, f.build)
	t.Cleanup(m.Shutdown)

	go m.ConsumeControl(ctx)
	time.Sleep(20 * time.Millisecond) // let the subscription attach

	svc.Bus.PublishControl(bus.ActionStart, g.ID, g.UserID)
	deadline := time.Now().Add(2 * time.Second)
	for !m.Running(g.ID) {
		if time.Now().After(deadline) {
			t.Fatal("control start not dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	svc.Bus.PublishControl(bus.ActionStop, g.ID, g.UserID)
	deadline = time.Now().Add(2 * time.Second)
	for m.Running(g.ID) {
		if time.Now().After(deadline) {
			t.Fatal("control stop not dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// A clear control message is a full stop: the runner is torn down, the open
// flag closes, and the participant rows are wiped.
func TestConsumeControlClearStopsRunner(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := &Service{DB: dbx, Bus: bus.New(), Cfg: &config.Config{}}
	g := testutil.CreateTestGiveaway(t, dbx, "!join")
	if _, _, err := db.UpsertParticipant(ctx, dbx, g.ID, db.PlatformTwitch, "u1", "Ana"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	f := &blockingFactory{}
	m := NewManager(ctx, svc, f.build)
	t.Cleanup(m.Shutdown)

	go m.ConsumeControl(ctx)
	time.Sleep(20 * time.Millisecond) // let the subscription attach

	svc.Bus.PublishControl(bus.ActionStart, g.ID, g.UserID)
	deadline := time.Now().Add(2 * time.Second)
	for !m.Running(g.ID) {
		if time.Now().After(deadline) {
			t.Fatal("control start not dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	svc.Bus.PublishControl(bus.ActionClear, g.ID, g.UserID)
	deadline = time.Now().Add(2 * time.Second)
	for m.Running(g.ID) {
		if time.Now().After(deadline) {
			t.Fatal("clear left the runner running")
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := db.GetGiveaway(ctx, dbx, g.ID)
	if got.IsOpen {
		t.Fatal("giveaway still open after clear")
	}
	// The wipe lands after the runner teardown; wait for it.
	deadline = time.Now().Add(2 * time.Second)
	for {
		if n, _ := db.CountParticipants(ctx, dbx, g.ID); n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("participants not cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
