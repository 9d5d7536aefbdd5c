package daemon

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/macaw-im/macaw/internal/archive"
	"github.com/macaw-im/macaw/internal/bus"
	"github.com/macaw-im/macaw/internal/lock"
	"github.com/macaw-im/macaw/internal/message"
	"github.com/macaw-im/macaw/internal/resume"
	"github.com/macaw-im/macaw/internal/status"
	"github.com/macaw-im/macaw/internal/store"
	intsync "github.com/macaw-im/macaw/internal/sync"
)

// stubTransport fails resumption and records room joins, forcing every
// reconnect down the cold path.
type stubTransport struct {
	mu     sync.Mutex
	joined []string
}

func (s *stubTransport) Resume(_ context.Context, _ string, _ uint32) (uint32, error) {
	return 0, resume.ErrResumptionUnsupported
}

func (s *stubTransport) JoinRoom(_ context.Context, roomJID, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = append(s.joined, roomJID)
	return nil
}

func (s *stubTransport) joinedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.joined...)
}

// stubFetcher answers every archive query with an empty, complete page.
type stubFetcher struct{}

func (stubFetcher) FetchOlder(_ context.Context, _ string, _ archive.PageRequest) (archive.PageResult, error) {
	return archive.PageResult{Complete: true}, nil
}

func (stubFetcher) FetchSince(_ context.Context, _ string, _ archive.CatchUpRequest) (archive.PageResult, error) {
	return archive.PageResult{Complete: true}, nil
}

// TestDaemonLifecycle assembles the full component stack the way
// registerLifecycle does and drives a session through connect, live
// traffic, restart and reconnect, asserting that continuity state and
// message history survive in the store.
func TestDaemonLifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	accountDir := filepath.Join(tmpDir, "main")

	lk, err := lock.Acquire(accountDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(accountDir, "macaw.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	transport := &stubTransport{}

	am := archive.NewManager(stubFetcher{}, b, logger, archive.Options{})
	rm := resume.NewManager("me@example.org", db, b, logger)
	engine := intsync.NewEngine(am, rm, machine, transport, db, b, logger)

	if err := rm.Restore(); err != nil {
		t.Fatal(err)
	}
	rm.RoomJoined(resume.Room{JID: "team@muc.example.org", Nick: "me"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	_ = machine.Transition(status.Connecting)
	b.Publish(bus.Event{Kind: bus.KindConnected, Timestamp: time.Now()})

	waitFor(t, func() bool { return engine.Status() == status.Ready })

	// Cold connect joins the configured room.
	if got := transport.joinedRooms(); len(got) != 1 || got[0] != "team@muc.example.org" {
		t.Fatalf("joined rooms = %v", got)
	}

	// Live traffic flows into history and is mirrored to the store.
	b.Publish(bus.Event{
		Kind:      bus.KindLiveMessage,
		Timestamp: time.Now(),
		Payload: message.Message{
			ID:           "msg-1",
			StanzaID:     "arch-1",
			Conversation: "alice@example.org",
			From:         "alice@example.org/phone",
			Body:         "hello",
			Timestamp:    time.Now().UTC().Truncate(time.Second),
		},
	})

	waitFor(t, func() bool { return len(engine.History("alice@example.org")) == 1 })
	waitFor(t, func() bool {
		cached, err := db.CachedMessages("alice@example.org", 0)
		return err == nil && len(cached) == 1
	})
	waitFor(t, func() bool { return rm.InboundCount() == 1 })

	// The continuity record is already on disk.
	saved, err := db.LoadSession("me@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if saved == nil || saved.InboundCount != 1 {
		t.Fatalf("persisted session = %+v", saved)
	}
	if len(saved.JoinedRooms) != 1 {
		t.Fatalf("persisted rooms = %v", saved.JoinedRooms)
	}

	// Simulate a restart: a fresh manager restores the same state, and a
	// fresh engine warms history from the cache.
	rm2 := resume.NewManager("me@example.org", db, bus.New(), logger)
	if err := rm2.Restore(); err != nil {
		t.Fatal(err)
	}
	if rm2.InboundCount() != 1 {
		t.Errorf("restored inbound count = %d, want 1", rm2.InboundCount())
	}
	if got := rm2.Snapshot().JoinedRooms; len(got) != 1 || got[0].JID != "team@muc.example.org" {
		t.Errorf("restored rooms = %v", got)
	}

	b2 := bus.New()
	am2 := archive.NewManager(stubFetcher{}, b2, logger, archive.Options{})
	engine2 := intsync.NewEngine(am2, rm2, status.NewMachine(b2), transport, db, b2, logger)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	engine2.Start(ctx2)
	defer engine2.Stop()

	waitFor(t, func() bool { return len(engine2.History("alice@example.org")) == 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
