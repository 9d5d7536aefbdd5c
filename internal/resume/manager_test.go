package resume

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/macaw-im/macaw/internal/bus"
)

const account = "alice@example.org"

type memStore struct {
	mu       sync.Mutex
	sessions map[string]SessionState
	saveErr  error
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]SessionState)}
}

func (s *memStore) SaveSession(jid string, state SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.sessions[jid] = state
	return nil
}

func (s *memStore) LoadSession(jid string) (*SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.sessions[jid]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (s *memStore) ClearSession(jid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, jid)
	return nil
}

type fakeResumer struct {
	serverInbound uint32
	err           error
	calls         int
	gotSessionID  string
	gotInbound    uint32
}

func (r *fakeResumer) Resume(_ context.Context, sessionID string, inbound uint32) (uint32, error) {
	r.calls++
	r.gotSessionID = sessionID
	r.gotInbound = inbound
	return r.serverInbound, r.err
}

type fakeJoiner struct {
	joined []Room
	fail   map[string]error
}

func (j *fakeJoiner) JoinRoom(_ context.Context, roomJID, nick, password string) error {
	if err := j.fail[roomJID]; err != nil {
		return err
	}
	j.joined = append(j.joined, Room{JID: roomJID, Nick: nick, Password: password})
	return nil
}

func TestStanzaAckedPersistsCounter(t *testing.T) {
	store := newMemStore()
	m := NewManager(account, store, nil, nil)
	m.SessionStarted("sess-1", "macaw-desktop")

	for i := 0; i < 3; i++ {
		m.StanzaAcked()
	}

	if got := m.InboundCount(); got != 3 {
		t.Errorf("InboundCount = %d, want 3", got)
	}
	stored, err := store.LoadSession(account)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.InboundCount != 3 {
		t.Errorf("persisted count = %+v, want 3", stored)
	}
	if stored.SessionID != "sess-1" || stored.Resource != "macaw-desktop" {
		t.Errorf("persisted session = %+v", stored)
	}
	if stored.SavedAt.IsZero() {
		t.Error("SavedAt not set")
	}
}

func TestSessionStartedResetsCounter(t *testing.T) {
	m := NewManager(account, newMemStore(), nil, nil)
	m.SessionStarted("sess-1", "r")
	m.StanzaAcked()
	m.StanzaAcked()

	// A new logical session must not inherit the old counter.
	m.SessionStarted("sess-2", "r")
	if got := m.InboundCount(); got != 0 {
		t.Errorf("InboundCount after new session = %d, want 0", got)
	}
}

func TestRestore(t *testing.T) {
	store := newMemStore()
	first := NewManager(account, store, nil, nil)
	first.SessionStarted("sess-1", "r")
	first.StanzaAcked()
	first.RoomJoined(Room{JID: "room@muc.example.org", Nick: "alice"})

	second := NewManager(account, store, nil, nil)
	if err := second.Restore(); err != nil {
		t.Fatal(err)
	}
	snap := second.Snapshot()
	if snap.SessionID != "sess-1" || snap.InboundCount != 1 {
		t.Errorf("restored = %+v", snap)
	}
	if len(snap.JoinedRooms) != 1 || snap.JoinedRooms[0].Nick != "alice" {
		t.Errorf("restored rooms = %+v", snap.JoinedRooms)
	}
}

func TestRestoreNothingStored(t *testing.T) {
	m := NewManager(account, newMemStore(), nil, nil)
	if err := m.Restore(); err != nil {
		t.Fatal(err)
	}
	if snap := m.Snapshot(); snap.SessionID != "" {
		t.Errorf("snapshot = %+v, want zero", snap)
	}
}

func TestRoomSnapshot(t *testing.T) {
	m := NewManager(account, newMemStore(), nil, nil)
	m.RoomJoined(Room{JID: "a@muc", Nick: "n1"})
	m.RoomJoined(Room{JID: "b@muc", Nick: "n2", Password: "pw"})
	// Re-join with a new nick replaces, not duplicates.
	m.RoomJoined(Room{JID: "a@muc", Nick: "n1-renamed"})
	m.RoomLeft("b@muc")

	rooms := m.Snapshot().JoinedRooms
	if len(rooms) != 1 {
		t.Fatalf("rooms = %+v, want 1", rooms)
	}
	if rooms[0].JID != "a@muc" || rooms[0].Nick != "n1-renamed" {
		t.Errorf("rooms[0] = %+v", rooms[0])
	}
}

func TestAttemptResumeSuccess(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewManager(account, newMemStore(), b, nil)
	m.SessionStarted("sess-1", "r")
	m.StanzaAcked()

	r := &fakeResumer{serverInbound: 5}
	ok, rooms := m.AttemptResume(context.Background(), r)
	if !ok {
		t.Fatal("AttemptResume = false, want success")
	}
	if rooms != nil {
		t.Errorf("rooms = %+v, want nil on success", rooms)
	}
	if r.gotSessionID != "sess-1" || r.gotInbound != 1 {
		t.Errorf("handshake = (%q, %d), want (sess-1, 1)", r.gotSessionID, r.gotInbound)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindResumed {
			t.Errorf("event = %q, want %q", evt.Kind, bus.KindResumed)
		}
		payload := evt.Payload.(Resumed)
		if payload.ServerInbound != 5 {
			t.Errorf("ServerInbound = %d, want 5", payload.ServerInbound)
		}
	case <-time.After(time.Second):
		t.Fatal("no resumed event published")
	}
}

func TestAttemptResumeRejectedTakesColdPath(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	store := newMemStore()
	m := NewManager(account, store, b, nil)
	m.SessionStarted("sess-1", "r")
	m.RoomJoined(Room{JID: "room@muc", Nick: "alice", Password: "pw"})

	r := &fakeResumer{err: &RejectedError{Reason: "unknown session"}}
	ok, rooms := m.AttemptResume(context.Background(), r)
	if ok {
		t.Fatal("AttemptResume = true, want failure")
	}
	if len(rooms) != 1 || rooms[0].JID != "room@muc" {
		t.Errorf("rooms = %+v, want the persisted snapshot", rooms)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindColdReconnect {
			t.Errorf("event = %q, want %q", evt.Kind, bus.KindColdReconnect)
		}
		payload := evt.Payload.(ColdReconnect)
		if len(payload.Rooms) != 1 || payload.Rooms[0].Nick != "alice" {
			t.Errorf("payload rooms = %+v", payload.Rooms)
		}
	case <-time.After(time.Second):
		t.Fatal("no cold-reconnect event published")
	}

	// Failed resumption must drop the session id but keep the rooms.
	stored, _ := store.LoadSession(account)
	if stored == nil {
		t.Fatal("session record gone entirely; rooms must survive for rejoin")
	}
	if stored.SessionID != "" {
		t.Errorf("stored session id = %q, want cleared", stored.SessionID)
	}
	if len(stored.JoinedRooms) != 1 {
		t.Errorf("stored rooms = %+v", stored.JoinedRooms)
	}

	// A second attempt has nothing to offer the server.
	r2 := &fakeResumer{}
	ok, _ = m.AttemptResume(context.Background(), r2)
	if ok || r2.calls != 0 {
		t.Error("cleared session must not be offered for resumption again")
	}
}

func TestAttemptResumeUnsupportedTransport(t *testing.T) {
	m := NewManager(account, newMemStore(), nil, nil)
	m.SessionStarted("sess-1", "r")

	r := &fakeResumer{err: ErrResumptionUnsupported}
	if ok, _ := m.AttemptResume(context.Background(), r); ok {
		t.Fatal("unsupported transport must take the cold path")
	}
}

func TestAttemptResumeWithoutSavedSession(t *testing.T) {
	m := NewManager(account, newMemStore(), nil, nil)
	r := &fakeResumer{}
	ok, _ := m.AttemptResume(context.Background(), r)
	if ok {
		t.Fatal("no saved session must be a cold reconnect")
	}
	if r.calls != 0 {
		t.Error("resumer must not be called without a saved session")
	}
}

func TestRejoinRooms(t *testing.T) {
	m := NewManager(account, newMemStore(), nil, nil)
	rooms := []Room{
		{JID: "a@muc", Nick: "alice"},
		{JID: "b@muc", Nick: "alice", Password: "pw"},
		{JID: "c@muc", Nick: "alice"},
	}
	j := &fakeJoiner{fail: map[string]error{"b@muc": errors.New("forbidden")}}

	m.RejoinRooms(context.Background(), j, rooms)

	// The failing room is skipped; the others still join with saved nicks.
	if len(j.joined) != 2 {
		t.Fatalf("joined = %+v, want 2", j.joined)
	}
	if j.joined[0].JID != "a@muc" || j.joined[1].JID != "c@muc" {
		t.Errorf("joined = %+v", j.joined)
	}
	if j.joined[0].Nick != "alice" {
		t.Errorf("nick = %q, want the saved nickname", j.joined[0].Nick)
	}
}

func TestLogoutClearsStore(t *testing.T) {
	store := newMemStore()
	m := NewManager(account, store, nil, nil)
	m.SessionStarted("sess-1", "r")
	m.RoomJoined(Room{JID: "room@muc", Nick: "alice"})

	m.Logout()

	if snap := m.Snapshot(); snap.SessionID != "" || len(snap.JoinedRooms) != 0 {
		t.Errorf("snapshot after logout = %+v", snap)
	}
	stored, _ := store.LoadSession(account)
	if stored != nil {
		t.Errorf("stored = %+v, want cleared", stored)
	}
}

func TestPersistFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	m := NewManager(account, store, nil, nil)

	m.SessionStarted("sess-1", "r")
	m.StanzaAcked()

	// In-memory state keeps advancing even when persistence fails.
	if got := m.InboundCount(); got != 1 {
		t.Errorf("InboundCount = %d, want 1", got)
	}
}
