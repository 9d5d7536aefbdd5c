package resume

import (
	"context"
	"sync"
	"time"

	"github.com/macaw-im/macaw/internal/bus"
	"go.uber.org/zap"
)

// Manager owns the session continuity state of one account. Every counter
// change and room change is written through to the store; persistence
// failures are logged, never fatal — a lost counter only costs an
// unnecessary catch-up later.
type Manager struct {
	account string
	store   Store
	bus     *bus.Bus
	logger  *zap.Logger

	mu    sync.Mutex
	state SessionState
}

// NewManager creates a manager for the given account JID.
func NewManager(account string, store Store, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		account: account,
		store:   store,
		bus:     b,
		logger:  logger,
	}
}

// Restore loads the persisted session state, if any. Called once at startup
// before the first connect.
func (m *Manager) Restore() error {
	stored, err := m.store.LoadSession(m.account)
	if err != nil {
		return err
	}
	if stored == nil {
		return nil
	}
	m.mu.Lock()
	m.state = *stored
	m.mu.Unlock()
	return nil
}

// SessionStarted records a freshly negotiated resumable session. The inbound
// counter restarts at zero; the previous session's counter must never be
// offered against a new session id.
func (m *Manager) SessionStarted(sessionID, resource string) {
	m.mu.Lock()
	m.state.SessionID = sessionID
	m.state.Resource = resource
	m.state.InboundCount = 0
	m.mu.Unlock()
	m.persist()
}

// StanzaAcked increments the inbound counter and persists it.
func (m *Manager) StanzaAcked() {
	m.mu.Lock()
	m.state.InboundCount++
	m.mu.Unlock()
	m.persist()
}

// InboundCount returns the current acknowledged inbound stanza count.
func (m *Manager) InboundCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InboundCount
}

// RoomJoined adds or updates a room in the snapshot.
func (m *Manager) RoomJoined(r Room) {
	m.mu.Lock()
	replaced := false
	for i, existing := range m.state.JoinedRooms {
		if existing.JID == r.JID {
			m.state.JoinedRooms[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		m.state.JoinedRooms = append(m.state.JoinedRooms, r)
	}
	m.mu.Unlock()
	m.persist()
}

// RoomLeft removes a room from the snapshot.
func (m *Manager) RoomLeft(roomJID string) {
	m.mu.Lock()
	rooms := m.state.JoinedRooms[:0]
	for _, r := range m.state.JoinedRooms {
		if r.JID != roomJID {
			rooms = append(rooms, r)
		}
	}
	m.state.JoinedRooms = rooms
	m.mu.Unlock()
	m.persist()
}

// Snapshot returns a copy of the current session state.
func (m *Manager) Snapshot() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.JoinedRooms = append([]Room(nil), m.state.JoinedRooms...)
	return s
}

// AttemptResume tries to resume the last known session. It returns true on
// success. On any failure — no saved session, transport without resumption,
// or server rejection — it clears the stored session, publishes a
// cold-reconnect event carrying the room snapshot, and returns false along
// with the rooms the caller must re-join.
func (m *Manager) AttemptResume(ctx context.Context, r Resumer) (bool, []Room) {
	m.mu.Lock()
	st := m.state
	rooms := append([]Room(nil), st.JoinedRooms...)
	m.mu.Unlock()

	if st.SessionID == "" {
		m.logger.Info("no saved session, cold reconnect")
		m.cold(rooms)
		return false, rooms
	}

	serverInbound, err := r.Resume(ctx, st.SessionID, st.InboundCount)
	if err != nil {
		m.logger.Warn("session resumption failed, falling back to cold reconnect",
			zap.String("session_id", st.SessionID), zap.Error(err))
		m.dropSession()
		m.cold(rooms)
		return false, rooms
	}

	m.logger.Info("session resumed",
		zap.String("session_id", st.SessionID),
		zap.Uint32("client_inbound", st.InboundCount),
		zap.Uint32("server_inbound", serverInbound))
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindResumed,
			Timestamp: time.Now(),
			Payload:   Resumed{SessionID: st.SessionID, ServerInbound: serverInbound},
		})
	}
	return true, nil
}

// RejoinRooms re-joins every room in the snapshot with its saved nickname
// and password. A room that fails to join is logged and skipped; the rest
// still join.
func (m *Manager) RejoinRooms(ctx context.Context, j Joiner, rooms []Room) {
	for _, r := range rooms {
		if err := j.JoinRoom(ctx, r.JID, r.Nick, r.Password); err != nil {
			m.logger.Warn("failed to re-join room",
				zap.String("room", r.JID), zap.Error(err))
			continue
		}
		m.logger.Info("re-joined room", zap.String("room", r.JID), zap.String("nick", r.Nick))
	}
}

// Logout clears session state in memory and in the store. Stale state from
// a previous logical login must never be offered to a new one.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.state = SessionState{}
	m.mu.Unlock()
	if err := m.store.ClearSession(m.account); err != nil {
		m.logger.Warn("failed to clear session state", zap.Error(err))
	}
}

// dropSession forgets the session id and counter but keeps the room
// snapshot: the rooms still need re-joining on the cold path and should
// survive a crash between reconnect and rejoin.
func (m *Manager) dropSession() {
	m.mu.Lock()
	m.state.SessionID = ""
	m.state.InboundCount = 0
	m.mu.Unlock()
	m.persist()
}

func (m *Manager) cold(rooms []Room) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindColdReconnect,
		Timestamp: time.Now(),
		Payload:   ColdReconnect{Rooms: rooms},
	})
}

func (m *Manager) persist() {
	m.mu.Lock()
	s := m.state
	s.SavedAt = time.Now()
	s.JoinedRooms = append([]Room(nil), m.state.JoinedRooms...)
	m.state.SavedAt = s.SavedAt
	m.mu.Unlock()

	if err := m.store.SaveSession(m.account, s); err != nil {
		m.logger.Warn("failed to persist session state", zap.Error(err))
	}
}
