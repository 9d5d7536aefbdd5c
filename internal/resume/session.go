// Package resume persists the state needed to attempt stream resumption
// after a disconnect, and defines the cold-reconnect fallback when the
// server rejects it.
package resume

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Room is a manually joined, non-bookmarked room. The snapshot is persisted
// because resumption alone does not restore MUC membership: a cold reconnect
// must re-join each room with its saved nickname and password.
type Room struct {
	JID      string
	Nick     string
	Password string
}

// SessionState is the record persisted per account identity.
type SessionState struct {
	SessionID string
	// InboundCount is the number of stanzas acknowledged inbound, offered
	// to the server in the resumption handshake.
	InboundCount uint32
	Resource     string
	SavedAt      time.Time
	JoinedRooms  []Room
}

// Store is the required persistence capability, keyed by account JID.
// LoadSession returns nil when no state is stored.
type Store interface {
	SaveSession(accountJID string, s SessionState) error
	LoadSession(accountJID string) (*SessionState, error)
	ClearSession(accountJID string) error
}

// Resumer is the transport-side resumption capability. On success it
// returns the server's replayed inbound count. Stanzas the server replays
// after resumption flow through normal dedup like any other batch.
type Resumer interface {
	Resume(ctx context.Context, sessionID string, inbound uint32) (uint32, error)
}

// Joiner re-joins a room on the transport.
type Joiner interface {
	JoinRoom(ctx context.Context, roomJID, nick, password string) error
}

// ErrResumptionUnsupported is returned by transports without a resumption
// mechanism; the manager treats it like a rejection and takes the cold path.
var ErrResumptionUnsupported = errors.New("stream resumption not supported by transport")

// RejectedError reports that the server declined to resume the session.
// Not fatal: it triggers the fully automated cold-reconnect fallback.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("session resumption rejected: %s", e.Reason)
}

// Resumed is the bus payload published after successful resumption.
type Resumed struct {
	SessionID     string
	ServerInbound uint32
}

// ColdReconnect is the bus payload published when resumption was absent,
// unsupported, or rejected. Rooms is the last persisted snapshot to re-join.
type ColdReconnect struct {
	Rooms []Room
}
