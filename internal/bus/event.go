package bus

import "time"

// Event kinds published by the engine and the transport adapter. Subscribers
// filter by namespace prefix, e.g. "xmpp." or "conv.".
const (
	// Transport layer → engine.
	KindLiveMessage  = "xmpp.message"      // payload: message.Message
	KindConnected    = "xmpp.connected"    // first successful connect
	KindReconnected  = "xmpp.reconnected"  // transport re-established after a drop
	KindDisconnected = "xmpp.disconnected" // payload: error (may be nil)
	KindRoomJoined   = "xmpp.room_joined"  // payload: resume.Room
	KindRoomLeft     = "xmpp.room_left"    // payload: room JID string

	// Engine → embedding client.
	KindConvMessages = "conv.messages" // payload: archive.ConvMessages
	KindConvState    = "conv.state"    // payload: archive.ConvState

	// Session continuity.
	KindResumed       = "session.resumed"        // payload: resume.Resumed
	KindColdReconnect = "session.cold_reconnect" // payload: resume.ColdReconnect
	KindStatusChanged = "session.status_changed" // payload: status.StatusChange
	KindLoggedOut     = "session.logged_out"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
