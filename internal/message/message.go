// Package message holds the normalized message model and the pure
// dedup/sort/merge utility the sync engine builds canonical conversation
// history from. No I/O happens here.
package message

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is a normalized chat message, independent of delivery path
// (live stanza, carbon copy, or archive replay).
type Message struct {
	// ID is the client-local identifier, unique within a conversation.
	// Assigned by the sender, or generated on receipt when the stanza
	// carries none.
	ID string
	// StanzaID is the server-assigned archive identifier. Stable across
	// client restarts; empty for messages not yet archived.
	StanzaID string
	// Conversation is the bare JID of the chat this message belongs to.
	Conversation string
	// From is the sender address, bare or full.
	From string
	Body string
	// Kind is the stanza type: "chat" or "groupchat".
	Kind      string
	FromSelf  bool
	Timestamp time.Time
}

// NewLocalID returns a fresh client-local message identifier.
func NewLocalID() string {
	return uuid.NewString()
}

// KeyFunc extracts the identity keys of a message. A message matching an
// existing entry on ANY key is a duplicate of it.
type KeyFunc func(Message) []string

// Keys is the default identity extraction. It yields up to two keys so the
// same logical message is recognized whether it arrives live, as a carbon,
// or as an archive replay:
//
//	stanza:<archive id>        when the server assigned one
//	id:<bare sender>:<local id> always, when the local id is known
func Keys(m Message) []string {
	keys := make([]string, 0, 2)
	if m.StanzaID != "" {
		keys = append(keys, "stanza:"+m.StanzaID)
	}
	if m.ID != "" {
		keys = append(keys, "id:"+Bare(m.From)+":"+m.ID)
	}
	return keys
}

// Bare strips the resource part of a JID, if any.
func Bare(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[:i]
	}
	return jid
}
