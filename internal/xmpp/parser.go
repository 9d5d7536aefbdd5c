package xmpp

import (
	"encoding/xml"
	"time"

	"github.com/meszmate/xmpp-go/stanza"

	"github.com/macaw-im/macaw/internal/message"
)

const (
	delayNS    = "urn:xmpp:delay"
	stanzaIDNS = "urn:xmpp:sid:0"
)

type delayInfo struct {
	XMLName xml.Name `xml:"urn:xmpp:delay delay"`
	Stamp   string   `xml:"stamp,attr"`
}

type stanzaIDExt struct {
	XMLName xml.Name `xml:"urn:xmpp:sid:0 stanza-id"`
	ID      string   `xml:"id,attr"`
	By      string   `xml:"by,attr"`
}

// fromStanza normalizes a message stanza into the domain model. Returns
// false for stanzas with no body (chat states, typing notifications).
//
// The conversation is the bare peer JID: for groupchat the room, for chat
// the counterpart regardless of direction, so a carbon of our own outgoing
// message lands in the same conversation as the original.
func fromStanza(st *stanza.Message, selfBare string) (message.Message, bool) {
	if st.Body == "" {
		return message.Message{}, false
	}

	from := st.From.String()
	fromBare := message.Bare(from)
	fromSelf := fromBare == selfBare

	var conv string
	switch {
	case st.Type == string(stanza.MessageGroupchat):
		conv = fromBare
		// In a room our own reflection comes back under our nick, not
		// our account JID. Matching happens on ids, not the sender.
		fromSelf = false
	case fromSelf:
		conv = message.Bare(st.To.String())
	default:
		conv = fromBare
	}

	msg := message.Message{
		ID:           st.ID,
		Conversation: conv,
		From:         from,
		Body:         st.Body,
		Kind:         st.Type,
		FromSelf:     fromSelf,
		Timestamp:    time.Now(),
	}
	if msg.ID == "" {
		msg.ID = message.NewLocalID()
	}

	for _, ext := range st.Extensions {
		switch {
		case ext.XMLName.Space == stanzaIDNS && ext.XMLName.Local == "stanza-id":
			var sid stanzaIDExt
			if err := xml.Unmarshal(ext.Inner, &sid); err == nil && sid.ID != "" {
				msg.StanzaID = sid.ID
			}
		case ext.XMLName.Space == delayNS && ext.XMLName.Local == "delay":
			var d delayInfo
			if err := xml.Unmarshal(ext.Inner, &d); err == nil {
				if ts, err := parseStamp(d.Stamp); err == nil {
					msg.Timestamp = ts
				}
			}
		}
	}

	return msg, true
}

// parseStamp parses an XEP-0203 delay timestamp. Servers vary between
// second and sub-second precision.
func parseStamp(stamp string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return time.Parse(time.RFC3339, stamp)
	}
	return ts, nil
}
