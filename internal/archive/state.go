package archive

import "github.com/macaw-im/macaw/internal/message"

// State is the archive query state of one conversation. Values are
// snapshots; the Manager owns the authoritative copy.
type State struct {
	// LoadingOlder / LoadingForward report an in-flight query per
	// direction. At most one query per direction is ever outstanding;
	// they are set synchronously before the network round-trip so a
	// concurrent caller observes them and no-ops instead of duplicating
	// the request.
	LoadingOlder   bool
	LoadingForward bool

	// Err is the last query failure, cleared by the next success.
	Err error

	// HasQueried becomes true once the first query of either direction
	// completes, success or failure.
	HasQueried bool

	// HistoryComplete is true once a backward query reported that no
	// older data exists. Monotonic: only a Reset clears it.
	HistoryComplete bool

	// CaughtUp is true once a forward query reported no gap to the
	// present. Cleared on every reconnect.
	CaughtUp bool

	// OldestFetchedID is the cursor for the next backward query, set
	// from the First id of each successful backward page.
	OldestFetchedID string

	// NeedsCatchUp is set for every tracked conversation on reconnect
	// and cleared only by a forward query that reports Complete.
	NeedsCatchUp bool
}

// Loading reports whether any query is in flight for the conversation.
func (s State) Loading() bool {
	return s.LoadingOlder || s.LoadingForward
}

// ConvMessages is the bus payload carrying genuinely new messages for one
// conversation, in the order they entered the canonical sequence.
type ConvMessages struct {
	Conversation string
	Messages     []message.Message
}

// ConvState is the bus payload carrying a conversation's state snapshot.
type ConvState struct {
	Conversation string
	State        State
}
