package archive

import (
	"context"
	"sync"
	"time"

	"github.com/macaw-im/macaw/internal/bus"
	"github.com/macaw-im/macaw/internal/message"
	"go.uber.org/zap"
)

const defaultPageSize = 50

// Options configures a Manager.
type Options struct {
	// PageSize is the max entries requested per query. Defaults to 50.
	PageSize int
	// HistoryLimit trims the canonical sequence to the newest N entries
	// after live and forward merges. 0 means unlimited. Backward pages
	// are never trimmed — trimming what scrollback just loaded would
	// defeat the load.
	HistoryLimit int
	// Key overrides the identity extraction. Defaults to message.Keys.
	Key message.KeyFunc
}

// Manager owns the archive query state and canonical history of every
// conversation of one account. It is an explicit registry: tests and
// multi-account processes instantiate isolated managers.
type Manager struct {
	fetcher Fetcher
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options

	mu    sync.Mutex
	convs map[string]*conversation
}

// conversation is created lazily on first touch and lives until Reset.
type conversation struct {
	state   State
	history []message.Message

	// forwardCursor chains multi-page catch-up queries; cleared once
	// caught up and on reconnect.
	forwardCursor string
	// newestSeen is the timestamp of the newest known message, the
	// starting point of the next catch-up.
	newestSeen time.Time

	// gen increments on Reset so a response from before the reset is
	// recognized and silently discarded.
	gen int
}

// NewManager creates a manager using fetcher for archive queries.
func NewManager(fetcher Fetcher, b *bus.Bus, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Key == nil {
		opts.Key = message.Keys
	}
	return &Manager{
		fetcher: fetcher,
		bus:     b,
		logger:  logger,
		opts:    opts,
		convs:   make(map[string]*conversation),
	}
}

// conv returns the tracked conversation, creating it on first touch.
// Caller holds mu.
func (m *Manager) conv(id string) *conversation {
	c, ok := m.convs[id]
	if !ok {
		c = &conversation{}
		m.convs[id] = c
	}
	return c
}

// LoadOlder issues one backward history query for the conversation. A call
// while a backward query is already in flight, or after history completed,
// is a no-op. The returned error is also recorded on the conversation state.
func (m *Manager) LoadOlder(ctx context.Context, conv string) error {
	m.mu.Lock()
	c := m.conv(conv)
	if c.state.LoadingOlder || c.state.HistoryComplete {
		m.mu.Unlock()
		return nil
	}
	c.state.LoadingOlder = true
	gen := c.gen
	req := PageRequest{Before: c.state.OldestFetchedID, Max: m.opts.PageSize}
	snapshot := c.state
	m.mu.Unlock()

	m.publishState(conv, snapshot)

	res, err := m.fetcher.FetchOlder(ctx, conv, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conv]
	if !ok || c.gen != gen {
		// Conversation was reset while the query was in flight.
		return nil
	}
	c.state.LoadingOlder = false
	c.state.HasQueried = true
	if err != nil {
		qerr := &QueryError{Conversation: conv, Direction: "older", Err: err}
		c.state.Err = qerr
		m.logger.Warn("backward archive query failed",
			zap.String("conversation", conv), zap.Error(err))
		m.publishState(conv, c.state)
		return qerr
	}

	merged, fresh := message.MergeOlder(c.history, res.Messages, m.opts.Key)
	c.history = merged
	if res.First != "" {
		c.state.OldestFetchedID = res.First
	}
	c.state.HistoryComplete = res.Complete
	c.state.Err = nil
	c.touchNewest()

	m.publishFresh(conv, fresh)
	m.publishState(conv, c.state)
	return nil
}

// CatchUp issues one forward catch-up query. If the response itself reports
// incompleteness, NeedsCatchUp stays set and the follow-up page is chained
// from the response's Last id; the caller drives the follow-up.
func (m *Manager) CatchUp(ctx context.Context, conv string) error {
	m.mu.Lock()
	c := m.conv(conv)
	if c.state.LoadingForward {
		m.mu.Unlock()
		return nil
	}
	c.state.LoadingForward = true
	gen := c.gen
	req := CatchUpRequest{Since: c.newestSeen, After: c.forwardCursor, Max: m.opts.PageSize}
	snapshot := c.state
	m.mu.Unlock()

	m.publishState(conv, snapshot)

	res, err := m.fetcher.FetchSince(ctx, conv, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conv]
	if !ok || c.gen != gen {
		return nil
	}
	c.state.LoadingForward = false
	c.state.HasQueried = true
	if err != nil {
		qerr := &QueryError{Conversation: conv, Direction: "catchup", Err: err}
		c.state.Err = qerr
		m.logger.Warn("catch-up query failed",
			zap.String("conversation", conv), zap.Error(err))
		m.publishState(conv, c.state)
		return qerr
	}

	merged, fresh := message.Merge(c.history, res.Messages, m.opts.Key)
	c.history = m.applyLimit(merged)
	c.state.CaughtUp = res.Complete
	if res.Complete {
		c.state.NeedsCatchUp = false
		c.forwardCursor = ""
	} else if res.Last != "" {
		c.forwardCursor = res.Last
	}
	c.state.Err = nil
	c.touchNewest()

	m.publishFresh(conv, fresh)
	m.publishState(conv, c.state)
	return nil
}

// Ingest merges a live-delivery batch into the conversation. Replays of
// messages already known (carbons, post-resumption redelivery, a MAM page
// racing a live stanza) fall out in the merge.
func (m *Manager) Ingest(conv string, batch []message.Message) {
	m.mu.Lock()
	c := m.conv(conv)
	merged, fresh := message.Merge(c.history, batch, m.opts.Key)
	c.history = m.applyLimit(merged)
	c.touchNewest()
	state := c.state
	m.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	m.publishFresh(conv, fresh)
	m.publishState(conv, state)
}

// MarkAllStale flags every tracked conversation as needing catch-up.
// Called on reconnect; deliberately pessimistic — an unnecessary catch-up
// query is far cheaper than a silently missed message.
func (m *Manager) MarkAllStale() {
	m.mu.Lock()
	type change struct {
		conv  string
		state State
	}
	changes := make([]change, 0, len(m.convs))
	for id, c := range m.convs {
		c.state.NeedsCatchUp = true
		c.state.CaughtUp = false
		c.forwardCursor = ""
		changes = append(changes, change{id, c.state})
	}
	m.mu.Unlock()

	for _, ch := range changes {
		m.publishState(ch.conv, ch.state)
	}
}

// Reset reinitializes a conversation to its untouched state. A response to
// a query that was in flight at reset time is discarded when it arrives;
// a reused conversation id never inherits a stale cursor.
func (m *Manager) Reset(conv string) {
	m.mu.Lock()
	c, ok := m.convs[conv]
	if !ok {
		m.mu.Unlock()
		return
	}
	gen := c.gen + 1
	*c = conversation{gen: gen}
	state := c.state
	m.mu.Unlock()

	m.publishState(conv, state)
}

// History returns a copy of the conversation's canonical sequence.
func (m *Manager) History(conv string) []message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conv]
	if !ok || len(c.history) == 0 {
		return nil
	}
	out := make([]message.Message, len(c.history))
	copy(out, c.history)
	return out
}

// StateOf returns a snapshot of the conversation's query state.
func (m *Manager) StateOf(conv string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conv]
	if !ok {
		return State{}
	}
	return c.state
}

// Conversations lists the ids of all tracked conversations.
func (m *Manager) Conversations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.convs))
	for id := range m.convs {
		out = append(out, id)
	}
	return out
}

func (m *Manager) applyLimit(msgs []message.Message) []message.Message {
	if m.opts.HistoryLimit <= 0 {
		return msgs
	}
	return message.Trim(msgs, m.opts.HistoryLimit)
}

// touchNewest records the timestamp of the newest entry. Caller holds mu.
func (c *conversation) touchNewest() {
	if n := len(c.history); n > 0 {
		ts := c.history[n-1].Timestamp
		if ts.After(c.newestSeen) {
			c.newestSeen = ts
		}
	}
}

func (m *Manager) publishFresh(conv string, fresh []message.Message) {
	if m.bus == nil || len(fresh) == 0 {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConvMessages,
		Timestamp: time.Now(),
		Payload:   ConvMessages{Conversation: conv, Messages: fresh},
	})
}

func (m *Manager) publishState(conv string, state State) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConvState,
		Timestamp: time.Now(),
		Payload:   ConvState{Conversation: conv, State: state},
	})
}
