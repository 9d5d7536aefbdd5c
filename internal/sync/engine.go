// Package sync orchestrates archive state against transport events: it
// ingests live traffic, runs the resume-or-catch-up reconciliation after
// every (re)connect, and mirrors conversation history into the local cache.
package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/macaw-im/macaw/internal/archive"
	"github.com/macaw-im/macaw/internal/bus"
	"github.com/macaw-im/macaw/internal/message"
	"github.com/macaw-im/macaw/internal/resume"
	"github.com/macaw-im/macaw/internal/status"
)

// cacheWarmLimit bounds how many cached messages per conversation are
// loaded into memory at startup.
const cacheWarmLimit = 200

// Transport is the capability set the engine needs from the XMPP layer
// during reconciliation.
type Transport interface {
	resume.Resumer
	resume.Joiner
}

// Cache mirrors conversation history to local storage so history survives
// restarts. Optional: a nil cache disables warming and mirroring.
type Cache interface {
	CacheMessages(conversation string, msgs []message.Message) error
	CachedMessages(conversation string, limit int) ([]message.Message, error)
	CachedConversations() ([]string, error)
	ClearConversation(conversation string) error
}

// Engine wires the archive manager, the resume manager and the status
// machine to bus events from the transport.
type Engine struct {
	archive   *archive.Manager
	resume    *resume.Manager
	machine   *status.Machine
	transport Transport
	cache     Cache
	bus       *bus.Bus
	logger    *zap.Logger
	cancel    context.CancelFunc
}

// NewEngine creates a new sync engine. cache may be nil.
func NewEngine(a *archive.Manager, r *resume.Manager, m *status.Machine, t Transport, c Cache, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		archive:   a,
		resume:    r,
		machine:   m,
		transport: t,
		cache:     c,
		bus:       b,
		logger:    logger,
	}
}

// Start warms conversations from the cache and subscribes to transport and
// conversation events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.warmFromCache()

	xmppCh, unsubXMPP := e.bus.Subscribe("xmpp.", 256)
	convCh, unsubConv := e.bus.Subscribe("conv.", 256)

	go func() {
		defer unsubXMPP()
		defer unsubConv()
		for {
			select {
			case evt := <-xmppCh:
				e.handleTransportEvent(ctx, evt)
			case evt := <-convCh:
				e.handleConvEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleTransportEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindLiveMessage:
		msg, ok := evt.Payload.(message.Message)
		if !ok {
			return
		}
		e.archive.Ingest(msg.Conversation, []message.Message{msg})
		e.resume.StanzaAcked()

	case bus.KindConnected, bus.KindReconnected:
		e.reconcile(ctx)

	case bus.KindDisconnected:
		e.toState(status.Reconnecting)
		if err, ok := evt.Payload.(error); ok && err != nil {
			e.logger.Warn("transport disconnected", zap.Error(err))
		}

	case bus.KindRoomJoined:
		if room, ok := evt.Payload.(resume.Room); ok {
			e.resume.RoomJoined(room)
		}

	case bus.KindRoomLeft:
		if jid, ok := evt.Payload.(string); ok {
			e.resume.RoomLeft(jid)
		}
	}
}

func (e *Engine) handleConvEvent(evt bus.Event) {
	if evt.Kind != bus.KindConvMessages || e.cache == nil {
		return
	}
	cm, ok := evt.Payload.(archive.ConvMessages)
	if !ok {
		return
	}
	if err := e.cache.CacheMessages(cm.Conversation, cm.Messages); err != nil {
		e.logger.Error("failed to mirror messages to cache",
			zap.Error(err), zap.String("conversation", cm.Conversation))
	}
}

// reconcile runs after every successful (re)connect: attempt resumption
// first, and on any failure take the cold path — rejoin rooms, mark every
// conversation stale and catch all of them up.
func (e *Engine) reconcile(ctx context.Context) {
	e.toState(status.Connecting)
	e.toState(status.Resuming)

	resumed, rooms := e.resume.AttemptResume(ctx, e.transport)
	if resumed {
		e.toState(status.Ready)
		return
	}

	e.toState(status.Syncing)
	e.resume.RejoinRooms(ctx, e.transport, rooms)
	e.archive.MarkAllStale()
	e.catchUpAll(ctx)
	e.toState(status.Ready)
}

// catchUpAll drives forward queries for every known conversation until each
// reports caught-up or records an error. Errors stop that conversation only;
// the caller retries via RequestCatchUp.
func (e *Engine) catchUpAll(ctx context.Context) {
	for _, conv := range e.archive.Conversations() {
		for {
			st := e.archive.StateOf(conv)
			if !st.NeedsCatchUp || st.Err != nil {
				break
			}
			if err := e.archive.CatchUp(ctx, conv); err != nil {
				e.logger.Warn("catch-up failed",
					zap.Error(err), zap.String("conversation", conv))
				break
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// warmFromCache seeds in-memory history from the local cache so the client
// shows messages before the first archive query returns.
func (e *Engine) warmFromCache() {
	if e.cache == nil {
		return
	}
	convs, err := e.cache.CachedConversations()
	if err != nil {
		e.logger.Warn("failed to list cached conversations", zap.Error(err))
		return
	}
	for _, conv := range convs {
		msgs, err := e.cache.CachedMessages(conv, cacheWarmLimit)
		if err != nil {
			e.logger.Warn("failed to warm conversation from cache",
				zap.Error(err), zap.String("conversation", conv))
			continue
		}
		e.archive.Ingest(conv, msgs)
	}
	e.logger.Info("warmed conversations from cache", zap.Int("conversations", len(convs)))
}

// RequestOlder loads one older page of history for a conversation.
func (e *Engine) RequestOlder(ctx context.Context, conv string) error {
	return e.archive.LoadOlder(ctx, conv)
}

// RequestCatchUp runs one forward catch-up query for a conversation. Used
// by the embedding client to retry after a recorded error.
func (e *Engine) RequestCatchUp(ctx context.Context, conv string) error {
	return e.archive.CatchUp(ctx, conv)
}

// History returns the merged message list for a conversation.
func (e *Engine) History(conv string) []message.Message {
	return e.archive.History(conv)
}

// StateOf returns the query state of a conversation.
func (e *Engine) StateOf(conv string) archive.State {
	return e.archive.StateOf(conv)
}

// ResetConversation drops a conversation's tracked state, in-memory history
// and cached messages. A response to a query in flight at reset time is
// discarded when it lands.
func (e *Engine) ResetConversation(conv string) {
	e.archive.Reset(conv)
	if e.cache != nil {
		if err := e.cache.ClearConversation(conv); err != nil {
			e.logger.Error("failed to clear cached conversation",
				zap.Error(err), zap.String("conversation", conv))
		}
	}
}

// Status returns the current connection lifecycle state.
func (e *Engine) Status() status.State {
	return e.machine.Current()
}

// Logout tears down the persisted session so the next start is a clean
// login with no resumption offer.
func (e *Engine) Logout() {
	e.resume.Logout()
	e.toState(status.Offline)
	e.bus.Publish(bus.Event{Kind: bus.KindLoggedOut, Timestamp: time.Now()})
}

// toState attempts a lifecycle transition, tolerating states already passed
// through. Transport events can race the machine, so an invalid transition
// is logged and skipped rather than treated as fatal.
func (e *Engine) toState(to status.State) {
	if e.machine.Current() == to {
		return
	}
	if err := e.machine.Transition(to); err != nil {
		e.logger.Debug("skipped lifecycle transition",
			zap.String("to", string(to)), zap.Error(err))
	}
}
