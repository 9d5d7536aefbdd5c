// Package xmpp adapts the wire protocol to the engine: it owns the
// connection, converts live stanzas to domain messages on the bus, and
// implements archive queries (MAM) and room membership for the sync layer.
package xmpp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	xmppgo "github.com/meszmate/xmpp-go"
	"github.com/meszmate/xmpp-go/dial"
	"github.com/meszmate/xmpp-go/jid"
	"github.com/meszmate/xmpp-go/plugin"
	"github.com/meszmate/xmpp-go/plugins/carbons"
	"github.com/meszmate/xmpp-go/plugins/disco"
	mamplugin "github.com/meszmate/xmpp-go/plugins/mam"
	"github.com/meszmate/xmpp-go/plugins/muc"
	"github.com/meszmate/xmpp-go/plugins/ping"
	"github.com/meszmate/xmpp-go/plugins/presence"
	"github.com/meszmate/xmpp-go/stanza"
	"github.com/meszmate/xmpp-go/storage/memory"
	"go.uber.org/zap"

	"github.com/macaw-im/macaw/internal/bus"
	"github.com/macaw-im/macaw/internal/config"
	"github.com/macaw-im/macaw/internal/resume"
)

const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute
)

// Adapter owns one account's connection. It publishes transport events on
// the bus and serves archive queries for the sync engine.
type Adapter struct {
	cfg    config.Account
	jid    jid.JID
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.RWMutex
	session   *xmppgo.Session
	plugins   *plugin.Manager
	connected bool
	everUp    bool
	rooms     map[string]struct{} // bare room JIDs currently joined

	queries *mamQueries

	cancel context.CancelFunc
}

// NewAdapter creates an adapter for the configured account.
func NewAdapter(cfg config.Account, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	addr, err := jid.Parse(cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("invalid account JID: %w", err)
	}
	if cfg.Resource != "" {
		addr = addr.WithResource(cfg.Resource)
	}
	return &Adapter{
		cfg:     cfg,
		jid:     addr,
		bus:     b,
		logger:  logger,
		rooms:   make(map[string]struct{}),
		queries: newMAMQueries(),
	}, nil
}

// Self returns the account's bare JID.
func (a *Adapter) Self() string {
	return a.jid.Bare().String()
}

// Start launches the connect-and-serve loop. Each drop publishes a
// disconnect event and reconnects with exponential backoff.
func (a *Adapter) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	go func() {
		backoff := initialBackoff
		for {
			err := a.connect(ctx)
			if err == nil {
				backoff = initialBackoff
				err = a.serve()
			}
			if ctx.Err() != nil {
				return
			}

			a.setConnected(false)
			a.bus.Publish(bus.Event{
				Kind:      bus.KindDisconnected,
				Timestamp: time.Now(),
				Payload:   err,
			})
			a.logger.Warn("connection lost, reconnecting",
				zap.Error(err), zap.Duration("backoff", backoff))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxBackoff)
		}
	}()
}

// Stop tears the connection down.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.plugins != nil {
		_ = a.plugins.Close()
	}
	if a.session != nil {
		_ = a.session.Close()
	}
	a.session = nil
	a.plugins = nil
	a.connected = false
}

func (a *Adapter) connect(ctx context.Context) error {
	dialer := dial.NewDialer()
	dialer.TLSConfig = &tls.Config{
		ServerName: a.jid.Domain(),
		MinVersion: tls.VersionTLS12,
	}

	trans, err := dialer.Dial(ctx, a.jid.Domain())
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.jid.Domain(), err)
	}

	plugins := plugin.NewManager()
	registered := []plugin.Plugin{
		disco.New(),
		carbons.New(),
		mamplugin.New(),
		muc.New(),
		ping.New(),
		presence.New(),
	}
	for _, p := range registered {
		if err := plugins.Register(p); err != nil {
			_ = trans.Close()
			return fmt.Errorf("register plugin %s: %w", p.Name(), err)
		}
	}

	if _, err := xmppgo.NewClient(a.jid, a.cfg.Password,
		xmppgo.WithPlugins(registered...),
		xmppgo.WithHandler(xmppgo.HandlerFunc(a.handleStanza)),
	); err != nil {
		_ = trans.Close()
		return fmt.Errorf("create client: %w", err)
	}

	session, err := xmppgo.NewSession(ctx, trans, xmppgo.WithLocalAddr(a.jid))
	if err != nil {
		_ = trans.Close()
		return fmt.Errorf("establish session: %w", err)
	}

	params := plugin.InitParams{
		SendRaw: func(ctx context.Context, data []byte) error {
			return session.SendRaw(ctx, bytes.NewReader(data))
		},
		SendElement: session.SendElement,
		State:       func() uint32 { return uint32(session.State()) },
		LocalJID:    func() string { return session.LocalAddr().String() },
		RemoteJID:   func() string { return session.RemoteAddr().String() },
		Get:         plugins.Get,
		Storage:     memory.New(),
	}
	if err := plugins.Initialize(ctx, params); err != nil {
		_ = session.Close()
		return fmt.Errorf("initialize plugins: %w", err)
	}

	a.mu.Lock()
	a.session = session
	a.plugins = plugins
	a.connected = true
	first := !a.everUp
	a.everUp = true
	a.mu.Unlock()

	if err := session.Send(ctx, stanza.NewPresence(stanza.PresenceAvailable)); err != nil {
		a.logger.Warn("failed to send initial presence", zap.Error(err))
	}

	kind := bus.KindReconnected
	if first {
		kind = bus.KindConnected
	}
	a.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
	a.logger.Info("connected", zap.String("jid", a.jid.String()))
	return nil
}

// serve blocks until the session ends.
func (a *Adapter) serve() error {
	a.mu.RLock()
	session := a.session
	a.mu.RUnlock()
	if session == nil {
		return fmt.Errorf("no session")
	}
	return session.Serve(nil)
}

func (a *Adapter) setConnected(v bool) {
	a.mu.Lock()
	a.connected = v
	a.mu.Unlock()
}

func (a *Adapter) currentSession() (*xmppgo.Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected || a.session == nil {
		return nil, fmt.Errorf("not connected")
	}
	return a.session, nil
}

func (a *Adapter) handleStanza(ctx context.Context, _ *xmppgo.Session, st stanza.Stanza) error {
	switch s := st.(type) {
	case *stanza.Message:
		a.handleMessage(s)
	case *stanza.IQ:
		a.handleIQ(s)
	}
	return nil
}

func (a *Adapter) handleMessage(st *stanza.Message) {
	for _, ext := range st.Extensions {
		if ext.XMLName.Space == mamNS && ext.XMLName.Local == "result" {
			a.queries.collect(ext.Inner, a.Self())
			return
		}
	}

	msg, ok := fromStanza(st, a.Self())
	if !ok {
		return
	}
	a.bus.Publish(bus.Event{
		Kind:      bus.KindLiveMessage,
		Timestamp: time.Now(),
		Payload:   msg,
	})
}

func (a *Adapter) handleIQ(iq *stanza.IQ) {
	if len(iq.Query) == 0 {
		return
	}
	var fin mamFin
	if err := xml.Unmarshal(iq.Query, &fin); err != nil {
		return
	}
	if fin.XMLName.Local == "fin" {
		a.queries.finish(iq.ID, fin)
	}
}

// Resume reports that stream resumption is unavailable on this transport,
// which sends the session manager down the cold-reconnect path.
func (a *Adapter) Resume(_ context.Context, _ string, _ uint32) (uint32, error) {
	return 0, resume.ErrResumptionUnsupported
}

// JoinRoom joins a MUC room and publishes the membership event. Password
// rooms need a manual presence carrying the password element, the plugin
// join only covers open rooms.
func (a *Adapter) JoinRoom(ctx context.Context, roomJID, nick, password string) error {
	session, err := a.currentSession()
	if err != nil {
		return err
	}

	if password == "" {
		a.mu.RLock()
		plugins := a.plugins
		a.mu.RUnlock()
		mp, ok := plugins.Get(muc.Name)
		if !ok {
			return fmt.Errorf("muc plugin not available")
		}
		if err := mp.(*muc.Plugin).JoinRoom(ctx, roomJID, nick); err != nil {
			return fmt.Errorf("join %s: %w", roomJID, err)
		}
	} else {
		room, err := jid.Parse(roomJID)
		if err != nil {
			return fmt.Errorf("invalid room JID: %w", err)
		}
		p := stanza.NewPresence(stanza.PresenceAvailable)
		p.To = room.Bare().WithResource(nick)

		x := mucJoin{Password: password}
		data, _ := xml.Marshal(&x)
		p.Extensions = append(p.Extensions, stanza.Extension{
			XMLName: xml.Name{Space: "http://jabber.org/protocol/muc", Local: "x"},
			Inner:   data,
		})
		if err := session.Send(ctx, p); err != nil {
			return fmt.Errorf("join %s: %w", roomJID, err)
		}
	}

	a.mu.Lock()
	a.rooms[roomJID] = struct{}{}
	a.mu.Unlock()

	a.bus.Publish(bus.Event{
		Kind:      bus.KindRoomJoined,
		Timestamp: time.Now(),
		Payload:   resume.Room{JID: roomJID, Nick: nick, Password: password},
	})
	return nil
}

// LeaveRoom leaves a MUC room and publishes the membership event.
func (a *Adapter) LeaveRoom(ctx context.Context, roomJID string) error {
	if _, err := a.currentSession(); err != nil {
		return err
	}
	a.mu.RLock()
	plugins := a.plugins
	a.mu.RUnlock()

	mp, ok := plugins.Get(muc.Name)
	if !ok {
		return fmt.Errorf("muc plugin not available")
	}
	if err := mp.(*muc.Plugin).LeaveRoom(ctx, roomJID); err != nil {
		return fmt.Errorf("leave %s: %w", roomJID, err)
	}

	a.mu.Lock()
	delete(a.rooms, roomJID)
	a.mu.Unlock()

	a.bus.Publish(bus.Event{
		Kind:      bus.KindRoomLeft,
		Timestamp: time.Now(),
		Payload:   roomJID,
	})
	return nil
}

// SendMessage sends a chat message and returns its stanza id.
func (a *Adapter) SendMessage(ctx context.Context, to, body string) (string, error) {
	session, err := a.currentSession()
	if err != nil {
		return "", err
	}
	toJID, err := jid.Parse(to)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}

	kind := stanza.MessageChat
	if a.isRoom(to) {
		kind = stanza.MessageGroupchat
	}

	msg := stanza.NewMessage(kind)
	msg.ID = stanza.GenerateID()
	msg.To = toJID
	msg.Body = body
	return msg.ID, session.Send(ctx, msg)
}

func (a *Adapter) isRoom(bareJID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.rooms[bareJID]
	return ok
}

// mucJoin is the muc x-element carried on a join presence for password rooms.
type mucJoin struct {
	XMLName  xml.Name `xml:"http://jabber.org/protocol/muc x"`
	Password string   `xml:"password,omitempty"`
}
