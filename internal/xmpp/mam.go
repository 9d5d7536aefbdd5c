package xmpp

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meszmate/xmpp-go/jid"
	"github.com/meszmate/xmpp-go/plugins/form"
	mamplugin "github.com/meszmate/xmpp-go/plugins/mam"
	"github.com/meszmate/xmpp-go/stanza"

	"github.com/macaw-im/macaw/internal/archive"
	"github.com/macaw-im/macaw/internal/message"
)

const (
	mamNS = "urn:xmpp:mam:2"
	rsmNS = "http://jabber.org/protocol/rsm"

	queryTimeout = 30 * time.Second
)

// rsmSet is the XEP-0059 paging element attached to a MAM query and echoed
// back in the fin. Before is a pointer: an empty-but-present <before/>
// requests the newest page, an absent one means forward order.
type rsmSet struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/rsm set"`
	Max     int      `xml:"max,omitempty"`
	Before  *string  `xml:"before,omitempty"`
	After   string   `xml:"after,omitempty"`
	First   string   `xml:"first,omitempty"`
	Last    string   `xml:"last,omitempty"`
}

// mamFin is the completion element of an archive query.
type mamFin struct {
	XMLName  xml.Name `xml:"urn:xmpp:mam:2 fin"`
	Complete bool     `xml:"complete,attr"`
	Set      *rsmSet  `xml:"set"`
}

// mamForwarded is the message-plus-delay wrapper inside an archive result.
type mamForwarded struct {
	XMLName xml.Name   `xml:"urn:xmpp:forward:0 forwarded"`
	Delay   *delayInfo `xml:"urn:xmpp:delay delay"`
	Inner   []byte     `xml:",innerxml"`
}

// pendingQuery collects the result messages of one in-flight archive query
// until the fin IQ arrives.
type pendingQuery struct {
	msgs []message.Message
	done chan mamFin
}

// mamQueries routes asynchronous archive results back to their waiting
// callers by query id.
type mamQueries struct {
	mu      sync.Mutex
	pending map[string]*pendingQuery
}

func newMAMQueries() *mamQueries {
	return &mamQueries{pending: make(map[string]*pendingQuery)}
}

func (q *mamQueries) register(queryID string) *pendingQuery {
	p := &pendingQuery{done: make(chan mamFin, 1)}
	q.mu.Lock()
	q.pending[queryID] = p
	q.mu.Unlock()
	return p
}

func (q *mamQueries) unregister(queryID string) {
	q.mu.Lock()
	delete(q.pending, queryID)
	q.mu.Unlock()
}

// collect decodes one archive result element and appends its forwarded
// message to the matching pending query. Results for unknown query ids
// (a query that timed out or was reset) are dropped.
func (q *mamQueries) collect(inner []byte, selfBare string) {
	var result mamplugin.Result
	if err := xml.Unmarshal(inner, &result); err != nil {
		return
	}
	// The archive id sits on the result element's id attribute.
	var rid struct {
		XMLName xml.Name `xml:"urn:xmpp:mam:2 result"`
		ID      string   `xml:"id,attr"`
	}
	_ = xml.Unmarshal(inner, &rid)

	var fwd mamForwarded
	if err := xml.Unmarshal(result.Forwarded, &fwd); err != nil {
		return
	}
	st, err := decodeForwardedMessage(fwd.Inner)
	if err != nil {
		return
	}

	msg, ok := fromStanza(st, selfBare)
	if !ok {
		return
	}
	// Archived messages carry their id on the result element, not on a
	// stanza-id child.
	if rid.ID != "" {
		msg.StanzaID = rid.ID
	}
	if fwd.Delay != nil {
		if ts, err := parseStamp(fwd.Delay.Stamp); err == nil {
			msg.Timestamp = ts
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[result.QueryID]
	if !ok {
		return
	}
	p.msgs = append(p.msgs, msg)
}

// finish completes the pending query matching the fin IQ's id.
func (q *mamQueries) finish(queryID string, fin mamFin) {
	q.mu.Lock()
	p, ok := q.pending[queryID]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.done <- fin:
	default:
	}
}

func (q *mamQueries) take(queryID string) []message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[queryID]
	if !ok {
		return nil
	}
	return p.msgs
}

// FetchOlder requests one page of history older than the cursor.
// Implements the archive fetcher for backward pagination.
func (a *Adapter) FetchOlder(ctx context.Context, conversation string, req archive.PageRequest) (archive.PageResult, error) {
	before := req.Before
	rsm := rsmSet{Max: req.Max, Before: &before}
	return a.runQuery(ctx, conversation, nil, rsm)
}

// FetchSince requests messages from a point in time forward. A chained
// page (After set) pages by archive id instead of timestamp.
func (a *Adapter) FetchSince(ctx context.Context, conversation string, req archive.CatchUpRequest) (archive.PageResult, error) {
	var fields []form.Field
	rsm := rsmSet{Max: req.Max}
	if req.After != "" {
		rsm.After = req.After
	} else if !req.Since.IsZero() {
		fields = append(fields, form.Field{
			Var:    "start",
			Type:   form.FieldTextSingle,
			Values: []string{req.Since.UTC().Format(time.RFC3339)},
		})
	}
	return a.runQuery(ctx, conversation, fields, rsm)
}

// runQuery issues one MAM query and blocks until its fin arrives. Room
// archives are queried at the room itself; personal archives at the
// account with a "with" filter.
func (a *Adapter) runQuery(ctx context.Context, conversation string, extra []form.Field, rsm rsmSet) (archive.PageResult, error) {
	session, err := a.currentSession()
	if err != nil {
		return archive.PageResult{}, err
	}

	queryID := uuid.NewString()
	isRoom := a.isRoom(conversation)

	fields := []form.Field{{
		Var:    "FORM_TYPE",
		Type:   form.FieldHidden,
		Values: []string{mamNS},
	}}
	if !isRoom {
		fields = append(fields, form.Field{
			Var:    "with",
			Type:   form.FieldJIDSingle,
			Values: []string{conversation},
		})
	}
	fields = append(fields, extra...)

	formBytes, err := xml.Marshal(&form.Form{Type: form.TypeSubmit, Fields: fields})
	if err != nil {
		return archive.PageResult{}, fmt.Errorf("marshal query form: %w", err)
	}
	rsmBytes, err := xml.Marshal(&rsm)
	if err != nil {
		return archive.PageResult{}, fmt.Errorf("marshal paging set: %w", err)
	}

	query := mamplugin.Query{
		XMLName: xml.Name{Space: mamNS, Local: "query"},
		QueryID: queryID,
		Form:    append(formBytes, rsmBytes...),
	}
	queryBytes, err := xml.Marshal(&query)
	if err != nil {
		return archive.PageResult{}, fmt.Errorf("marshal query: %w", err)
	}

	iq := stanza.NewIQ(stanza.IQSet)
	iq.ID = queryID
	if isRoom {
		iq.To = mustJID(conversation)
	}
	iq.Query = queryBytes

	pending := a.queries.register(queryID)
	defer a.queries.unregister(queryID)

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if err := session.SendElement(ctx, iq); err != nil {
		return archive.PageResult{}, fmt.Errorf("send archive query: %w", err)
	}

	select {
	case fin := <-pending.done:
		msgs := a.queries.take(queryID)
		sort.SliceStable(msgs, func(i, j int) bool {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		})
		res := archive.PageResult{Messages: msgs, Complete: fin.Complete}
		if fin.Set != nil {
			res.First = fin.Set.First
			res.Last = fin.Set.Last
		}
		return res, nil
	case <-ctx.Done():
		return archive.PageResult{}, fmt.Errorf("archive query %s: %w", queryID, ctx.Err())
	}
}

// decodeForwardedMessage finds the message element inside a forwarded
// wrapper. The delay sibling may precede or follow it depending on the
// server.
func decodeForwardedMessage(inner []byte) (*stanza.Message, error) {
	dec := xml.NewDecoder(bytes.NewReader(inner))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "message" {
			var st stanza.Message
			if err := dec.DecodeElement(&st, &se); err != nil {
				return nil, err
			}
			return &st, nil
		}
	}
}

func mustJID(s string) jid.JID {
	j, _ := jid.Parse(s)
	return j
}
