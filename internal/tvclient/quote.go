package tvclient

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/relay"
	"github.com/dgnsrekt/tvbacktest/internal/tvproto"
)

// DefaultQuoteFields is the field set requested by NewQuoteSession when none
// is given.
var DefaultQuoteFields = []string{
	"ch", "chp", "currency_code", "description", "exchange", "lp", "lp_time",
	"high_price", "low_price", "open_price", "prev_close_price", "volume",
	"ask", "bid", "pricescale", "minmov", "short_name", "pro_name", "type",
	"current_session", "update_mode", "timezone",
}

// Quote is the merged field state for one symbol.
type Quote struct {
	Symbol string         `json:"symbol"`
	Status string         `json:"status"`
	Values map[string]any `json:"values"`
}

// Float returns a numeric field.
func (q Quote) Float(field string) (float64, bool) {
	v, ok := q.Values[field].(float64)
	return v, ok
}

// QuoteEvent is published on every qsd update.
type QuoteEvent struct {
	Quote Quote
	Err   error
}

// QuoteSession streams quote fields for a set of symbols.
type QuoteSession struct {
	conn *Conn
	id   string

	mu       sync.Mutex
	quotes   map[string]*Quote
	complete map[string]*Future[Quote]
	deleted  bool

	listeners *relay.Broker[QuoteEvent]
}

// NewQuoteSession opens a quote session with the given fields.
func (c *Client) NewQuoteSession(ctx context.Context, fields ...string) (*QuoteSession, error) {
	conn, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		fields = DefaultQuoteFields
	}
	q := &QuoteSession{
		conn:      conn,
		id:        genSessionID(prefixQuote),
		quotes:    make(map[string]*Quote),
		complete:  make(map[string]*Future[Quote]),
		listeners: relay.NewBroker[QuoteEvent](),
	}
	conn.register(q.id, q)

	args := make([]any, 0, len(fields)+1)
	args = append(args, q.id)
	for _, f := range fields {
		args = append(args, f)
	}
	if err := conn.Send("quote_create_session", q.id); err != nil {
		conn.unregister(q.id)
		return nil, err
	}
	if err := conn.Send("quote_set_fields", args...); err != nil {
		q.Delete()
		return nil, err
	}
	return q, nil
}

// ID returns the session id.
func (q *QuoteSession) ID() string { return q.id }

// AddSymbols subscribes to symbols.
func (q *QuoteSession) AddSymbols(symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}
	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return apperr.New(apperr.CodeSession, "quote session deleted", nil).With("session", q.id)
	}
	args := []any{q.id}
	for _, s := range symbols {
		if _, ok := q.complete[s]; !ok {
			q.complete[s] = NewFuture[Quote]()
		}
		args = append(args, s)
	}
	q.mu.Unlock()
	return q.conn.Send("quote_add_symbols", args...)
}

// RemoveSymbols unsubscribes from symbols and forgets their state.
func (q *QuoteSession) RemoveSymbols(symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := []any{q.id}
	q.mu.Lock()
	for _, s := range symbols {
		delete(q.quotes, s)
		if f, ok := q.complete[s]; ok {
			f.Reject(apperr.New(apperr.CodeSession, "symbol removed", nil).With("symbol", s))
			delete(q.complete, s)
		}
		args = append(args, s)
	}
	q.mu.Unlock()
	return q.conn.Send("quote_remove_symbols", args...)
}

// Quote returns the current state of symbol.
func (q *QuoteSession) Quote(symbol string) (Quote, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, ok := q.quotes[symbol]
	if !ok {
		return Quote{}, false
	}
	return cur.clone(), true
}

// WaitQuote blocks until the server marks symbol's snapshot complete.
func (q *QuoteSession) WaitQuote(ctx context.Context, symbol string) (Quote, error) {
	q.mu.Lock()
	fut, ok := q.complete[symbol]
	q.mu.Unlock()
	if !ok {
		return Quote{}, apperr.New(apperr.CodeValidation, "symbol not subscribed", nil).With("symbol", symbol)
	}
	quote, err := fut.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		return quote, apperr.New(apperr.CodeTimeout, "waiting for quote", ctx.Err()).With("symbol", symbol)
	}
	return quote, err
}

// Subscribe registers a listener. The channel closes on Delete.
func (q *QuoteSession) Subscribe() (int64, <-chan QuoteEvent) { return q.listeners.Subscribe() }

// Unsubscribe removes a listener.
func (q *QuoteSession) Unsubscribe(id int64) { q.listeners.Unsubscribe(id) }

// Delete ends the session. Safe to call repeatedly.
func (q *QuoteSession) Delete() {
	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return
	}
	q.deleted = true
	pending := q.complete
	q.complete = map[string]*Future[Quote]{}
	q.mu.Unlock()

	if q.conn.IsOpen() {
		if err := q.conn.Send("quote_delete_session", q.id); err != nil {
			slog.Debug("quote delete send failed", "session", q.id, "error", err)
		}
	}
	q.conn.unregister(q.id)
	for s, f := range pending {
		f.Reject(apperr.New(apperr.CodeSession, "quote session deleted", nil).With("symbol", s))
	}
	q.listeners.Close()
}

type qsdPayload struct {
	N string         `json:"n"`
	S string         `json:"s"`
	V map[string]any `json:"v"`
}

func (q *QuoteSession) handle(msg tvproto.Message) {
	switch msg.Method {
	case "qsd":
		var p qsdPayload
		if err := msg.Param(1, &p); err != nil {
			slog.Warn("qsd decode failed", "session", q.id, "error", err)
			return
		}
		q.onData(p)
	case "quote_completed":
		symbol := msg.StringParam(1)
		q.mu.Lock()
		cur, ok := q.quotes[symbol]
		fut := q.complete[symbol]
		var snap Quote
		if ok {
			snap = cur.clone()
		}
		q.mu.Unlock()
		if fut != nil {
			fut.Resolve(snap)
		}
	case "critical_error", "protocol_error", methodConnClosed:
		err := apperr.New(apperr.CodeSession, "quote session error", nil).With("session", q.id).With("detail", describe(msg))
		if msg.Method == methodConnClosed {
			err = apperr.New(apperr.CodeConnection, "connection closed", nil).With("session", q.id)
		}
		q.mu.Lock()
		pending := make([]*Future[Quote], 0, len(q.complete))
		for _, f := range q.complete {
			pending = append(pending, f)
		}
		q.mu.Unlock()
		for _, f := range pending {
			f.Reject(err)
		}
		q.publish(QuoteEvent{Err: err})
	}
}

func (q *QuoteSession) onData(p qsdPayload) {
	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return
	}
	cur, ok := q.quotes[p.N]
	if !ok {
		cur = &Quote{Symbol: p.N, Values: make(map[string]any)}
		q.quotes[p.N] = cur
	}
	cur.Status = p.S
	for k, v := range p.V {
		cur.Values[k] = v
	}
	snap := cur.clone()
	fut := q.complete[p.N]
	q.mu.Unlock()

	if p.S == "error" {
		err := apperr.New(apperr.CodeSession, "symbol error", nil).With("symbol", p.N)
		if fut != nil {
			fut.Reject(err)
		}
		q.publish(QuoteEvent{Quote: snap, Err: err})
		return
	}
	q.publish(QuoteEvent{Quote: snap})
}

func (q *QuoteSession) publish(evt QuoteEvent) {
	q.mu.Lock()
	deleted := q.deleted
	q.mu.Unlock()
	if !deleted {
		q.listeners.Publish(evt)
	}
}

func (q *Quote) clone() Quote {
	out := Quote{Symbol: q.Symbol, Status: q.Status, Values: make(map[string]any, len(q.Values))}
	for k, v := range q.Values {
		out.Values[k] = v
	}
	return out
}
