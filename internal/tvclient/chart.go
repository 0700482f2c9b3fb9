package tvclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/relay"
	"github.com/dgnsrekt/tvbacktest/internal/tvproto"
)

const (
	pricesSeries   = "$prices"
	defaultTF      = "240"
	defaultBars    = 100
	seriesName     = "s1"
	replayResetReq = "req_replay_reset"
)

// ChartState is the lifecycle state of a chart session.
type ChartState int

const (
	ChartCreated ChartState = iota
	ChartSubscribing
	ChartSymbolLoaded
	ChartStreaming
	ChartErrored
	ChartDeleted
)

func (s ChartState) String() string {
	switch s {
	case ChartCreated:
		return "created"
	case ChartSubscribing:
		return "subscribing"
	case ChartSymbolLoaded:
		return "symbol-loaded"
	case ChartStreaming:
		return "streaming"
	case ChartErrored:
		return "errored"
	case ChartDeleted:
		return "deleted"
	}
	return "unknown"
}

// Bar is one OHLCV period. Time is unix seconds.
type Bar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// SymbolInfo is the static market metadata sent once per series.
type SymbolInfo struct {
	Name           string  `json:"name"`
	FullName       string  `json:"full_name"`
	ProName        string  `json:"pro_name"`
	Description    string  `json:"description"`
	Exchange       string  `json:"exchange"`
	ListedExchange string  `json:"listed_exchange"`
	Type           string  `json:"type"`
	Currency       string  `json:"currency_code"`
	Timezone       string  `json:"timezone"`
	Session        string  `json:"session"`
	PriceScale     float64 `json:"pricescale"`
	MinMove        float64 `json:"minmov"`
}

// TickSize is minmov / pricescale.
func (si SymbolInfo) TickSize() float64 {
	if si.PriceScale == 0 {
		return 0
	}
	return si.MinMove / si.PriceScale
}

// MarketOptions configures SetMarket.
type MarketOptions struct {
	Timeframe string
	Bars      int
	// From/To request an absolute window in unix seconds instead of Bars.
	From int64
	To   int64
	// Replay starts a replay session at this unix timestamp.
	Replay int64
	// ChartType selects a non-standard series, e.g. "HeikinAshi".
	ChartType  string
	Adjustment string
	Currency   string
	Session    string
}

// ChartEventKind tags a ChartEvent.
type ChartEventKind int

const (
	EventSymbolLoaded ChartEventKind = iota
	EventUpdate
	EventCompleted
	EventError
	EventReplayEnd
)

// ChartEvent is published to chart listeners in server order.
type ChartEvent struct {
	Kind   ChartEventKind
	Symbol *SymbolInfo
	Bars   int
	Err    error
}

// ChartSession is a market-data subscription on one symbol and timeframe.
type ChartSession struct {
	conn     *Conn
	id       string
	replayID string

	mu          sync.Mutex
	state       ChartState
	symbol      string
	timeframe   string
	seriesN     int
	seriesID    string
	completed   bool
	created     bool
	replay      bool
	info        *SymbolInfo
	bars        map[int64]Bar
	periods     []Bar
	err         error
	changed     chan struct{}
	symbolFut   *Future[SymbolInfo]
	firstUpdate *Future[struct{}]
	study       *Study

	listeners *relay.Broker[ChartEvent]
}

// NewChartSession connects if needed and opens a chart session.
func (c *Client) NewChartSession(ctx context.Context) (*ChartSession, error) {
	conn, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	s := &ChartSession{
		conn:        conn,
		id:          genSessionID(prefixChart),
		replayID:    genSessionID(prefixReplay),
		bars:        make(map[int64]Bar),
		changed:     make(chan struct{}),
		symbolFut:   NewFuture[SymbolInfo](),
		firstUpdate: NewFuture[struct{}](),
		listeners:   relay.NewBroker[ChartEvent](),
	}
	conn.register(s.id, s)
	if err := conn.Send("chart_create_session", s.id, ""); err != nil {
		conn.unregister(s.id)
		return nil, err
	}
	slog.Debug("chart session created", "session", s.id)
	return s, nil
}

// ID returns the session id.
func (s *ChartSession) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *ChartSession) State() ChartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to errored, if any.
func (s *ChartSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetMarket subscribes the session to symbol. A second call switches the
// series in place.
func (s *ChartSession) SetMarket(symbol string, opts MarketOptions) error {
	if symbol == "" {
		return apperr.New(apperr.CodeValidation, "symbol is required", nil)
	}
	if opts.Timeframe == "" {
		opts.Timeframe = defaultTF
	}
	if opts.Bars <= 0 {
		opts.Bars = defaultBars
	}
	if opts.Adjustment == "" {
		opts.Adjustment = "splits"
	}

	s.mu.Lock()
	if s.state == ChartDeleted {
		s.mu.Unlock()
		return s.sessionErr("session deleted", nil)
	}
	s.symbol = symbol
	s.timeframe = opts.Timeframe
	s.seriesN++
	seriesID := "ser_" + strconv.Itoa(s.seriesN)
	created := s.created
	s.created = true
	s.seriesID = seriesID
	s.state = ChartSubscribing
	if created {
		// A switched series starts empty and re-arms its first-event handles.
		s.bars = make(map[int64]Bar)
		s.periods = nil
		s.info = nil
		s.completed = false
		replaced := apperr.New(apperr.CodeSession, "series replaced", nil).With("session", s.id).With("symbol", symbol)
		s.symbolFut.Reject(replaced)
		s.firstUpdate.Reject(replaced)
		s.symbolFut = NewFuture[SymbolInfo]()
		s.firstUpdate = NewFuture[struct{}]()
		s.signal()
	}
	if opts.Replay > 0 {
		s.replay = true
	}
	s.mu.Unlock()

	symbolInit := map[string]any{
		"symbol":     symbol,
		"adjustment": opts.Adjustment,
	}
	if opts.Currency != "" {
		symbolInit["currency-id"] = opts.Currency
	}
	if opts.Session != "" {
		symbolInit["session"] = opts.Session
	}

	if opts.Replay > 0 {
		s.conn.register(s.replayID, s)
		symJSON, _ := json.Marshal(symbolInit)
		if err := s.sendAll(
			request{"replay_create_session", []any{s.replayID}},
			request{"replay_add_series", []any{s.replayID, "req_replay_addseries", "=" + string(symJSON), opts.Timeframe}},
			request{"replay_reset", []any{s.replayID, replayResetReq, opts.Replay}},
		); err != nil {
			return err
		}
	}

	chartInit := symbolInit
	if opts.ChartType != "" || opts.Replay > 0 {
		chartInit = map[string]any{"symbol": symbolInit}
		if opts.Replay > 0 {
			chartInit["replay"] = s.replayID
		}
		if opts.ChartType != "" {
			chartInit["type"] = opts.ChartType
			chartInit["inputs"] = map[string]any{}
		}
	}
	initJSON, err := json.Marshal(chartInit)
	if err != nil {
		return fmt.Errorf("tvclient: marshal symbol: %w", err)
	}

	var rng any = opts.Bars
	switch {
	case opts.From > 0:
		to := opts.To
		if to <= 0 {
			to = time.Now().Unix()
		}
		rng = fmt.Sprintf("r,%d:%d", opts.From, to)
	case opts.To > 0:
		rng = []any{"bar_count", opts.To, opts.Bars}
	}

	reqs := []request{{"resolve_symbol", []any{s.id, seriesID, "=" + string(initJSON)}}}
	if created {
		reqs = append(reqs, request{"modify_series", []any{s.id, pricesSeries, seriesName, seriesID, opts.Timeframe, ""}})
	} else {
		reqs = append(reqs, request{"create_series", []any{s.id, pricesSeries, seriesName, seriesID, opts.Timeframe, rng}})
	}
	return s.sendAll(reqs...)
}

// SetTimezone switches the timezone used for bar timestamps on the server.
func (s *ChartSession) SetTimezone(tz string) error {
	return s.conn.Send("switch_timezone", s.id, tz)
}

// WaitSymbol blocks until the symbol metadata arrives.
func (s *ChartSession) WaitSymbol(ctx context.Context) (SymbolInfo, error) {
	symbolFut, _ := s.futures()
	info, err := symbolFut.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		return info, s.timeoutErr("symbol resolution", ctx.Err())
	}
	return info, err
}

// Symbol returns the loaded metadata, if any.
func (s *ChartSession) Symbol() (SymbolInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return SymbolInfo{}, false
	}
	return *s.info, true
}

// Periods returns the bars received so far, newest first.
func (s *ChartSession) Periods() []Bar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Bar(nil), s.periods...)
}

// WaitBars blocks until at least n bars arrived, the session errors, or ctx
// ends. The bars collected so far are returned in every case.
func (s *ChartSession) WaitBars(ctx context.Context, n int) ([]Bar, error) {
	for {
		s.mu.Lock()
		bars := append([]Bar(nil), s.periods...)
		err := s.err
		changed := s.changed
		s.mu.Unlock()

		if len(bars) >= n && len(bars) > 0 {
			return bars, nil
		}
		if err != nil {
			return bars, err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return bars, s.timeoutErr(fmt.Sprintf("waiting for %d bars (have %d)", n, len(bars)), ctx.Err())
		}
	}
}

// Changed returns a channel closed on the next update, completion, error or
// deletion. Unlike Subscribe it cannot drop a signal.
func (s *ChartSession) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Completed reports whether the server marked the current series complete.
func (s *ChartSession) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// WaitUpdate blocks until the next update, completion or error after the
// call, or until ctx ends.
func (s *ChartSession) WaitUpdate(ctx context.Context) error {
	s.mu.Lock()
	changed := s.changed
	s.mu.Unlock()
	select {
	case <-changed:
		return s.Err()
	case <-ctx.Done():
		return s.timeoutErr("waiting for update", ctx.Err())
	}
}

// FetchMore requests n older bars. It waits for the first update of the
// current subscription before sending.
func (s *ChartSession) FetchMore(ctx context.Context, n int) error {
	if n <= 0 {
		return apperr.Newf(apperr.CodeValidation, "fetch more: count must be positive, got %d", n)
	}
	_, firstUpdate := s.futures()
	if _, err := firstUpdate.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return s.timeoutErr("waiting for first update", ctx.Err())
		}
		return err
	}
	return s.conn.Send("request_more_data", s.id, pricesSeries, n)
}

// ReplayStep advances a replay session by n bars.
func (s *ChartSession) ReplayStep(n int) error {
	s.mu.Lock()
	replay := s.replay
	s.mu.Unlock()
	if !replay {
		return s.sessionErr("replay step on a non-replay session", nil)
	}
	return s.conn.Send("replay_step", s.replayID, "req_replay_step", n)
}

// Subscribe registers a listener. The channel closes on Delete.
func (s *ChartSession) Subscribe() (int64, <-chan ChartEvent) {
	return s.listeners.Subscribe()
}

// Unsubscribe removes a listener.
func (s *ChartSession) Unsubscribe(id int64) {
	s.listeners.Unsubscribe(id)
}

// Delete removes the study, tells the server to drop the session and
// unregisters it. Safe to call repeatedly and on errored sessions.
func (s *ChartSession) Delete() {
	s.mu.Lock()
	if s.state == ChartDeleted {
		s.mu.Unlock()
		return
	}
	s.state = ChartDeleted
	study := s.study
	replay := s.replay
	s.mu.Unlock()

	if study != nil {
		study.Remove()
	}
	if s.conn.IsOpen() {
		if err := s.conn.Send("chart_delete_session", s.id); err != nil {
			slog.Debug("chart delete send failed", "session", s.id, "error", err)
		}
		if replay {
			if err := s.conn.Send("replay_delete_session", s.replayID); err != nil {
				slog.Debug("replay delete send failed", "session", s.replayID, "error", err)
			}
		}
	}
	s.conn.unregister(s.id)
	s.conn.unregister(s.replayID)

	deleted := s.sessionErr("session deleted", nil)
	s.mu.Lock()
	s.symbolFut.Reject(deleted)
	s.firstUpdate.Reject(deleted)
	if s.err == nil {
		s.err = deleted
	}
	s.signal()
	s.mu.Unlock()
	s.listeners.Close()
	slog.Debug("chart session deleted", "session", s.id)
}

func (s *ChartSession) handle(msg tvproto.Message) {
	switch msg.Method {
	case "symbol_resolved":
		s.onSymbol(msg)
	case "timescale_update", "du":
		s.onUpdate(msg)
	case "series_completed":
		s.mu.Lock()
		s.completed = true
		n := len(s.periods)
		s.signal()
		s.mu.Unlock()
		s.publish(ChartEvent{Kind: EventCompleted, Bars: n})
	case "symbol_error":
		s.fail(s.sessionErr("symbol error", errors.New(describe(msg))))
	case "series_error":
		s.fail(s.sessionErr("series error", errors.New(describe(msg))))
	case "critical_error", "protocol_error":
		s.fail(s.sessionErr("server error", errors.New(describe(msg))))
	case "study_error", "study_completed", "study_loading":
		if st := s.currentStudy(); st != nil && msg.StringParam(1) == st.id {
			st.handle(msg)
		}
	case "replay_data_end":
		s.publish(ChartEvent{Kind: EventReplayEnd, Bars: len(s.Periods())})
	case methodConnClosed:
		s.fail(apperr.New(apperr.CodeConnection, "connection closed", nil).
			With("session", s.id).With("symbol", s.symbolName()))
	}
}

func (s *ChartSession) onSymbol(msg tvproto.Message) {
	var info SymbolInfo
	if err := msg.Param(2, &info); err != nil {
		slog.Warn("symbol_resolved decode failed", "session", s.id, "error", err)
		return
	}
	s.mu.Lock()
	if s.state == ChartDeleted {
		s.mu.Unlock()
		return
	}
	if id := msg.StringParam(1); id != "" && id != s.seriesID {
		s.mu.Unlock()
		slog.Debug("stale symbol_resolved dropped", "session", s.id, "series", id)
		return
	}
	s.info = &info
	if s.state == ChartSubscribing {
		s.state = ChartSymbolLoaded
	}
	symbolFut := s.symbolFut
	s.mu.Unlock()

	symbolFut.Resolve(info)
	s.publish(ChartEvent{Kind: EventSymbolLoaded, Symbol: &info})
}

type seriesPayload struct {
	S []struct {
		I int       `json:"i"`
		V []float64 `json:"v"`
	} `json:"s"`
}

func (s *ChartSession) onUpdate(msg tvproto.Message) {
	var data map[string]json.RawMessage
	if err := msg.Param(1, &data); err != nil {
		slog.Warn("update decode failed", "session", s.id, "error", err)
		return
	}

	if raw, ok := data[pricesSeries]; ok {
		var series seriesPayload
		if err := json.Unmarshal(raw, &series); err != nil {
			slog.Warn("price series decode failed", "session", s.id, "error", err)
		} else {
			s.mergeBars(series)
		}
	}

	if st := s.currentStudy(); st != nil {
		if raw, ok := data[st.id]; ok {
			st.onData(raw)
		}
	}

	s.mu.Lock()
	if s.state == ChartDeleted {
		s.mu.Unlock()
		return
	}
	if s.state != ChartErrored {
		s.state = ChartStreaming
	}
	n := len(s.periods)
	firstUpdate := s.firstUpdate
	s.signal()
	s.mu.Unlock()

	if n > 0 {
		firstUpdate.Resolve(struct{}{})
	}
	s.publish(ChartEvent{Kind: EventUpdate, Bars: n})
}

func (s *ChartSession) mergeBars(series seriesPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := false
	for _, p := range series.S {
		if len(p.V) < 5 {
			continue
		}
		b := Bar{Time: int64(p.V[0]), Open: p.V[1], High: p.V[2], Low: p.V[3], Close: p.V[4]}
		if len(p.V) > 5 {
			b.Volume = p.V[5]
		}
		if _, ok := s.bars[b.Time]; !ok {
			added = true
		}
		s.bars[b.Time] = b
	}
	if !added {
		for i := range s.periods {
			s.periods[i] = s.bars[s.periods[i].Time]
		}
		return
	}
	periods := make([]Bar, 0, len(s.bars))
	for _, b := range s.bars {
		periods = append(periods, b)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Time > periods[j].Time })
	s.periods = periods
}

func (s *ChartSession) fail(err error) {
	s.mu.Lock()
	if s.state == ChartDeleted {
		s.mu.Unlock()
		return
	}
	s.state = ChartErrored
	if s.err == nil {
		s.err = err
	}
	study := s.study
	symbolFut, firstUpdate := s.symbolFut, s.firstUpdate
	s.signal()
	s.mu.Unlock()

	slog.Warn("chart session error", "session", s.id, "error", err)
	symbolFut.Reject(err)
	firstUpdate.Reject(err)
	if study != nil {
		study.fail(err.Error())
	}
	s.publish(ChartEvent{Kind: EventError, Err: err})
}

func (s *ChartSession) futures() (*Future[SymbolInfo], *Future[struct{}]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symbolFut, s.firstUpdate
}

// signal wakes WaitBars/WaitUpdate callers. Caller holds s.mu.
func (s *ChartSession) signal() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *ChartSession) publish(evt ChartEvent) {
	s.mu.Lock()
	deleted := s.state == ChartDeleted
	s.mu.Unlock()
	if !deleted {
		s.listeners.Publish(evt)
	}
}

func (s *ChartSession) currentStudy() *Study {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.study
}

func (s *ChartSession) symbolName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symbol
}

func (s *ChartSession) sessionErr(msg string, cause error) *apperr.CodedError {
	s.mu.Lock()
	symbol, tf := s.symbol, s.timeframe
	s.mu.Unlock()
	return apperr.New(apperr.CodeSession, msg, cause).
		With("session", s.id).With("symbol", symbol).With("timeframe", tf)
}

func (s *ChartSession) timeoutErr(what string, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return fmt.Errorf("%s: %w", what, cause)
	}
	s.mu.Lock()
	symbol, tf := s.symbol, s.timeframe
	s.mu.Unlock()
	return apperr.New(apperr.CodeTimeout, what, cause).
		With("session", s.id).With("symbol", symbol).With("timeframe", tf)
}

type request struct {
	method string
	params []any
}

func (s *ChartSession) sendAll(reqs ...request) error {
	for _, r := range reqs {
		if err := s.conn.Send(r.method, r.params...); err != nil {
			return err
		}
	}
	return nil
}
