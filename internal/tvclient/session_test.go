package tvclient

import (
	"context"
	"testing"
	"time"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
)

func TestQuoteSessionMergesUpdates(t *testing.T) {
	d := &dialer{autoHello: true}
	c := newTestClient(t, d)
	ctx := testCtx(t)

	q, err := c.NewQuoteSession(ctx, "lp", "ch")
	if err != nil {
		t.Fatalf("NewQuoteSession() error = %v", err)
	}
	ft := d.last()
	fields := ft.waitSent(t, "quote_set_fields")
	if len(fields.Params) != 3 || fields.Params[1] != "lp" {
		t.Fatalf("quote_set_fields params = %v", fields.Params)
	}
	if err := q.AddSymbols("BINANCE:BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	_, events := q.Subscribe()

	ft.push("qsd", q.ID(), map[string]any{"n": "BINANCE:BTCUSDT", "s": "ok", "v": map[string]any{"lp": 100.5, "ch": 1}})
	ft.push("qsd", q.ID(), map[string]any{"n": "BINANCE:BTCUSDT", "s": "ok", "v": map[string]any{"lp": 101.0}})
	ft.push("quote_completed", q.ID(), "BINANCE:BTCUSDT")

	quote, err := q.WaitQuote(ctx, "BINANCE:BTCUSDT")
	if err != nil {
		t.Fatalf("WaitQuote() error = %v", err)
	}
	if lp, _ := quote.Float("lp"); lp != 101 {
		t.Fatalf("lp = %v; want latest value", lp)
	}
	if ch, _ := quote.Float("ch"); ch != 1 {
		t.Fatalf("ch = %v; want value kept from first update", ch)
	}
	if evt := <-events; evt.Err != nil || evt.Quote.Symbol != "BINANCE:BTCUSDT" {
		t.Fatalf("event = %+v", evt)
	}

	q.Delete()
	q.Delete()
	if n := len(ft.requests("quote_delete_session")); n != 1 {
		t.Fatalf("quote_delete_session sent %d times; want 1", n)
	}
}

func TestQuoteSymbolError(t *testing.T) {
	d := &dialer{autoHello: true}
	c := newTestClient(t, d)
	q, err := c.NewQuoteSession(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := q.AddSymbols("NOPE:NOPE"); err != nil {
		t.Fatal(err)
	}
	d.last().push("qsd", q.ID(), map[string]any{"n": "NOPE:NOPE", "s": "error", "v": map[string]any{}})

	if _, err := q.WaitQuote(testCtx(t), "NOPE:NOPE"); !apperr.Is(err, apperr.CodeSession) {
		t.Fatalf("WaitQuote() error = %v; want SESSION_ERROR", err)
	}
	if _, err := q.WaitQuote(testCtx(t), "OTHER"); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("WaitQuote(unsubscribed) error = %v; want VALIDATION", err)
	}
}

func historyRequest() HistoryRequest {
	return HistoryRequest{
		Symbol:    "NASDAQ:AAPL",
		Timeframe: "D",
		From:      1577836800,
		To:        1735689599,
		Script:    strategyScript(),
		Values:    map[string]any{"Length": 30},
	}
}

func TestHistorySessionReady(t *testing.T) {
	d := &dialer{autoHello: true}
	c := newTestClient(t, d)
	h, err := c.NewHistorySession(testCtx(t))
	if err != nil {
		t.Fatalf("NewHistorySession() error = %v", err)
	}
	ft := d.last()
	if err := h.Request(historyRequest()); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	req := ft.waitSent(t, "request_history_data")
	if req.Params[0] != h.ID() || req.Params[3] != "D" || req.Params[7] != "r,1577836800:1735689599" {
		t.Fatalf("request_history_data params = %v", req.Params)
	}
	if err := h.Request(historyRequest()); !apperr.Is(err, apperr.CodeSession) {
		t.Fatalf("second Request() error = %v; want SESSION_ERROR", err)
	}

	ft.push("history_data_loading", h.ID())
	ft.push("history_data", h.ID(), map[string]any{"ns": map[string]any{"d": reportWithoutTrades}})
	time.Sleep(20 * time.Millisecond)
	if h.State() != StudyPending {
		t.Fatalf("State() = %s; want pending without trades", h.State())
	}
	ft.push("history_data", h.ID(), map[string]any{"ns": map[string]any{"d": reportWithTrades}})

	o, err := h.Await(testCtx(t))
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if o.State != StudyReady || len(o.Report.Trades) != 1 {
		t.Fatalf("outcome = %+v", o)
	}

	h.Delete()
	h.Delete()
	if n := len(ft.requests("history_delete_session")); n != 1 {
		t.Fatalf("history_delete_session sent %d times; want 1", n)
	}
}

func TestHistorySessionErrorAndTimeout(t *testing.T) {
	d := &dialer{autoHello: true}
	c := newTestClient(t, d)

	failing, err := c.NewHistorySession(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := failing.Request(historyRequest()); err != nil {
		t.Fatal(err)
	}
	d.last().push("history_data_error", failing.ID(), "not enough data")
	if _, err := failing.Await(testCtx(t)); !apperr.Is(err, apperr.CodeStudy) {
		t.Fatalf("Await() error = %v; want STUDY_ERROR", err)
	}

	silent, err := c.NewHistorySession(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := silent.Request(historyRequest()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	o, err := silent.Await(ctx)
	if !apperr.Is(err, apperr.CodeTimeout) || o.State != StudyTimedOut {
		t.Fatalf("Await() = %+v, %v; want timed out", o, err)
	}
}

func TestHistoryRequestValidatesBeforeSending(t *testing.T) {
	d := &dialer{autoHello: true}
	c := newTestClient(t, d)
	h, err := c.NewHistorySession(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	req := historyRequest()
	req.Values = map[string]any{"nope": 1}
	if err := h.Request(req); !apperr.Is(err, apperr.CodeUnknownParameter) {
		t.Fatalf("Request() error = %v; want UNKNOWN_PARAMETER", err)
	}
	if n := len(d.last().requests("request_history_data")); n != 0 {
		t.Fatal("request_history_data sent for invalid parameters")
	}
}
