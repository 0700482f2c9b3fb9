package tvclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/params"
	"github.com/dgnsrekt/tvbacktest/internal/tvproto"
)

// HistoryRequest asks the history server to run a strategy over an absolute
// window. From == 0 lets the server pick its maximum range.
type HistoryRequest struct {
	Symbol    string
	Timeframe string
	From      int64
	To        int64
	Script    *params.Script
	Values    map[string]any
}

// HistorySession runs one deep backtest on the history server.
type HistorySession struct {
	conn *Conn
	id   string

	mu      sync.Mutex
	req     HistoryRequest
	report  *StrategyReport
	outcome *Future[Outcome]
	sent    bool
	deleted bool
}

// NewHistorySession connects if needed and opens a history session.
func (c *Client) NewHistorySession(ctx context.Context) (*HistorySession, error) {
	conn, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	h := &HistorySession{
		conn:    conn,
		id:      genSessionID(prefixHistory),
		outcome: NewFuture[Outcome](),
	}
	conn.register(h.id, h)
	if err := conn.Send("history_create_session", h.id); err != nil {
		conn.unregister(h.id)
		return nil, err
	}
	return h, nil
}

// ID returns the session id.
func (h *HistorySession) ID() string { return h.id }

// Request sends the backtest. Values are resolved against the script first,
// so parameter errors surface before anything is sent.
func (h *HistorySession) Request(req HistoryRequest) error {
	if req.Symbol == "" {
		return apperr.New(apperr.CodeValidation, "symbol is required", nil)
	}
	if req.Script == nil || req.Script.PineID == "" {
		return apperr.New(apperr.CodeValidation, "script is required", nil)
	}
	if req.Timeframe == "" {
		req.Timeframe = "D"
	}
	resolved, err := params.NewResolver(req.Script).ResolveValues(req.Values)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.deleted {
		h.mu.Unlock()
		return h.codedErr(apperr.CodeSession, "history session deleted", nil)
	}
	if h.sent {
		h.mu.Unlock()
		return h.codedErr(apperr.CodeSession, "history session already has a request", nil)
	}
	h.sent = true
	h.req = req
	h.mu.Unlock()

	symJSON, err := json.Marshal(map[string]any{"symbol": req.Symbol, "adjustment": "splits"})
	if err != nil {
		return fmt.Errorf("tvclient: marshal symbol: %w", err)
	}
	rng := ""
	if req.From > 0 {
		rng = fmt.Sprintf("r,%d:%d", req.From, req.To)
	}
	return h.conn.Send("request_history_data",
		h.id, 0, "="+string(symJSON), req.Timeframe, 0,
		StudyInputs(req.Script, resolved), strategyStudyType, rng)
}

// Await blocks until a report with trades arrives, the server reports an
// error, or ctx ends; the first of these settles the outcome.
func (h *HistorySession) Await(ctx context.Context) (Outcome, error) {
	select {
	case <-h.outcome.Done():
	case <-ctx.Done():
		reason := "no report before deadline"
		if errors.Is(ctx.Err(), context.Canceled) {
			reason = "wait cancelled"
		}
		h.outcome.Resolve(Outcome{State: StudyTimedOut, Reason: reason, Report: h.Report()})
	}
	o, _ := h.outcome.Result()
	switch o.State {
	case StudyErrored:
		return o, h.codedErr(apperr.CodeStudy, o.Reason, nil)
	case StudyTimedOut:
		return o, h.codedErr(apperr.CodeTimeout, "deep backtest "+o.Reason, ctx.Err())
	}
	return o, nil
}

// Report returns the latest report, which may have no trades yet.
func (h *HistorySession) Report() *StrategyReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.report
}

// State returns Pending until the outcome settles.
func (h *HistorySession) State() StudyState {
	if !h.outcome.Settled() {
		return StudyPending
	}
	o, _ := h.outcome.Result()
	return o.State
}

// Delete ends the session. Safe to call repeatedly.
func (h *HistorySession) Delete() {
	h.mu.Lock()
	if h.deleted {
		h.mu.Unlock()
		return
	}
	h.deleted = true
	h.mu.Unlock()

	if h.conn.IsOpen() {
		if err := h.conn.Send("history_delete_session", h.id); err != nil {
			slog.Debug("history delete send failed", "session", h.id, "error", err)
		}
	}
	h.conn.unregister(h.id)
	h.outcome.Resolve(Outcome{State: StudyErrored, Reason: "history session deleted"})
}

func (h *HistorySession) handle(msg tvproto.Message) {
	switch {
	case msg.Method == methodConnClosed:
		h.fail("connection closed")
	case strings.HasSuffix(msg.Method, "_error"):
		h.fail(describe(msg))
	default:
		h.onData(msg)
	}
}

func (h *HistorySession) onData(msg tvproto.Message) {
	var found *StrategyReport
	for i := 1; i < len(msg.Params); i++ {
		r, err := reportFromParam(msg.Params[i])
		if err != nil {
			slog.Warn("history payload decode failed", "session", h.id, "method", msg.Method, "error", err)
			continue
		}
		if r != nil {
			found = r
		}
	}
	if found == nil {
		return
	}

	h.mu.Lock()
	if h.deleted {
		h.mu.Unlock()
		return
	}
	h.report = found
	h.mu.Unlock()

	if found.Ready() && h.outcome.Resolve(Outcome{State: StudyReady, Report: found}) {
		slog.Debug("deep backtest ready", "session", h.id, "trades", len(found.Trades))
	}
}

func (h *HistorySession) fail(reason string) {
	if h.outcome.Resolve(Outcome{State: StudyErrored, Reason: reason}) {
		slog.Warn("history session error", "session", h.id, "reason", reason)
	}
}

// reportFromParam extracts a report from a pushed object, looking inside a
// study envelope's ns.d first.
func reportFromParam(raw json.RawMessage) (*StrategyReport, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil
	}
	var env struct {
		Ns struct {
			D string `json:"d"`
		} `json:"ns"`
	}
	if err := json.Unmarshal(trimmed, &env); err == nil && env.Ns.D != "" {
		return parseStudyPayload([]byte(env.Ns.D))
	}
	return parseStudyPayload(trimmed)
}

func (h *HistorySession) codedErr(code, msg string, cause error) *apperr.CodedError {
	h.mu.Lock()
	req := h.req
	h.mu.Unlock()
	e := apperr.New(code, msg, cause).With("session", h.id).With("symbol", req.Symbol).With("timeframe", req.Timeframe)
	if req.Script != nil {
		e = e.With("script", req.Script.PineID)
	}
	return e
}
