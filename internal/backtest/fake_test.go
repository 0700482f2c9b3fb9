package backtest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/credentials"
	"github.com/dgnsrekt/tvbacktest/internal/params"
	"github.com/dgnsrekt/tvbacktest/internal/plan"
	"github.com/dgnsrekt/tvbacktest/internal/reportstore"
	"github.com/dgnsrekt/tvbacktest/internal/tvclient"
	"github.com/dgnsrekt/tvbacktest/internal/tvproto"
)

const tradesReport = `{"report":{"currency":"USD","performance":{"all":{"netProfit":12.5}},"trades":[
{"e":{"c":"Long","tp":"le","p":100,"tm":1700000000000},"x":{"c":"Exit","tp":"lx","p":112.5,"tm":1700086400000},"q":1,"tp":{"v":12.5,"p":12.5}}]}}`

// server is a scripted in-memory streaming server. Each dial returns a
// fresh transport sharing the server's reactions and request log.
type server struct {
	mu    sync.Mutex
	sent  []tvproto.Request
	dials int

	// bars delivered after create_series; zero means none.
	bars int
	// symbolError answers create_series with symbol_error instead of data.
	symbolError bool
	// onStudy reacts to create_study; nil means silence.
	onStudy func(t *transport, chartID, studyID string)
	// onHistory reacts to request_history_data; nil means silence.
	onHistory func(t *transport, sessionID string)
}

type transport struct {
	srv       *server
	recv      chan tvproto.Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *server) dial(_ context.Context, _ tvproto.DialOptions) (tvclient.Transport, error) {
	s.mu.Lock()
	s.dials++
	s.mu.Unlock()
	t := &transport{srv: s, recv: make(chan tvproto.Message, 256), done: make(chan struct{})}
	t.recv <- tvproto.Message{Raw: json.RawMessage(`{"session_id":"x"}`)}
	return t, nil
}

func (s *server) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *server) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.sent {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (s *server) last(method string) (tvproto.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].Method == method {
			return s.sent[i], true
		}
	}
	return tvproto.Request{}, false
}

func (t *transport) Send(r tvproto.Request) error {
	select {
	case <-t.done:
		return errors.New("fake: closed")
	default:
	}
	t.srv.mu.Lock()
	t.srv.sent = append(t.srv.sent, r)
	bars, onStudy, onHistory := t.srv.bars, t.srv.onStudy, t.srv.onHistory
	symbolError := t.srv.symbolError
	t.srv.mu.Unlock()

	switch r.Method {
	case "create_series":
		chartID := r.Params[0].(string)
		if symbolError {
			t.push("symbol_error", chartID, r.Params[3], "invalid symbol")
			break
		}
		t.push("symbol_resolved", chartID, r.Params[3], map[string]any{
			"name": "AAPL", "exchange": "NASDAQ", "currency_code": "USD", "pricescale": 100, "minmov": 1,
		})
		if bars > 0 {
			points := make([]map[string]any, 0, bars)
			for i := 0; i < bars; i++ {
				ts := 1700000000 + int64(i)*86400
				points = append(points, map[string]any{"i": i, "v": []float64{float64(ts), 1, 2, 0.5, 1.5, 100}})
			}
			t.push("timescale_update", chartID, map[string]any{"$prices": map[string]any{"s": points}})
		}
		t.push("series_completed", chartID, "s1", "streaming")
	case "create_study":
		if onStudy != nil {
			onStudy(t, r.Params[0].(string), r.Params[1].(string))
		}
	case "quote_add_symbols":
		sessionID := r.Params[0].(string)
		for _, sym := range r.Params[1:] {
			status, values := "ok", map[string]any{"lp": 101.5}
			if sym == "BAD:SYM" {
				status, values = "error", map[string]any{}
			}
			t.push("qsd", sessionID, map[string]any{"n": sym, "s": status, "v": values})
		}
	case "request_history_data":
		if onHistory != nil {
			onHistory(t, r.Params[0].(string))
		}
	}
	return nil
}

func (t *transport) Receive() <-chan tvproto.Message { return t.recv }

func (t *transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *transport) push(method string, params ...any) {
	msg := tvproto.Message{Method: method}
	for _, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			panic(err)
		}
		msg.Params = append(msg.Params, raw)
	}
	select {
	case t.recv <- msg:
	case <-t.done:
	}
}

func reportUpdate(studyID, report string) map[string]any {
	return map[string]any{studyID: map[string]any{"st": []any{}, "ns": map[string]any{"d": report}}}
}

type scripts map[string]*params.Script

func (s scripts) Script(_ context.Context, id, _ string) (*params.Script, error) {
	if sc, ok := s[id]; ok {
		return sc, nil
	}
	return nil, apperr.New(apperr.CodeNotFound, "script not found", nil).With("script", id)
}

var testScripts = scripts{
	"USER;strategy": {
		PineID:      "USER;strategy",
		PineVersion: "2.0",
		Template:    "bmI9...",
		IsStrategy:  true,
		Inputs: map[string]params.Input{
			"in_0": {ID: "in_0", Name: "Length", Type: params.TypeInteger, Default: 14},
		},
	},
	"STD;SMA": {
		PineID:      "STD;SMA",
		PineVersion: "1.0",
		Template:    "bmI9...",
		Inputs: map[string]params.Input{
			"in_0": {ID: "in_0", Name: "Length", Type: params.TypeInteger, Default: 9},
		},
	},
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Notify(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, message)
	return nil
}

func (n *recordingNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

type harness struct {
	svc      *Service
	chart    *server
	history  *server
	store    *reportstore.Store
	notifier *recordingNotifier
}

func tokenWithPlan(tier string) string {
	payload, _ := json.Marshal(map[string]string{"plan": tier})
	return "e30." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func newHarness(t *testing.T, tier string, timeouts Timeouts) *harness {
	t.Helper()
	creds := credentials.Credentials{SessionID: "sid", Signature: "sig", AuthToken: tokenWithPlan(tier)}
	det := plan.NewDetector(func() string { return creds.AuthToken })

	h := &harness{chart: &server{}, history: &server{}, notifier: &recordingNotifier{}}
	chart, err := tvclient.New(tvclient.Options{Dial: h.chart.dial, Plan: det, LoginTimeout: time.Second}, creds)
	if err != nil {
		t.Fatal(err)
	}
	history, err := tvclient.New(tvclient.Options{Dial: h.history.dial, Plan: det, Server: plan.ServerHistoryData, LoginTimeout: time.Second}, creds)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		chart.Close()
		history.Close()
	})

	h.store, err = reportstore.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h.svc, err = NewService(Options{
		Chart:    chart,
		History:  history,
		Plan:     det,
		Scripts:  testScripts,
		Reports:  h.store,
		Notifier: h.notifier,
		Timeouts: timeouts,
		Now:      func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
