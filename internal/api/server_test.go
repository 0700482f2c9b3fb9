package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/backtest"
	"github.com/dgnsrekt/tvbacktest/internal/params"
	"github.com/dgnsrekt/tvbacktest/internal/plan"
	"github.com/dgnsrekt/tvbacktest/internal/rangeroute"
	"github.com/dgnsrekt/tvbacktest/internal/relay"
	"github.com/dgnsrekt/tvbacktest/internal/reportstore"
)

type stubService struct {
	backtest  func(req backtest.BacktestRequest) (backtest.Result, error)
	lastRange any
	reports   map[string]reportstore.Meta
	quotes    chan backtest.QuoteUpdate
}

func (s *stubService) Plan() backtest.PlanInfo {
	return backtest.PlanInfo{Tier: plan.TierPro, Paid: true, Server: plan.ServerProData, Limits: plan.Limits{MaxRegularBars: 10000, MaxStudies: 5}}
}

func (s *stubService) RouteRange(spec any, timeframe string) (rangeroute.Decision, error) {
	s.lastRange = spec
	if str, ok := spec.(string); ok && str == "bogus" {
		return rangeroute.Decision{}, apperr.New(apperr.CodeInvalidRange, "bad range", nil)
	}
	return rangeroute.Decision{Mode: rangeroute.ModeRegular, Bars: 30}, nil
}

func (s *stubService) Parameters(ctx context.Context, scriptID, version string) ([]params.Input, error) {
	if scriptID == "STD;SMA" {
		return nil, nil
	}
	return nil, apperr.Newf(apperr.CodeNotFound, "script %s not found", scriptID)
}

func (s *stubService) FetchBars(ctx context.Context, req backtest.BarsRequest) (backtest.Result, error) {
	return backtest.Result{Success: true, Message: "0 bars"}, nil
}

func (s *stubService) RunBacktest(ctx context.Context, req backtest.BacktestRequest) (backtest.Result, error) {
	if req.Symbol == "" {
		return backtest.Result{}, apperr.New(apperr.CodeValidation, "symbol is required", nil)
	}
	return s.backtest(req)
}

func (s *stubService) RunIndicator(ctx context.Context, req backtest.IndicatorRequest) (backtest.Result, error) {
	return backtest.Result{Success: true}, nil
}

func (s *stubService) ListReports() ([]reportstore.Meta, error) {
	var out []reportstore.Meta
	for _, m := range s.reports {
		out = append(out, m)
	}
	return out, nil
}

func (s *stubService) GetReport(id string) (reportstore.Meta, json.RawMessage, error) {
	m, ok := s.reports[id]
	if !ok {
		return reportstore.Meta{}, nil, apperr.Newf(apperr.CodeNotFound, "report %s not found", id)
	}
	return m, json.RawMessage(`{"trades":[]}`), nil
}

func (s *stubService) DeleteReport(id string) error {
	if _, ok := s.reports[id]; !ok {
		return apperr.Newf(apperr.CodeNotFound, "report %s not found", id)
	}
	delete(s.reports, id)
	return nil
}

func (s *stubService) StreamQuotes(ctx context.Context, symbols []string, fields ...string) (<-chan backtest.QuoteUpdate, error) {
	if len(symbols) == 0 {
		return nil, apperr.New(apperr.CodeValidation, "at least one symbol is required", nil)
	}
	return s.quotes, nil
}

func newStub() *stubService {
	return &stubService{
		backtest: func(req backtest.BacktestRequest) (backtest.Result, error) {
			return backtest.Result{Success: true, Message: "backtest complete"}, nil
		},
		reports: map[string]reportstore.Meta{"r1": {ID: "r1", Kind: "backtest", Symbol: "NASDAQ:AAPL"}},
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDocsPages(t *testing.T) {
	h := NewServer(newStub(), nil)
	for _, path := range []string{"/docs", "/docs/relay"} {
		w := do(t, h, http.MethodGet, path, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, w.Code)
		}
		if !strings.Contains(w.Body.String(), "TV Backtest") {
			t.Fatalf("%s missing title", path)
		}
	}
	if w := do(t, h, http.MethodGet, "/docs", ""); !strings.Contains(w.Body.String(), `data-theme="dark"`) {
		t.Fatal("docs missing dark theme marker")
	}
}

func TestRunBacktestStatuses(t *testing.T) {
	stub := newStub()
	h := NewServer(stub, nil)

	w := do(t, h, http.MethodPost, "/api/v1/backtest", `{"symbol":"NASDAQ:AAPL","script":"USER;x","range":"30d","params":{"Length":21}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var res backtest.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil || !res.Success {
		t.Fatalf("result = %+v (%v)", res, err)
	}

	stub.backtest = func(req backtest.BacktestRequest) (backtest.Result, error) {
		return backtest.Result{Code: apperr.CodePlanRestricted, Error: "deep backtesting requires premium", Message: "request failed: PLAN_RESTRICTED"}, nil
	}
	w = do(t, h, http.MethodPost, "/api/v1/backtest", `{"symbol":"NASDAQ:AAPL","script":"USER;x","range":{"from":"2020-01-01"}}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d; want 403", w.Code)
	}
	res = backtest.Result{}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil || res.Code != apperr.CodePlanRestricted {
		t.Fatalf("result = %+v (%v)", res, err)
	}

	w = do(t, h, http.MethodPost, "/api/v1/backtest", `{"symbol":"","script":"USER;x"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[string]int{
		apperr.CodeValidation:       http.StatusBadRequest,
		apperr.CodeUnknownParameter: http.StatusBadRequest,
		apperr.CodePlanRestricted:   http.StatusForbidden,
		apperr.CodeNotFound:         http.StatusNotFound,
		apperr.CodeTimeout:          http.StatusGatewayTimeout,
		apperr.CodeStudy:            http.StatusBadGateway,
		apperr.CodeConfig:           http.StatusInternalServerError,
		"":                          http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusFor(code); got != want {
			t.Errorf("statusFor(%q) = %d; want %d", code, got, want)
		}
	}
}

func TestAccountEndpoints(t *testing.T) {
	stub := newStub()
	h := NewServer(stub, nil)

	w := do(t, h, http.MethodGet, "/api/v1/plan", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"tier":"pro"`) {
		t.Fatalf("plan: %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/v1/route?range=500&timeframe=60", "")
	if w.Code != http.StatusOK {
		t.Fatalf("route: %d %s", w.Code, w.Body.String())
	}
	if n, ok := stub.lastRange.(int); !ok || n != 500 {
		t.Fatalf("range passed = %#v; want 500", stub.lastRange)
	}

	do(t, h, http.MethodGet, "/api/v1/route?from=2020-01-01&range=30d", "")
	if m, ok := stub.lastRange.(map[string]any); !ok || m["from"] != "2020-01-01" {
		t.Fatalf("range passed = %#v; want date object", stub.lastRange)
	}

	if w = do(t, h, http.MethodGet, "/api/v1/route?range=bogus", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bogus route status = %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/api/v1/scripts/STD;SMA/parameters", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"inputs":[]`) {
		t.Fatalf("parameters: %d %s", w.Code, w.Body.String())
	}
	if w = do(t, h, http.MethodGet, "/api/v1/scripts/USER;nope/parameters", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing script status = %d", w.Code)
	}
}

func TestRangeFromQuery(t *testing.T) {
	tests := []struct {
		rng, from, to string
		want          any
	}{
		{"", "", "", "chart"},
		{"max", "", "", "max"},
		{" 250 ", "", "", 250},
		{"30d", "", "", "30d"},
	}
	for _, tt := range tests {
		if got := rangeFromQuery(tt.rng, tt.from, tt.to); got != tt.want {
			t.Errorf("rangeFromQuery(%q) = %#v; want %#v", tt.rng, got, tt.want)
		}
	}
	m, ok := rangeFromQuery("", "2020-01-01", "2021-01-01").(map[string]any)
	if !ok || m["to"] != "2021-01-01" {
		t.Fatalf("date range = %#v", m)
	}
}

func TestReportEndpoints(t *testing.T) {
	h := NewServer(newStub(), nil)

	w := do(t, h, http.MethodGet, "/api/v1/reports", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"id":"r1"`) {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/api/v1/reports/r1", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"report":{"trades":[]}`) {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}
	if w = do(t, h, http.MethodGet, "/api/v1/reports/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", w.Code)
	}
	if w = do(t, h, http.MethodDelete, "/api/v1/reports/r1", ""); w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = do(t, h, http.MethodGet, "/api/v1/reports", "")
	if !strings.Contains(w.Body.String(), `"reports":[]`) {
		t.Fatalf("list after delete = %s", w.Body.String())
	}
}

func TestQuoteStream(t *testing.T) {
	stub := newStub()
	stub.quotes = make(chan backtest.QuoteUpdate, 2)
	stub.quotes <- backtest.QuoteUpdate{Symbol: "NASDAQ:AAPL", Status: "ok", Values: map[string]any{"lp": 101.5}}
	stub.quotes <- backtest.QuoteUpdate{Symbol: "BAD:SYM", Error: "invalid symbol", Code: apperr.CodeSession}
	close(stub.quotes)

	srv := httptest.NewServer(NewServer(stub, nil))
	defer srv.Close()

	if resp, err := http.Get(srv.URL + "/api/v1/quotes/stream"); err != nil {
		t.Fatal(err)
	} else {
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("no symbols status = %d", resp.StatusCode)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/quotes/stream?symbols=NASDAQ:AAPL,BAD:SYM", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(events) != 2 || events[0] != "quote" || events[1] != "quote_error" {
		t.Fatalf("events = %q", events)
	}
}

func TestRelayRouteOnlyWhenEnabled(t *testing.T) {
	if w := do(t, NewServer(newStub(), nil), http.MethodGet, "/api/v1/relay/events", ""); w.Code != http.StatusNotFound {
		t.Fatalf("relay without broker status = %d; want 404", w.Code)
	}

	broker := relay.NewBroker[relay.Event]()
	srv := httptest.NewServer(NewServer(newStub(), broker))
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/relay/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("relay status = %d type = %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	cancel()
}
