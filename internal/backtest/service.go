// Package backtest orchestrates bar fetches, strategy backtests and indicator
// runs over the streaming client, routing each backtest between the regular
// chart server and the deep history server.
package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/params"
	"github.com/dgnsrekt/tvbacktest/internal/plan"
	"github.com/dgnsrekt/tvbacktest/internal/rangeroute"
	"github.com/dgnsrekt/tvbacktest/internal/reportstore"
	"github.com/dgnsrekt/tvbacktest/internal/tvclient"
)

// Timeouts bound each kind of server wait.
type Timeouts struct {
	Login     time.Duration `yaml:"login"`
	ChartData time.Duration `yaml:"chart_data"`
	Regular   time.Duration `yaml:"regular"`
	Deep      time.Duration `yaml:"deep"`
}

// DefaultTimeouts returns 10s login, 15s chart data, 30s regular and 120s
// deep backtests.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Login:     10 * time.Second,
		ChartData: 15 * time.Second,
		Regular:   30 * time.Second,
		Deep:      120 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Login <= 0 {
		t.Login = d.Login
	}
	if t.ChartData <= 0 {
		t.ChartData = d.ChartData
	}
	if t.Regular <= 0 {
		t.Regular = d.Regular
	}
	if t.Deep <= 0 {
		t.Deep = d.Deep
	}
	return t
}

// ScriptSource loads script definitions.
type ScriptSource interface {
	Script(ctx context.Context, id, version string) (*params.Script, error)
}

// ReportStore persists completed reports.
type ReportStore interface {
	Save(meta reportstore.Meta, report any) (reportstore.Meta, error)
	List() ([]reportstore.Meta, error)
	Get(id string) (reportstore.Meta, error)
	ReadReport(id string) (json.RawMessage, error)
	Delete(id string) error
}

// Notifier receives a one-line summary of completed backtests.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Options wires a Service.
type Options struct {
	Chart    *tvclient.Client
	History  *tvclient.Client
	Plan     *plan.Detector
	Scripts  ScriptSource
	Reports  ReportStore
	Notifier Notifier
	Timeouts Timeouts
	Now      func() time.Time
}

// Service runs backtests. It is safe for concurrent use.
type Service struct {
	chart    *tvclient.Client
	history  *tvclient.Client
	plan     *plan.Detector
	scripts  ScriptSource
	reports  ReportStore
	notifier Notifier
	timeouts Timeouts
	router   *rangeroute.Router
	slots    *semaphore.Weighted
}

// NewService validates opts. Chart and Scripts are required.
func NewService(opts Options) (*Service, error) {
	if opts.Chart == nil {
		return nil, apperr.New(apperr.CodeConfig, "backtest: chart client is required", nil)
	}
	if opts.Scripts == nil {
		return nil, apperr.New(apperr.CodeConfig, "backtest: script source is required", nil)
	}
	det := opts.Plan
	if det == nil {
		det = opts.Chart.Plan()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Service{
		chart:    opts.Chart,
		history:  opts.History,
		plan:     det,
		scripts:  opts.Scripts,
		reports:  opts.Reports,
		notifier: opts.Notifier,
		timeouts: opts.Timeouts.withDefaults(),
	}
	s.router = &rangeroute.Router{Now: now, LimitsFor: s.limitsFor}
	studies := det.Limits().MaxStudies
	if studies < 1 {
		studies = 1
	}
	s.slots = semaphore.NewWeighted(int64(studies))
	return s, nil
}

// limitsFor prefers the detector's configured limits for the account's own tier.
func (s *Service) limitsFor(tier string) plan.Limits {
	if plan.Normalize(tier) == s.plan.Tier() {
		return s.plan.Limits()
	}
	return plan.LimitsFor(tier)
}

// PlanInfo describes the detected account plan.
type PlanInfo struct {
	Tier   string      `json:"tier"`
	Paid   bool        `json:"paid"`
	Server string      `json:"server"`
	Limits plan.Limits `json:"limits"`
	Deep   bool        `json:"deep_backtesting"`
}

// Plan reports the cached account plan.
func (s *Service) Plan() PlanInfo {
	tier := s.plan.Tier()
	return PlanInfo{
		Tier:   tier,
		Paid:   plan.IsPaid(tier),
		Server: s.plan.Server(),
		Limits: s.plan.Limits(),
		Deep:   rangeroute.Authorize(rangeroute.Decision{Mode: rangeroute.ModeDeep}, tier) == nil,
	}
}

// RouteRange routes spec for the account's tier without authorizing it.
func (s *Service) RouteRange(spec any, timeframe string) (rangeroute.Decision, error) {
	return s.router.RouteAny(spec, normalizeTimeframe(timeframe), s.plan.Tier())
}

// Parameters returns the visible inputs of a script.
func (s *Service) Parameters(ctx context.Context, scriptID, version string) ([]params.Input, error) {
	if strings.TrimSpace(scriptID) == "" {
		return nil, apperr.New(apperr.CodeValidation, "script is required", nil)
	}
	script, err := s.scripts.Script(ctx, scriptID, version)
	if err != nil {
		return nil, err
	}
	return params.NewResolver(script).Visible(), nil
}

// BarsRequest asks for OHLCV bars. Range follows the router's forms; when
// nil, Bars (default 100) is used as a raw count.
type BarsRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe,omitempty"`
	Range     any    `json:"range,omitempty"`
	Bars      int    `json:"bars,omitempty"`
}

// FetchBars streams a bar window and returns it newest first.
func (s *Service) FetchBars(ctx context.Context, req BarsRequest) (Result, error) {
	if strings.TrimSpace(req.Symbol) == "" {
		return Result{}, apperr.New(apperr.CodeValidation, "symbol is required", nil)
	}
	tf := normalizeTimeframe(req.Timeframe)

	opts := tvclient.MarketOptions{Timeframe: tf, Bars: req.Bars}
	var decision *rangeroute.Decision
	if req.Range != nil {
		tier := s.plan.Tier()
		d, err := s.router.RouteAny(req.Range, tf, tier)
		if err != nil {
			return failure(withRequest(err, req.Symbol, tf, ""), nil), nil
		}
		decision = &d
		if err := rangeroute.Authorize(d, tier); err != nil {
			return failure(withRequest(err, req.Symbol, tf, ""), decision), nil
		}
		switch {
		case d.Mode == rangeroute.ModeRegular:
			opts.Bars = d.Bars
		case d.From > 0:
			opts.From, opts.To = d.From, d.To
		default:
			opts.Bars = s.plan.Limits().MaxRegularBars
		}
	}
	if opts.Bars <= 0 && opts.From == 0 {
		opts.Bars = 100
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeouts.ChartData)
	defer cancel()

	chart, err := s.chart.NewChartSession(ctx)
	if err != nil {
		return failure(err, decision), nil
	}
	defer chart.Delete()

	if err := chart.SetMarket(req.Symbol, opts); err != nil {
		return failure(err, decision), nil
	}
	bars, err := waitSeries(ctx, chart, opts.Bars)
	if err != nil {
		res := failure(err, decision)
		res.Bars = bars
		return res, nil
	}

	res := Result{
		Success:  true,
		Message:  fmt.Sprintf("fetched %d bars for %s (%s)", len(bars), req.Symbol, tf),
		Bars:     bars,
		Decision: decision,
	}
	if info, ok := chart.Symbol(); ok {
		res.Symbol = &info
	}
	return res, nil
}

// waitSeries returns once want bars arrived, the session errored, or the
// server marked the series complete after at least one update.
func waitSeries(ctx context.Context, chart *tvclient.ChartSession, want int) ([]tvclient.Bar, error) {
	for {
		changed := chart.Changed()
		bars := chart.Periods()
		if want > 0 && len(bars) >= want {
			return bars[:want], nil
		}
		if err := chart.Err(); err != nil {
			return bars, err
		}
		if chart.Completed() && len(bars) > 0 {
			return bars, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			bars := chart.Periods()
			return bars, apperr.New(apperr.CodeTimeout,
				fmt.Sprintf("waiting for bars (have %d)", len(bars)), ctx.Err()).
				With("session", chart.ID())
		}
	}
}

// BacktestRequest runs a strategy. Range defaults to "chart".
type BacktestRequest struct {
	Symbol    string         `json:"symbol"`
	Timeframe string         `json:"timeframe,omitempty"`
	Script    string         `json:"script"`
	Version   string         `json:"version,omitempty"`
	Range     any            `json:"range,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// RunBacktest routes the request, validates parameters before opening any
// session, and runs it on the regular or deep path.
func (s *Service) RunBacktest(ctx context.Context, req BacktestRequest) (Result, error) {
	if strings.TrimSpace(req.Symbol) == "" {
		return Result{}, apperr.New(apperr.CodeValidation, "symbol is required", nil)
	}
	if strings.TrimSpace(req.Script) == "" {
		return Result{}, apperr.New(apperr.CodeValidation, "script is required", nil)
	}
	tf := normalizeTimeframe(req.Timeframe)
	spec := req.Range
	if spec == nil {
		spec = "chart"
	}

	tier := s.plan.Tier()
	d, err := s.router.RouteAny(spec, tf, tier)
	if err != nil {
		return failure(withRequest(err, req.Symbol, tf, req.Script), nil), nil
	}
	decision := &d
	if err := rangeroute.Authorize(d, tier); err != nil {
		return failure(withRequest(err, req.Symbol, tf, req.Script), decision), nil
	}
	if d.Mode == rangeroute.ModeDeep && s.history == nil {
		return Result{}, apperr.New(apperr.CodeConfig, "deep backtesting needs a history client", nil)
	}

	script, err := s.scripts.Script(ctx, req.Script, req.Version)
	if err != nil {
		return failure(withRequest(err, req.Symbol, tf, req.Script), decision), nil
	}
	strategy := *script
	strategy.IsStrategy = true
	values, err := params.NewResolver(&strategy).ResolveValues(req.Params)
	if err != nil {
		return failure(withRequest(err, req.Symbol, tf, req.Script), decision), nil
	}

	var outcome tvclient.Outcome
	if d.Mode == rangeroute.ModeDeep {
		outcome, err = s.runDeep(ctx, tf, req, &strategy, values, d)
	} else {
		outcome, err = s.runRegular(ctx, tf, req.Symbol, &strategy, values, d.Bars)
	}
	if err != nil {
		res := failure(withRequest(err, req.Symbol, tf, req.Script), decision)
		res.Report = summarize(outcome.Report)
		return res, nil
	}

	res := Result{
		Success:  true,
		Message:  fmt.Sprintf("%s backtest of %s on %s (%s): %d trades", d.Mode, req.Script, req.Symbol, tf, len(outcome.Report.Trades)),
		Report:   summarize(outcome.Report),
		Decision: decision,
	}
	res.ReportID = s.persist(reportstore.Meta{
		Kind:       "backtest",
		Symbol:     req.Symbol,
		Timeframe:  tf,
		Script:     req.Script,
		Mode:       string(d.Mode),
		TradeCount: len(outcome.Report.Trades),
		Currency:   outcome.Report.Currency,
	}, res.Report)
	s.notify(ctx, res.Message)
	return res, nil
}

func (s *Service) runRegular(ctx context.Context, tf, symbol string, script *params.Script, values map[string]any, bars int) (tvclient.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Regular)
	defer cancel()

	release, err := s.acquire(ctx)
	if err != nil {
		return tvclient.Outcome{}, err
	}
	defer release()

	chart, err := s.chart.NewChartSession(ctx)
	if err != nil {
		return tvclient.Outcome{}, err
	}
	defer chart.Delete()

	if err := chart.SetMarket(symbol, tvclient.MarketOptions{Timeframe: tf, Bars: bars}); err != nil {
		return tvclient.Outcome{}, err
	}
	study, err := chart.AttachStudy(script, values)
	if err != nil {
		return tvclient.Outcome{}, err
	}
	slog.Info("regular backtest started", "session", chart.ID(), "symbol", symbol, "timeframe", tf, "script", script.PineID, "bars", bars)
	return study.Await(ctx)
}

func (s *Service) runDeep(ctx context.Context, tf string, req BacktestRequest, script *params.Script, values map[string]any, d rangeroute.Decision) (tvclient.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Deep)
	defer cancel()

	release, err := s.acquire(ctx)
	if err != nil {
		return tvclient.Outcome{}, err
	}
	defer release()

	hist, err := s.history.NewHistorySession(ctx)
	if err != nil {
		return tvclient.Outcome{}, err
	}
	defer hist.Delete()

	if err := hist.Request(tvclient.HistoryRequest{
		Symbol:    req.Symbol,
		Timeframe: tf,
		From:      d.From,
		To:        d.To,
		Script:    script,
		Values:    values,
	}); err != nil {
		return tvclient.Outcome{}, err
	}
	slog.Info("deep backtest started", "session", hist.ID(), "symbol", req.Symbol, "timeframe", tf, "script", script.PineID, "from", d.From, "to", d.To)
	return hist.Await(ctx)
}

// IndicatorRequest runs an indicator over Bars bars (default 300).
type IndicatorRequest struct {
	Symbol    string         `json:"symbol"`
	Timeframe string         `json:"timeframe,omitempty"`
	Script    string         `json:"script"`
	Version   string         `json:"version,omitempty"`
	Bars      int            `json:"bars,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// RunIndicator attaches an indicator and returns its first computed plots
// together with the bars they were computed on.
func (s *Service) RunIndicator(ctx context.Context, req IndicatorRequest) (Result, error) {
	if strings.TrimSpace(req.Symbol) == "" {
		return Result{}, apperr.New(apperr.CodeValidation, "symbol is required", nil)
	}
	if strings.TrimSpace(req.Script) == "" {
		return Result{}, apperr.New(apperr.CodeValidation, "script is required", nil)
	}
	tf := normalizeTimeframe(req.Timeframe)
	bars := req.Bars
	if bars <= 0 {
		bars = 300
	}

	script, err := s.scripts.Script(ctx, req.Script, req.Version)
	if err != nil {
		return failure(withRequest(err, req.Symbol, tf, req.Script), nil), nil
	}
	indicator := *script
	indicator.IsStrategy = false
	values, err := params.NewResolver(&indicator).ResolveValues(req.Params)
	if err != nil {
		return failure(withRequest(err, req.Symbol, tf, req.Script), nil), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Regular)
	defer cancel()
	release, err := s.acquire(ctx)
	if err != nil {
		return failure(err, nil), nil
	}
	defer release()

	chart, err := s.chart.NewChartSession(ctx)
	if err != nil {
		return failure(err, nil), nil
	}
	defer chart.Delete()

	if err := chart.SetMarket(req.Symbol, tvclient.MarketOptions{Timeframe: tf, Bars: bars}); err != nil {
		return failure(err, nil), nil
	}
	study, err := chart.AttachStudy(&indicator, values)
	if err != nil {
		return failure(err, nil), nil
	}
	outcome, err := study.Await(ctx)
	if err != nil {
		res := failure(err, nil)
		res.Plots = outcome.Plots
		return res, nil
	}

	res := Result{
		Success: true,
		Message: fmt.Sprintf("indicator %s on %s (%s): %d plot points", req.Script, req.Symbol, tf, len(outcome.Plots)),
		Plots:   outcome.Plots,
		Bars:    chart.Periods(),
	}
	if info, ok := chart.Symbol(); ok {
		res.Symbol = &info
	}
	res.ReportID = s.persist(reportstore.Meta{
		Kind:      "indicator",
		Symbol:    req.Symbol,
		Timeframe: tf,
		Script:    req.Script,
	}, map[string]any{"plots": res.Plots, "bars": res.Bars})
	return res, nil
}

// acquire takes a study slot; the account caps concurrent studies.
func (s *Service) acquire(ctx context.Context) (func(), error) {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, apperr.New(apperr.CodeTimeout, "waiting for a free study slot", err)
	}
	return func() { s.slots.Release(1) }, nil
}

func (s *Service) persist(meta reportstore.Meta, report any) string {
	if s.reports == nil {
		return ""
	}
	saved, err := s.reports.Save(meta, report)
	if err != nil {
		slog.Warn("report store failed", "symbol", meta.Symbol, "script", meta.Script, "error", err)
		return ""
	}
	return saved.ID
}

func (s *Service) notify(ctx context.Context, message string) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.notifier.Notify(ctx, message); err != nil {
		slog.Warn("notification failed", "error", err)
	}
}

// withRequest attaches retry context to coded errors.
func withRequest(err error, symbol, timeframe, script string) error {
	var coded *apperr.CodedError
	if !errors.As(err, &coded) {
		return err
	}
	return coded.With("symbol", symbol).With("timeframe", timeframe).With("script", script)
}

func normalizeTimeframe(tf string) string {
	tf = strings.TrimSpace(tf)
	if tf == "" {
		return "D"
	}
	return tf
}
