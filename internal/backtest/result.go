package backtest

import (
	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/rangeroute"
	"github.com/dgnsrekt/tvbacktest/internal/tvclient"
)

// Result is the caller-facing outcome of every service operation. Protocol,
// parameter and range failures are reported here with Success false.
type Result struct {
	Success  bool                 `json:"success"`
	Message  string               `json:"message"`
	Report   *ReportSummary       `json:"report,omitempty"`
	Bars     []tvclient.Bar       `json:"bars,omitempty"`
	Plots    []tvclient.PlotPoint `json:"plots,omitempty"`
	Symbol   *tvclient.SymbolInfo `json:"symbol,omitempty"`
	Decision *rangeroute.Decision `json:"decision,omitempty"`
	ReportID string               `json:"report_id,omitempty"`
	Error    string               `json:"error,omitempty"`
	Code     string               `json:"code,omitempty"`
	Context  map[string]string    `json:"context,omitempty"`
}

// ReportSummary is the strategy report as returned to callers.
type ReportSummary struct {
	Performance map[string]any      `json:"performance"`
	Trades      []tvclient.Trade    `json:"trades"`
	TradeCount  int                 `json:"tradeCount"`
	Currency    string              `json:"currency"`
	DateRange   *tvclient.DateRange `json:"dateRange,omitempty"`
}

func summarize(r *tvclient.StrategyReport) *ReportSummary {
	if r == nil {
		return nil
	}
	return &ReportSummary{
		Performance: r.Performance,
		Trades:      r.Trades,
		TradeCount:  len(r.Trades),
		Currency:    r.Currency,
		DateRange:   r.DateRange,
	}
}

// Err rebuilds the coded error carried by a failed Result.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	e := apperr.New(r.Code, r.Error, nil)
	for k, v := range r.Context {
		e = e.With(k, v)
	}
	return e
}

func failure(err error, decision *rangeroute.Decision) Result {
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.CodeConnection
	}
	return Result{
		Message:  "request failed: " + code,
		Error:    err.Error(),
		Code:     code,
		Context:  apperr.FieldsOf(err),
		Decision: decision,
	}
}
