package tvclient

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// TradeSide is long or short.
type TradeSide string

const (
	SideLong  TradeSide = "long"
	SideShort TradeSide = "short"
)

// Amount is a value with its percentage counterpart.
type Amount struct {
	Value   float64 `json:"value"`
	Percent float64 `json:"percent"`
}

// TradeLeg is an entry or exit fill.
type TradeLeg struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Time  int64   `json:"time"`
}

// Trade is one closed trade of a strategy report.
type Trade struct {
	Side       TradeSide `json:"side"`
	Entry      TradeLeg  `json:"entry"`
	Exit       TradeLeg  `json:"exit"`
	Quantity   float64   `json:"quantity"`
	Profit     Amount    `json:"profit"`
	Cumulative Amount    `json:"cumulative"`
	RunUp      Amount    `json:"run_up"`
	DrawDown   Amount    `json:"draw_down"`
}

// StrategyReport is the aggregated backtest output of a strategy.
type StrategyReport struct {
	Currency    string          `json:"currency"`
	Performance map[string]any  `json:"performance"`
	Trades      []Trade         `json:"trades"`
	DateRange   *DateRange      `json:"date_range,omitempty"`
	History     json.RawMessage `json:"history,omitempty"`
}

// DateRange is the backtest window reported by the server.
type DateRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Ready reports whether the report carries at least one trade.
func (r *StrategyReport) Ready() bool {
	return r != nil && len(r.Trades) > 0
}

type wireAmount struct {
	V float64 `json:"v"`
	P float64 `json:"p"`
}

func (a wireAmount) amount() Amount { return Amount{Value: a.V, Percent: a.P} }

type wireLeg struct {
	C  string  `json:"c"`
	Tp string  `json:"tp"`
	P  float64 `json:"p"`
	Tm int64   `json:"tm"`
}

type wireTrade struct {
	E  wireLeg    `json:"e"`
	X  wireLeg    `json:"x"`
	Q  float64    `json:"q"`
	Tp wireAmount `json:"tp"`
	Cp wireAmount `json:"cp"`
	Rn wireAmount `json:"rn"`
	Dd wireAmount `json:"dd"`
}

type wireReport struct {
	Currency    string         `json:"currency"`
	Performance map[string]any `json:"performance"`
	Trades      []wireTrade    `json:"trades"`
	Settings    struct {
		DateRange struct {
			Backtest *DateRange `json:"backtest"`
		} `json:"dateRange"`
	} `json:"settings"`
	History json.RawMessage `json:"history"`
}

type studyPayload struct {
	Report         *wireReport `json:"report"`
	Data           *wireData   `json:"data"`
	DataCompressed string      `json:"dataCompressed"`
}

type wireData struct {
	Report *wireReport `json:"report"`
}

// parseStudyPayload reads a study's ns.d document. It returns nil without
// error when the document carries no report.
func parseStudyPayload(doc []byte) (*StrategyReport, error) {
	var p studyPayload
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode study payload: %w", err)
	}
	switch {
	case p.DataCompressed != "":
		raw, err := inflate(p.DataCompressed)
		if err != nil {
			return nil, err
		}
		return parseStudyPayload(raw)
	case p.Data != nil && p.Data.Report != nil:
		return p.Data.Report.convert(), nil
	case p.Report != nil:
		return p.Report.convert(), nil
	}
	return nil, nil
}

// inflate decodes a base64 zip archive and returns its first file.
func inflate(b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode compressed payload: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open compressed payload: %w", err)
	}
	if len(zr.File) == 0 {
		return nil, fmt.Errorf("compressed payload is empty")
	}
	f, err := zr.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("open compressed entry: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (w *wireReport) convert() *StrategyReport {
	r := &StrategyReport{
		Currency:    w.Currency,
		Performance: w.Performance,
		Trades:      make([]Trade, 0, len(w.Trades)),
		DateRange:   w.Settings.DateRange.Backtest,
		History:     w.History,
	}
	if r.Performance == nil {
		r.Performance = map[string]any{}
	}
	for _, t := range w.Trades {
		side := SideLong
		if len(t.E.Tp) > 0 && t.E.Tp[0] == 's' {
			side = SideShort
		}
		r.Trades = append(r.Trades, Trade{
			Side:       side,
			Entry:      TradeLeg{Name: t.E.C, Price: t.E.P, Time: t.E.Tm},
			Exit:       TradeLeg{Name: t.X.C, Price: t.X.P, Time: t.X.Tm},
			Quantity:   t.Q,
			Profit:     t.Tp.amount(),
			Cumulative: t.Cp.amount(),
			RunUp:      t.Rn.amount(),
			DrawDown:   t.Dd.amount(),
		})
	}
	return r
}
