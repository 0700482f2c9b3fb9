package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/tvbacktest/internal/backtest"
)

func registerBacktestHandlers(api huma.API, svc Service) {
	type barsInput struct {
		Body struct {
			Symbol    string `json:"symbol" doc:"Exchange-qualified symbol" example:"BINANCE:BTCUSDT"`
			Timeframe string `json:"timeframe,omitempty" doc:"Resolution; D when empty" example:"60"`
			Range     any    `json:"range,omitempty" doc:"Optional range: chart, max, <N>d, a positive bar count, or {from, to} dates (YYYY-MM-DD)"`
			Bars      int    `json:"bars,omitempty" doc:"Bar count when range is omitted (default 100)" minimum:"0"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "fetch-bars", Method: http.MethodPost, Path: "/api/v1/bars", Summary: "Fetch OHLCV bars", Tags: []string{"Data"}},
		func(ctx context.Context, input *barsInput) (*resultOutput, error) {
			return resultResponse(svc.FetchBars(ctx, backtest.BarsRequest{
				Symbol:    input.Body.Symbol,
				Timeframe: input.Body.Timeframe,
				Range:     input.Body.Range,
				Bars:      input.Body.Bars,
			}))
		})

	type backtestInput struct {
		Body struct {
			Symbol    string         `json:"symbol" doc:"Exchange-qualified symbol" example:"NASDAQ:AAPL"`
			Timeframe string         `json:"timeframe,omitempty" doc:"Resolution; D when empty" example:"D"`
			Script    string         `json:"script" doc:"Strategy script id" example:"USER;abc123"`
			Version   string         `json:"version,omitempty" doc:"Script version; latest when empty"`
			Range     any            `json:"range,omitempty" doc:"Range, default chart: chart, max, <N>d, a positive bar count, or {from, to} dates (YYYY-MM-DD)"`
			Params    map[string]any `json:"params,omitempty" doc:"Input overrides keyed by id, name, inline group or internal id"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "run-backtest", Method: http.MethodPost, Path: "/api/v1/backtest", Summary: "Run a strategy backtest", Description: "Routes to the regular chart server or, for premium accounts, the deep history server.", Tags: []string{"Backtest"}},
		func(ctx context.Context, input *backtestInput) (*resultOutput, error) {
			return resultResponse(svc.RunBacktest(ctx, backtest.BacktestRequest{
				Symbol:    input.Body.Symbol,
				Timeframe: input.Body.Timeframe,
				Script:    input.Body.Script,
				Version:   input.Body.Version,
				Range:     input.Body.Range,
				Params:    input.Body.Params,
			}))
		})

	type indicatorInput struct {
		Body struct {
			Symbol    string         `json:"symbol" example:"NASDAQ:AAPL"`
			Timeframe string         `json:"timeframe,omitempty" example:"D"`
			Script    string         `json:"script" example:"STD;RSI"`
			Version   string         `json:"version,omitempty"`
			Bars      int            `json:"bars,omitempty" doc:"Bars to compute over (default 300)" minimum:"0"`
			Params    map[string]any `json:"params,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "run-indicator", Method: http.MethodPost, Path: "/api/v1/indicator", Summary: "Compute an indicator", Tags: []string{"Backtest"}},
		func(ctx context.Context, input *indicatorInput) (*resultOutput, error) {
			return resultResponse(svc.RunIndicator(ctx, backtest.IndicatorRequest{
				Symbol:    input.Body.Symbol,
				Timeframe: input.Body.Timeframe,
				Script:    input.Body.Script,
				Version:   input.Body.Version,
				Bars:      input.Body.Bars,
				Params:    input.Body.Params,
			}))
		})
}
